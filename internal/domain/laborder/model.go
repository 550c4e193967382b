package laborder

import (
	"time"

	"github.com/google/uuid"

	"github.com/lis/lis/pkg/lisapi"
)

// Order status values.
const (
	OrderStatusActive    = "active"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// Order priorities.
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityStat    = "stat"
)

// Order maps to the lab_order table.
type Order struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	PatientID string       `db:"patient_id" json:"patientId"`
	Status    string       `db:"status" json:"status"`
	Priority  string       `db:"priority" json:"priority"`
	OrderedAt time.Time    `db:"ordered_at" json:"orderedAt"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time    `db:"updated_at" json:"updatedAt"`
	Samples   []*Sample    `json:"samples,omitempty"`
	Tests     []*OrderTest `json:"tests,omitempty"`
}

// Sample maps to the sample table. A recollection creates a new sample on
// the same order.
type Sample struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	OrderID     uuid.UUID  `db:"order_id" json:"orderId"`
	SampleType  string     `db:"sample_type" json:"sampleType"`
	Barcode     *string    `db:"barcode" json:"barcode,omitempty"`
	Status      string     `db:"status" json:"status"`
	CollectedAt *time.Time `db:"collected_at" json:"collectedAt,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}

// Rejected reports whether the sample can no longer be tested.
func (s *Sample) Rejected() bool {
	return s.Status == lisapi.SampleStatusRejected || s.Status == lisapi.SampleStatusDiscarded
}

// OrderTest maps to the order_test table. Rejecting a test supersedes it
// with a new row for the same test code; the counters carry over.
type OrderTest struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	OrderID           uuid.UUID  `db:"order_id" json:"orderId"`
	SampleID          uuid.UUID  `db:"sample_id" json:"sampleId"`
	TestCode          string     `db:"test_code" json:"testCode"`
	TestName          string     `db:"test_name" json:"testName"`
	Status            string     `db:"status" json:"status"`
	RetestCount       int        `db:"retest_count" json:"retestCount"`
	RecollectionCount int        `db:"recollection_count" json:"recollectionCount"`
	ParentTestID      *uuid.UUID `db:"parent_test_id" json:"parentTestId,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

// Terminal reports whether no follow-up action may be taken on the test.
func (t *OrderTest) Terminal() bool {
	return t.Status == lisapi.TestStatusCancelled || t.Status == lisapi.TestStatusEscalated
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	PatientID string        `json:"patientId"`
	Priority  string        `json:"priority"`
	Sample    SampleRequest `json:"sample"`
	Tests     []TestRequest `json:"tests"`
}

type SampleRequest struct {
	SampleType  string     `json:"sampleType"`
	Barcode     string     `json:"barcode"`
	CollectedAt *time.Time `json:"collectedAt"`
}

type TestRequest struct {
	TestCode string `json:"testCode"`
	TestName string `json:"testName"`
}

// UpdateStatusRequest is the body of PUT /orders/:orderId/tests/:testCode/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}
