package rejection

import (
	"time"

	"github.com/google/uuid"

	"github.com/lis/lis/pkg/lisapi"
)

// Sources of a history record.
const (
	SourceResult = "result"
	SourceSample = "sample"
)

// HistoryRecord maps to the rejection_history table. One row is written per
// rejected test; rows are never updated.
type HistoryRecord struct {
	ID                   uuid.UUID            `db:"id" json:"id"`
	OrderID              uuid.UUID            `db:"order_id" json:"orderId"`
	TestID               uuid.UUID            `db:"test_id" json:"testId"`
	SampleID             uuid.UUID            `db:"sample_id" json:"sampleId"`
	TestCode             string               `db:"test_code" json:"testCode"`
	RejectionType        lisapi.RejectionType `db:"rejection_type" json:"rejectionType"`
	RejectionReason      string               `db:"rejection_reason" json:"rejectionReason"`
	ReasonCodes          []string             `db:"reason_codes" json:"reasonCodes,omitempty"`
	Source               string               `db:"source" json:"source"`
	RejectedBy           string               `db:"rejected_by" json:"rejectedBy"`
	RejectedAt           time.Time            `db:"rejected_at" json:"rejectedAt"`
	RecollectionRequired bool                 `db:"recollection_required" json:"recollectionRequired"`
	RecollectionSampleID *uuid.UUID           `db:"recollection_sample_id" json:"recollectionSampleId,omitempty"`
	NewTestID            *uuid.UUID           `db:"new_test_id" json:"newTestId,omitempty"`
	EscalationRequired   bool                 `db:"escalation_required" json:"escalationRequired"`
}

// ToAPI converts the record to its wire form.
func (h *HistoryRecord) ToAPI() lisapi.RejectionHistoryRecord {
	rec := lisapi.RejectionHistoryRecord{
		ID:              h.ID.String(),
		RejectionType:   h.RejectionType,
		RejectionReason: h.RejectionReason,
		RejectedBy:      h.RejectedBy,
		RejectedAt:      h.RejectedAt.UTC().Format(time.RFC3339Nano),
	}
	if h.RecollectionRequired {
		required := true
		rec.RecollectionRequired = &required
	}
	if h.RecollectionSampleID != nil {
		id := h.RecollectionSampleID.String()
		rec.RecollectionSampleID = &id
	}
	return rec
}
