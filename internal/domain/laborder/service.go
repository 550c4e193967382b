package laborder

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/pkg/lisapi"
)

type Service struct {
	orders  OrderRepository
	samples SampleRepository
	tests   TestRepository
	tx      db.Transactor
}

func NewService(o OrderRepository, s SampleRepository, t TestRepository, tx db.Transactor) *Service {
	return &Service{orders: o, samples: s, tests: t, tx: tx}
}

// Samples exposes the sample repository to the rejection workflow.
func (s *Service) Samples() SampleRepository { return s.samples }

// Tests exposes the test repository to the rejection workflow.
func (s *Service) Tests() TestRepository { return s.tests }

// -- Test Workflow State Machine --

// testTransitions defines valid status transitions for an OrderTest.
var testTransitions = map[string][]string{
	lisapi.TestStatusPending:    {lisapi.TestStatusInProgress, lisapi.TestStatusRejected, lisapi.TestStatusCancelled, lisapi.TestStatusEscalated},
	lisapi.TestStatusInProgress: {lisapi.TestStatusResulted, lisapi.TestStatusRejected, lisapi.TestStatusCancelled, lisapi.TestStatusEscalated},
	lisapi.TestStatusResulted:   {lisapi.TestStatusValidated, lisapi.TestStatusRejected, lisapi.TestStatusCancelled, lisapi.TestStatusEscalated},
	lisapi.TestStatusValidated:  {lisapi.TestStatusRejected},
	lisapi.TestStatusRejected:   {},
	lisapi.TestStatusCancelled:  {},
	lisapi.TestStatusEscalated:  {lisapi.TestStatusCancelled},
}

// workflowStatuses are set only by the rejection workflow.
var workflowStatuses = map[string]bool{
	lisapi.TestStatusRejected:  true,
	lisapi.TestStatusEscalated: true,
}

// ValidateTransition checks if a test status transition is valid.
func ValidateTransition(from, to string) error {
	allowed, ok := testTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown from-status %s", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

var validPriorities = map[string]bool{
	PriorityRoutine: true, PriorityUrgent: true, PriorityStat: true,
}

// CreateOrder creates an order with one sample and its tests.
func (s *Service) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*Order, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return nil, fmt.Errorf("%w: patientId is required", ErrValidation)
	}
	if req.Priority == "" {
		req.Priority = PriorityRoutine
	}
	if !validPriorities[req.Priority] {
		return nil, fmt.Errorf("%w: invalid priority: %s", ErrValidation, req.Priority)
	}
	if strings.TrimSpace(req.Sample.SampleType) == "" {
		return nil, fmt.Errorf("%w: sample.sampleType is required", ErrValidation)
	}
	if len(req.Tests) == 0 {
		return nil, fmt.Errorf("%w: at least one test is required", ErrValidation)
	}
	seen := make(map[string]bool, len(req.Tests))
	for _, t := range req.Tests {
		code := strings.TrimSpace(t.TestCode)
		if code == "" {
			return nil, fmt.Errorf("%w: testCode is required", ErrValidation)
		}
		if seen[code] {
			return nil, fmt.Errorf("%w: duplicate testCode %s", ErrValidation, code)
		}
		seen[code] = true
	}

	order := &Order{PatientID: req.PatientID, Status: OrderStatusActive, Priority: req.Priority}
	err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		sample := &Sample{OrderID: order.ID, SampleType: req.Sample.SampleType, CollectedAt: req.Sample.CollectedAt}
		if b := strings.TrimSpace(req.Sample.Barcode); b != "" {
			sample.Barcode = &b
		}
		sample.Status = lisapi.SampleStatusPendingCollection
		if sample.CollectedAt != nil {
			sample.Status = lisapi.SampleStatusCollected
		}
		if err := s.samples.Create(ctx, sample); err != nil {
			return fmt.Errorf("create sample: %w", err)
		}
		order.Samples = []*Sample{sample}

		for _, tr := range req.Tests {
			t := &OrderTest{
				OrderID:  order.ID,
				SampleID: sample.ID,
				TestCode: strings.TrimSpace(tr.TestCode),
				TestName: tr.TestName,
				Status:   lisapi.TestStatusPending,
			}
			if err := s.tests.Create(ctx, t); err != nil {
				return fmt.Errorf("create test %s: %w", t.TestCode, err)
			}
			order.Tests = append(order.Tests, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrder returns the order with its samples and every test row,
// superseded ones included.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Samples, err = s.samples.ListByOrder(ctx, id); err != nil {
		return nil, err
	}
	if o.Tests, err = s.tests.ListByOrder(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) ListOrdersByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Order, int, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, 0, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	return s.orders.ListByPatient(ctx, patientID, limit, offset)
}

// CurrentTest returns the newest row for testCode on the order.
func (s *Service) CurrentTest(ctx context.Context, orderID uuid.UUID, testCode string) (*OrderTest, error) {
	return s.tests.GetCurrent(ctx, orderID, testCode)
}

// UpdateTestStatus moves the current test through the processing states.
// Rejection and escalation go through the rejection workflow.
func (s *Service) UpdateTestStatus(ctx context.Context, orderID uuid.UUID, testCode, status string) (*OrderTest, error) {
	if status == "" {
		return nil, fmt.Errorf("%w: status is required", ErrValidation)
	}
	if workflowStatuses[status] {
		return nil, fmt.Errorf("%w: status %s is set by the rejection workflow", ErrValidation, status)
	}
	var out *OrderTest
	err := s.tx(ctx, func(ctx context.Context) error {
		t, err := s.tests.GetCurrentForUpdate(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		if err := ValidateTransition(t.Status, status); err != nil {
			return err
		}
		t.Status = status
		if err := s.tests.Update(ctx, t); err != nil {
			return err
		}
		out = t
		return s.RefreshOrderStatus(ctx, orderID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RefreshOrderStatus completes an active order once every current test is
// validated or cancelled.
func (s *Service) RefreshOrderStatus(ctx context.Context, orderID uuid.UUID) error {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != OrderStatusActive {
		return nil
	}
	tests, err := s.tests.ListByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if len(tests) == 0 {
		return nil
	}
	for _, t := range CurrentTests(tests) {
		if t.Status != lisapi.TestStatusValidated && t.Status != lisapi.TestStatusCancelled {
			return nil
		}
	}
	return s.orders.UpdateStatus(ctx, orderID, OrderStatusCompleted)
}

// CurrentTests keeps the newest row per test code. Input is ordered oldest
// first, as ListByOrder returns it.
func CurrentTests(tests []*OrderTest) []*OrderTest {
	idx := make(map[string]int, len(tests))
	var out []*OrderTest
	for _, t := range tests {
		if i, ok := idx[t.TestCode]; ok {
			out[i] = t
			continue
		}
		idx[t.TestCode] = len(out)
		out = append(out, t)
	}
	return out
}
