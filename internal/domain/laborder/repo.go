package laborder

import (
	"context"

	"github.com/google/uuid"
)

type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Order, int, error)
}

type SampleRepository interface {
	Create(ctx context.Context, s *Sample) error
	GetByID(ctx context.Context, id uuid.UUID) (*Sample, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Sample, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Sample, error)
}

type TestRepository interface {
	Create(ctx context.Context, t *OrderTest) error
	// GetCurrent returns the newest row for the test code on the order.
	GetCurrent(ctx context.Context, orderID uuid.UUID, testCode string) (*OrderTest, error)
	// GetCurrentForUpdate is GetCurrent with a row lock.
	GetCurrentForUpdate(ctx context.Context, orderID uuid.UUID, testCode string) (*OrderTest, error)
	Update(ctx context.Context, t *OrderTest) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderTest, error)
	// ListActiveBySample returns tests on the sample that are not rejected,
	// cancelled or escalated.
	ListActiveBySample(ctx context.Context, sampleID uuid.UUID) ([]*OrderTest, error)
}
