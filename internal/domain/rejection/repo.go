package rejection

import (
	"context"

	"github.com/google/uuid"
)

type HistoryRepository interface {
	Create(ctx context.Context, h *HistoryRecord) error
	// ListByTest returns records for the test code on the order, oldest first.
	ListByTest(ctx context.Context, orderID uuid.UUID, testCode string, limit, offset int) ([]*HistoryRecord, int, error)
}
