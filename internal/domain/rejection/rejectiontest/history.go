// Package rejectiontest provides an in-memory rejection history for tests
// outside the rejection package.
package rejectiontest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lis/lis/internal/domain/rejection"
)

// History is a rejection.HistoryRepository backed by a slice.
type History struct {
	mu      sync.Mutex
	records []*rejection.HistoryRecord
}

func (h *History) Create(_ context.Context, r *rejection.HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *r
	cp.ReasonCodes = append([]string(nil), r.ReasonCodes...)
	h.records = append(h.records, &cp)
	return nil
}

func (h *History) ListByTest(_ context.Context, orderID uuid.UUID, testCode string, limit, offset int) ([]*rejection.HistoryRecord, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var all []*rejection.HistoryRecord
	for _, r := range h.records {
		if r.OrderID == orderID && r.TestCode == testCode {
			cp := *r
			all = append(all, &cp)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].RejectedAt.Before(all[j].RejectedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// Len returns the number of stored records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
