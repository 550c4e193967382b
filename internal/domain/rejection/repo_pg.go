package rejection

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lis/lis/internal/platform/db"
)

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository {
	return &historyRepoPG{pool: pool}
}

func (r *historyRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const historyCols = `id, order_id, test_id, sample_id, test_code, rejection_type, rejection_reason,
	reason_codes, source, rejected_by, rejected_at, recollection_required,
	recollection_sample_id, new_test_id, escalation_required`

func scanHistory(row pgx.Row) (*HistoryRecord, error) {
	var h HistoryRecord
	err := row.Scan(&h.ID, &h.OrderID, &h.TestID, &h.SampleID, &h.TestCode, &h.RejectionType, &h.RejectionReason,
		&h.ReasonCodes, &h.Source, &h.RejectedBy, &h.RejectedAt, &h.RecollectionRequired,
		&h.RecollectionSampleID, &h.NewTestID, &h.EscalationRequired)
	return &h, err
}

func (r *historyRepoPG) Create(ctx context.Context, h *HistoryRecord) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO rejection_history (`+historyCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		h.ID, h.OrderID, h.TestID, h.SampleID, h.TestCode, h.RejectionType, h.RejectionReason,
		h.ReasonCodes, h.Source, h.RejectedBy, h.RejectedAt, h.RecollectionRequired,
		h.RecollectionSampleID, h.NewTestID, h.EscalationRequired)
	return err
}

func (r *historyRepoPG) ListByTest(ctx context.Context, orderID uuid.UUID, testCode string, limit, offset int) ([]*HistoryRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM rejection_history WHERE order_id = $1 AND test_code = $2`, orderID, testCode).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+historyCols+` FROM rejection_history
		WHERE order_id = $1 AND test_code = $2
		ORDER BY rejected_at ASC, id ASC LIMIT $3 OFFSET $4`, orderID, testCode, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*HistoryRecord
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, h)
	}
	return items, total, rows.Err()
}
