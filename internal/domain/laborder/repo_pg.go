package laborder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/pkg/lisapi"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const orderCols = `id, patient_id, status, priority, ordered_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	if err := row.Scan(&o.ID, &o.PatientID, &o.Status, &o.Priority, &o.OrderedAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	o.ID = uuid.New()
	if o.OrderedAt.IsZero() {
		o.OrderedAt = time.Now().UTC()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_order (id, patient_id, status, priority, ordered_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		o.ID, o.PatientID, o.Status, o.Priority, o.OrderedAt).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
}

func (r *orderRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE lab_order SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *orderRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Order, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_order WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+orderCols+` FROM lab_order WHERE patient_id = $1 ORDER BY ordered_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

// =========== Sample Repository ===========

type sampleRepoPG struct{ pool *pgxpool.Pool }

func NewSampleRepoPG(pool *pgxpool.Pool) SampleRepository {
	return &sampleRepoPG{pool: pool}
}

func (r *sampleRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const sampleCols = `id, order_id, sample_type, barcode, status, collected_at, created_at, updated_at`

func scanSample(row pgx.Row) (*Sample, error) {
	var s Sample
	if err := row.Scan(&s.ID, &s.OrderID, &s.SampleType, &s.Barcode, &s.Status, &s.CollectedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *sampleRepoPG) Create(ctx context.Context, s *Sample) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sample (id, order_id, sample_type, barcode, status, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		s.ID, s.OrderID, s.SampleType, s.Barcode, s.Status, s.CollectedAt).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *sampleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Sample, error) {
	return scanSample(r.conn(ctx).QueryRow(ctx, `SELECT `+sampleCols+` FROM sample WHERE id = $1`, id))
}

func (r *sampleRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Sample, error) {
	return scanSample(r.conn(ctx).QueryRow(ctx, `SELECT `+sampleCols+` FROM sample WHERE id = $1 FOR UPDATE`, id))
}

func (r *sampleRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE sample SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sampleRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Sample, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sampleCols+` FROM sample WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// =========== OrderTest Repository ===========

type testRepoPG struct{ pool *pgxpool.Pool }

func NewTestRepoPG(pool *pgxpool.Pool) TestRepository {
	return &testRepoPG{pool: pool}
}

func (r *testRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const testCols = `id, order_id, sample_id, test_code, test_name, status,
	retest_count, recollection_count, parent_test_id, created_at, updated_at`

func scanTest(row pgx.Row) (*OrderTest, error) {
	var t OrderTest
	if err := row.Scan(&t.ID, &t.OrderID, &t.SampleID, &t.TestCode, &t.TestName, &t.Status,
		&t.RetestCount, &t.RecollectionCount, &t.ParentTestID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *testRepoPG) Create(ctx context.Context, t *OrderTest) error {
	t.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO order_test (id, order_id, sample_id, test_code, test_name, status,
			retest_count, recollection_count, parent_test_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		t.ID, t.OrderID, t.SampleID, t.TestCode, t.TestName, t.Status,
		t.RetestCount, t.RecollectionCount, t.ParentTestID).Scan(&t.CreatedAt, &t.UpdatedAt)
}

// The seq column breaks ties between rows created in the same transaction.
const currentTestQuery = `SELECT ` + testCols + ` FROM order_test
	WHERE order_id = $1 AND test_code = $2
	ORDER BY seq DESC LIMIT 1`

func (r *testRepoPG) GetCurrent(ctx context.Context, orderID uuid.UUID, testCode string) (*OrderTest, error) {
	return scanTest(r.conn(ctx).QueryRow(ctx, currentTestQuery, orderID, testCode))
}

func (r *testRepoPG) GetCurrentForUpdate(ctx context.Context, orderID uuid.UUID, testCode string) (*OrderTest, error) {
	return scanTest(r.conn(ctx).QueryRow(ctx, currentTestQuery+` FOR UPDATE`, orderID, testCode))
}

func (r *testRepoPG) Update(ctx context.Context, t *OrderTest) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE order_test SET status = $2, retest_count = $3, recollection_count = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, t.Status, t.RetestCount, t.RecollectionCount).Scan(&t.UpdatedAt)
	return notFound(err)
}

func (r *testRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*OrderTest, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*OrderTest
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *testRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderTest, error) {
	return r.list(ctx, `SELECT `+testCols+` FROM order_test WHERE order_id = $1 ORDER BY seq`, orderID)
}

func (r *testRepoPG) ListActiveBySample(ctx context.Context, sampleID uuid.UUID) ([]*OrderTest, error) {
	return r.list(ctx, `SELECT `+testCols+` FROM order_test
		WHERE sample_id = $1 AND status NOT IN ($2, $3, $4)
		ORDER BY seq FOR UPDATE`,
		sampleID, lisapi.TestStatusRejected, lisapi.TestStatusCancelled, lisapi.TestStatusEscalated)
}
