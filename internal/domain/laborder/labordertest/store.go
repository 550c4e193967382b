// Package labordertest provides in-memory lab order repositories for tests.
package labordertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lis/lis/internal/domain/laborder"
	"github.com/lis/lis/pkg/lisapi"
)

// Store holds orders, samples and tests in memory. Rows are copied on the
// way in and out so callers cannot mutate stored state.
type Store struct {
	mu      sync.Mutex
	seq     int
	orders  map[uuid.UUID]*laborder.Order
	samples map[uuid.UUID]*laborder.Sample
	tests   map[uuid.UUID]*laborder.OrderTest
	order   map[uuid.UUID]int

	// FailOn makes the named operation return the error, e.g. "tests.Create".
	FailOn map[string]error
}

func NewStore() *Store {
	return &Store{
		orders:  make(map[uuid.UUID]*laborder.Order),
		samples: make(map[uuid.UUID]*laborder.Sample),
		tests:   make(map[uuid.UUID]*laborder.OrderTest),
		order:   make(map[uuid.UUID]int),
		FailOn:  make(map[string]error),
	}
}

// Tx runs fn directly. It satisfies db.Transactor.
func Tx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

func (s *Store) Orders() laborder.OrderRepository   { return orderRepo{s} }
func (s *Store) Samples() laborder.SampleRepository { return sampleRepo{s} }
func (s *Store) Tests() laborder.TestRepository     { return testRepo{s} }

// Service builds a laborder.Service over the store.
func (s *Store) Service() *laborder.Service {
	return laborder.NewService(s.Orders(), s.Samples(), s.Tests(), Tx)
}

func (s *Store) fail(op string) error {
	return s.FailOn[op]
}

func (s *Store) next(id uuid.UUID) {
	s.seq++
	s.order[id] = s.seq
}

// Seed creates an order with a collected sample and one pending test per code.
func (s *Store) Seed(patientID string, codes ...string) (*laborder.Order, *laborder.Sample, []*laborder.OrderTest) {
	ctx := context.Background()
	o := &laborder.Order{PatientID: patientID, Status: laborder.OrderStatusActive, Priority: laborder.PriorityRoutine}
	_ = s.Orders().Create(ctx, o)
	now := time.Now()
	sm := &laborder.Sample{OrderID: o.ID, SampleType: "serum", Status: lisapi.SampleStatusCollected, CollectedAt: &now}
	_ = s.Samples().Create(ctx, sm)
	var tests []*laborder.OrderTest
	for _, c := range codes {
		t := &laborder.OrderTest{OrderID: o.ID, SampleID: sm.ID, TestCode: c, TestName: c, Status: lisapi.TestStatusResulted}
		_ = s.Tests().Create(ctx, t)
		tests = append(tests, t)
	}
	return o, sm, tests
}

// SetTest overwrites a stored test, e.g. to preset counters.
func (s *Store) SetTest(t *laborder.OrderTest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tests[t.ID] = &cp
}

// Sample returns a copy of the stored sample, or nil.
func (s *Store) Sample(id uuid.UUID) *laborder.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sm, ok := s.samples[id]; ok {
		cp := *sm
		return &cp
	}
	return nil
}

// Test returns a copy of the stored test, or nil.
func (s *Store) Test(id uuid.UUID) *laborder.OrderTest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tests[id]; ok {
		cp := *t
		return &cp
	}
	return nil
}

type orderRepo struct{ s *Store }

func (r orderRepo) Create(_ context.Context, o *laborder.Order) error {
	if err := r.s.fail("orders.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o.ID = uuid.New()
	if o.OrderedAt.IsZero() {
		o.OrderedAt = time.Now().UTC()
	}
	o.CreatedAt, o.UpdatedAt = time.Now(), time.Now()
	cp := *o
	cp.Samples, cp.Tests = nil, nil
	r.s.orders[o.ID] = &cp
	r.s.next(o.ID)
	return nil
}

func (r orderRepo) GetByID(_ context.Context, id uuid.UUID) (*laborder.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, laborder.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (r orderRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return laborder.ErrNotFound
	}
	o.Status = status
	return nil
}

func (r orderRepo) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*laborder.Order, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*laborder.Order
	for _, o := range r.s.orders {
		if o.PatientID == patientID {
			cp := *o
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return r.s.order[all[i].ID] > r.s.order[all[j].ID] })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

type sampleRepo struct{ s *Store }

func (r sampleRepo) Create(_ context.Context, sm *laborder.Sample) error {
	if err := r.s.fail("samples.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sm.ID = uuid.New()
	sm.CreatedAt, sm.UpdatedAt = time.Now(), time.Now()
	cp := *sm
	r.s.samples[sm.ID] = &cp
	r.s.next(sm.ID)
	return nil
}

func (r sampleRepo) GetByID(_ context.Context, id uuid.UUID) (*laborder.Sample, error) {
	if sm := r.s.Sample(id); sm != nil {
		return sm, nil
	}
	return nil, laborder.ErrNotFound
}

func (r sampleRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*laborder.Sample, error) {
	return r.GetByID(ctx, id)
}

func (r sampleRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	if err := r.s.fail("samples.UpdateStatus"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sm, ok := r.s.samples[id]
	if !ok {
		return laborder.ErrNotFound
	}
	sm.Status = status
	return nil
}

func (r sampleRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*laborder.Sample, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*laborder.Sample
	for _, sm := range r.s.samples {
		if sm.OrderID == orderID {
			cp := *sm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.s.order[out[i].ID] < r.s.order[out[j].ID] })
	return out, nil
}

type testRepo struct{ s *Store }

func (r testRepo) Create(_ context.Context, t *laborder.OrderTest) error {
	if err := r.s.fail("tests.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.ID = uuid.New()
	t.CreatedAt, t.UpdatedAt = time.Now(), time.Now()
	cp := *t
	r.s.tests[t.ID] = &cp
	r.s.next(t.ID)
	return nil
}

func (r testRepo) sorted(keep func(*laborder.OrderTest) bool) []*laborder.OrderTest {
	var out []*laborder.OrderTest
	for _, t := range r.s.tests {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.s.order[out[i].ID] < r.s.order[out[j].ID] })
	return out
}

func (r testRepo) GetCurrent(_ context.Context, orderID uuid.UUID, testCode string) (*laborder.OrderTest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.sorted(func(t *laborder.OrderTest) bool { return t.OrderID == orderID && t.TestCode == testCode })
	if len(all) == 0 {
		return nil, laborder.ErrNotFound
	}
	return all[len(all)-1], nil
}

func (r testRepo) GetCurrentForUpdate(ctx context.Context, orderID uuid.UUID, testCode string) (*laborder.OrderTest, error) {
	return r.GetCurrent(ctx, orderID, testCode)
}

func (r testRepo) Update(_ context.Context, t *laborder.OrderTest) error {
	if err := r.s.fail("tests.Update"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tests[t.ID]; !ok {
		return laborder.ErrNotFound
	}
	t.UpdatedAt = time.Now()
	cp := *t
	r.s.tests[t.ID] = &cp
	return nil
}

func (r testRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*laborder.OrderTest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.sorted(func(t *laborder.OrderTest) bool { return t.OrderID == orderID }), nil
}

func (r testRepo) ListActiveBySample(_ context.Context, sampleID uuid.UUID) ([]*laborder.OrderTest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.sorted(func(t *laborder.OrderTest) bool {
		if t.SampleID != sampleID {
			return false
		}
		switch t.Status {
		case lisapi.TestStatusRejected, lisapi.TestStatusCancelled, lisapi.TestStatusEscalated:
			return false
		}
		return true
	}), nil
}
