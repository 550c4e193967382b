// Package workflow holds the client-side state of the rejection workflow: the
// RejectionManager that fetches follow-up options for one ordered test and
// submits rejections, and helpers for displaying rejection history.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lis/lis/pkg/lisapi"
)

// OptionsProvider is the server collaborator. *lisapi.Client satisfies it.
type OptionsProvider interface {
	GetRejectionOptions(ctx context.Context, orderID, testCode string) (*lisapi.RejectionOptions, error)
	RejectResults(ctx context.Context, orderID, testCode string, req lisapi.RejectRequest) (*lisapi.RejectionResult, error)
}

// Option configures a RejectionManager.
type Option func(*RejectionManager)

// WithLogger sets the logger used for failure diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(m *RejectionManager) { m.logger = l }
}

// WithOnChange registers a callback invoked with the new state after every
// transition. It runs without the manager lock held.
func WithOnChange(fn func(State)) Option {
	return func(m *RejectionManager) { m.onChange = fn }
}

// WithAutoFetch makes the constructor fetch options before returning.
func WithAutoFetch() Option {
	return func(m *RejectionManager) { m.autoFetch = true }
}

// RejectionManager mediates between a caller and the server for the rejection
// of exactly one (order, test code) target.
//
// Every request takes a token from a monotonically increasing sequence. A
// fetch response is applied only while its token is the latest fetch, and a
// submission only touches state while it is the latest submission, so the
// most recent intent wins when calls overlap.
type RejectionManager struct {
	provider  OptionsProvider
	orderID   string
	testCode  string
	logger    zerolog.Logger
	onChange  func(State)
	autoFetch bool

	mu        sync.Mutex
	options   *lisapi.RejectionOptions
	fetchErr  error
	submitErr error
	seq       uint64
	fetchTok  uint64
	submitTok uint64
}

// NewRejectionManager creates a manager bound to orderID and testCode.
func NewRejectionManager(ctx context.Context, provider OptionsProvider, orderID, testCode string, opts ...Option) *RejectionManager {
	m := &RejectionManager{
		provider: provider,
		orderID:  orderID,
		testCode: testCode,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.autoFetch {
		_ = m.FetchOptions(ctx)
	}
	return m
}

// OrderID returns the bound order id.
func (m *RejectionManager) OrderID() string { return m.orderID }

// TestCode returns the bound test code.
func (m *RejectionManager) TestCode() string { return m.testCode }

// FetchOptions reads the current options from the provider. On success the
// held snapshot is replaced and the error cleared; on failure the previous
// snapshot is kept and the error recorded. The returned error mirrors what was
// recorded; ErrSuperseded means a newer fetch started while this one ran and
// its response was dropped.
func (m *RejectionManager) FetchOptions(ctx context.Context) error {
	if m.orderID == "" || m.testCode == "" {
		m.fail(&m.fetchErr, ErrMissingTarget)
		return ErrMissingTarget
	}

	m.mu.Lock()
	m.seq++
	tok := m.seq
	m.fetchTok = tok
	m.mu.Unlock()
	m.notify()

	opts, err := m.provider.GetRejectionOptions(ctx, m.orderID, m.testCode)
	if err == nil && opts == nil {
		err = errors.New("empty rejection options response")
	}

	m.mu.Lock()
	if m.fetchTok != tok {
		m.mu.Unlock()
		m.logger.Debug().Uint64("token", tok).Str("order_id", m.orderID).Str("test_code", m.testCode).
			Msg("discarding stale rejection options response")
		return ErrSuperseded
	}
	m.fetchTok = 0
	if err != nil {
		err = fmt.Errorf("fetch rejection options: %w", err)
		m.fetchErr = err
	} else {
		m.options = opts.Clone()
		m.fetchErr, m.submitErr = nil, nil
	}
	m.mu.Unlock()
	m.notify()

	if err != nil {
		m.logger.Warn().Err(err).Str("order_id", m.orderID).Str("test_code", m.testCode).
			Msg("failed to fetch rejection options")
	}
	return err
}

// RejectWithAction submits a rejection. A blank reason returns ErrEmptyReason
// without issuing a request or touching state. A missing order id or test
// code is recorded as an error without issuing a request. The manager does
// not block on EscalationRequired; the server decides. It does not refetch
// options after a successful submission. Starting a submission clears only
// the previous submission error; a pending fetch error stays visible.
func (m *RejectionManager) RejectWithAction(ctx context.Context, t lisapi.RejectionType, reason string) (*lisapi.RejectionResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrEmptyReason
	}
	if m.orderID == "" || m.testCode == "" {
		m.fail(&m.submitErr, ErrMissingTarget)
		return nil, ErrMissingTarget
	}
	if !t.Valid() {
		err := fmt.Errorf("%w: %q", ErrInvalidRejectionType, t)
		m.fail(&m.submitErr, err)
		return nil, err
	}

	m.mu.Lock()
	m.seq++
	tok := m.seq
	m.submitTok = tok
	m.submitErr = nil
	m.mu.Unlock()
	m.notify()

	var err error
	defer func() {
		m.mu.Lock()
		if m.submitTok == tok {
			m.submitTok = 0
			if err != nil {
				m.submitErr = err
			}
		}
		m.mu.Unlock()
		m.notify()
	}()

	res, callErr := m.provider.RejectResults(ctx, m.orderID, m.testCode, lisapi.RejectRequest{
		RejectionReason: reason,
		RejectionType:   t,
	})
	if callErr == nil && res == nil {
		callErr = errors.New("empty rejection response")
	}
	if callErr != nil {
		err = fmt.Errorf("reject %s/%s: %w", m.orderID, m.testCode, callErr)
		m.logger.Warn().Err(callErr).Str("order_id", m.orderID).Str("test_code", m.testCode).
			Str("rejection_type", string(t)).Msg("rejection failed")
		return nil, err
	}
	return res, nil
}

// ClearError drops the recorded fetch and submission errors without touching
// options or in-flight requests.
func (m *RejectionManager) ClearError() {
	m.mu.Lock()
	changed := m.fetchErr != nil || m.submitErr != nil
	m.fetchErr, m.submitErr = nil, nil
	m.mu.Unlock()
	if changed {
		m.notify()
	}
}

// State returns the current lifecycle state.
func (m *RejectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *RejectionManager) stateLocked() State {
	opts := m.options.Clone()
	switch {
	case m.submitTok != 0:
		return Submitting{Options: opts}
	case m.fetchTok != 0:
		return Loading{Last: opts}
	case m.errLocked() != nil:
		return Failed{Err: m.errLocked(), Last: opts}
	case opts != nil:
		return Ready{Options: opts}
	}
	return Idle{}
}

// Options returns a copy of the held snapshot, or nil.
func (m *RejectionManager) Options() *lisapi.RejectionOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options.Clone()
}

// IsLoading reports whether an options fetch is in flight, whether or not a
// submission is also running. State() reports Submitting in that case.
func (m *RejectionManager) IsLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchTok != 0
}

// IsRejecting reports whether a submission is in flight.
func (m *RejectionManager) IsRejecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitTok != 0
}

// Err returns the error to show: the last submission error if there is one,
// else the last fetch error. Both last until cleared or a fetch succeeds.
func (m *RejectionManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errLocked()
}

func (m *RejectionManager) errLocked() error {
	if m.submitErr != nil {
		return m.submitErr
	}
	return m.fetchErr
}

// FetchErr returns the error of the last failed fetch, for a retry prompt.
func (m *RejectionManager) FetchErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchErr
}

// ErrorMessage returns the recorded error as a string, or "".
func (m *RejectionManager) ErrorMessage() string {
	if err := m.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// IsActionEnabled reports whether t is offered and enabled by the held
// snapshot. It is false before the first successful fetch.
func (m *RejectionManager) IsActionEnabled(t lisapi.RejectionType) bool {
	action, ok := t.Action()
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	opt := m.options.Find(action)
	return opt != nil && opt.Enabled
}

// DisabledReason returns the server-supplied reason t is disabled, or nil
// when it is enabled or nothing has been fetched.
func (m *RejectionManager) DisabledReason(t lisapi.RejectionType) *string {
	action, ok := t.Action()
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	opt := m.options.Find(action)
	if opt == nil || opt.Enabled || opt.DisabledReason == nil {
		return nil
	}
	r := *opt.DisabledReason
	return &r
}

func (m *RejectionManager) RetestAttemptsRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.options == nil {
		return 0
	}
	return m.options.RetestAttemptsRemaining
}

func (m *RejectionManager) RecollectionAttemptsRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.options == nil {
		return 0
	}
	return m.options.RecollectionAttemptsRemaining
}

func (m *RejectionManager) EscalationRequired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options != nil && m.options.EscalationRequired
}

// CheckSubmission runs ValidateSubmission against the held snapshot. A nil
// result means the confirm control may be enabled.
func (m *RejectionManager) CheckSubmission(t lisapi.RejectionType, reason string) error {
	if m.IsRejecting() {
		return errors.New("a rejection is already being submitted")
	}
	return ValidateSubmission(m.Options(), t, reason)
}

func (m *RejectionManager) fail(slot *error, err error) {
	m.mu.Lock()
	*slot = err
	m.mu.Unlock()
	m.notify()
	m.logger.Warn().Err(err).Str("order_id", m.orderID).Str("test_code", m.testCode).Msg("rejection request not sent")
}

func (m *RejectionManager) notify() {
	if m.onChange == nil {
		return
	}
	m.onChange(m.State())
}
