package workflow

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lis/lis/pkg/lisapi"
)

type fetchReply struct {
	opts *lisapi.RejectionOptions
	err  error
}

type fakeProvider struct {
	mu         sync.Mutex
	fetches    int
	rejects    int
	lastReject lisapi.RejectRequest

	fetchFn  func(call int) (*lisapi.RejectionOptions, error)
	rejectFn func(req lisapi.RejectRequest) (*lisapi.RejectionResult, error)
}

func (f *fakeProvider) GetRejectionOptions(ctx context.Context, orderID, testCode string) (*lisapi.RejectionOptions, error) {
	f.mu.Lock()
	f.fetches++
	call := f.fetches
	f.mu.Unlock()
	if f.fetchFn == nil {
		return nil, errors.New("no options")
	}
	return f.fetchFn(call)
}

func (f *fakeProvider) RejectResults(ctx context.Context, orderID, testCode string, req lisapi.RejectRequest) (*lisapi.RejectionResult, error) {
	f.mu.Lock()
	f.rejects++
	f.lastReject = req
	f.mu.Unlock()
	if f.rejectFn == nil {
		return nil, errors.New("no result")
	}
	return f.rejectFn(req)
}

func (f *fakeProvider) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.rejects
}

func strPtr(s string) *string { return &s }

func bothEnabled() *lisapi.RejectionOptions {
	return &lisapi.RejectionOptions{
		AvailableActions: []lisapi.ActionOption{
			{Action: lisapi.ActionRetestSameSample, Enabled: true},
			{Action: lisapi.ActionRecollectNewSample, Enabled: true},
		},
		RetestAttemptsRemaining:       2,
		RecollectionAttemptsRemaining: 1,
	}
}

func recollectDisabled() *lisapi.RejectionOptions {
	return &lisapi.RejectionOptions{
		AvailableActions: []lisapi.ActionOption{
			{Action: lisapi.ActionRetestSameSample, Enabled: true},
			{Action: lisapi.ActionRecollectNewSample, Enabled: false, DisabledReason: strPtr("Limit reached")},
		},
		RetestAttemptsRemaining:       1,
		RecollectionAttemptsRemaining: 0,
	}
}

func exhausted() *lisapi.RejectionOptions {
	return &lisapi.RejectionOptions{
		AvailableActions: []lisapi.ActionOption{
			{Action: lisapi.ActionRetestSameSample, Enabled: false, DisabledReason: strPtr("Retest limit reached")},
			{Action: lisapi.ActionRecollectNewSample, Enabled: false, DisabledReason: strPtr("Recollection limit reached")},
		},
		EscalationRequired: true,
	}
}

func staticOptions(o *lisapi.RejectionOptions) func(int) (*lisapi.RejectionOptions, error) {
	return func(int) (*lisapi.RejectionOptions, error) { return o.Clone(), nil }
}

func TestRejectionManager_InitialState(t *testing.T) {
	m := NewRejectionManager(context.Background(), &fakeProvider{}, "ord-1", "GLU")

	assert.Equal(t, PhaseIdle, m.State().Phase())
	assert.Nil(t, m.Options())
	assert.False(t, m.IsLoading())
	assert.False(t, m.IsRejecting())
	assert.NoError(t, m.Err())
	assert.Equal(t, 0, m.RetestAttemptsRemaining())
	assert.Equal(t, 0, m.RecollectionAttemptsRemaining())
	assert.False(t, m.EscalationRequired())
	assert.False(t, m.IsActionEnabled(lisapi.RejectionTypeRetest))
	assert.Nil(t, m.DisabledReason(lisapi.RejectionTypeRecollect))
}

func TestRejectionManager_FetchEnablesBoth(t *testing.T) {
	p := &fakeProvider{fetchFn: staticOptions(bothEnabled())}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU")

	require.NoError(t, m.FetchOptions(context.Background()))

	assert.True(t, m.IsActionEnabled(lisapi.RejectionTypeRetest))
	assert.True(t, m.IsActionEnabled(lisapi.RejectionTypeRecollect))
	assert.False(t, m.EscalationRequired())
	assert.Equal(t, 2, m.RetestAttemptsRemaining())
	assert.Equal(t, 1, m.RecollectionAttemptsRemaining())
	assert.IsType(t, Ready{}, m.State())
	assert.NoError(t, m.CheckSubmission(lisapi.RejectionTypeRetest, "Hemolyzed"))
}

func TestRejectionManager_DisabledReason(t *testing.T) {
	p := &fakeProvider{fetchFn: staticOptions(recollectDisabled())}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())

	assert.False(t, m.IsActionEnabled(lisapi.RejectionTypeRecollect))
	reason := m.DisabledReason(lisapi.RejectionTypeRecollect)
	require.NotNil(t, reason)
	assert.Equal(t, "Limit reached", *reason)
	assert.Nil(t, m.DisabledReason(lisapi.RejectionTypeRetest))

	err := m.CheckSubmission(lisapi.RejectionTypeRecollect, "Clotted")
	var disabled *ActionDisabledError
	require.ErrorAs(t, err, &disabled)
	assert.Equal(t, "Limit reached", disabled.Reason)
}

func TestRejectionManager_EscalationBlocksSubmission(t *testing.T) {
	p := &fakeProvider{fetchFn: staticOptions(exhausted())}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())

	assert.True(t, m.EscalationRequired())
	assert.False(t, m.IsActionEnabled(lisapi.RejectionTypeRetest))
	assert.False(t, m.IsActionEnabled(lisapi.RejectionTypeRecollect))
	assert.ErrorIs(t, m.CheckSubmission(lisapi.RejectionTypeRetest, "Hemolyzed"), ErrEscalationRequired)
}

func TestRejectionManager_RetestSuccess(t *testing.T) {
	p := &fakeProvider{
		fetchFn: staticOptions(bothEnabled()),
		rejectFn: func(req lisapi.RejectRequest) (*lisapi.RejectionResult, error) {
			return &lisapi.RejectionResult{Action: "retest_same_sample", Message: "Retest created", NewTestID: strPtr("T-1002")}, nil
		},
	}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())

	res, err := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRetest, "  Hemolyzed sample  ")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "Retest created", res.Message)
	assert.Equal(t, "T-1002", *res.NewTestID)

	assert.Equal(t, "Hemolyzed sample", p.lastReject.RejectionReason)
	assert.Equal(t, lisapi.RejectionTypeRetest, p.lastReject.RejectionType)
	assert.False(t, m.IsRejecting())
	assert.NoError(t, m.Err())

	// Options are not refetched after a successful rejection.
	fetches, rejects := p.counts()
	assert.Equal(t, 1, fetches)
	assert.Equal(t, 1, rejects)
}

func TestRejectionManager_EmptyReasonNoRequest(t *testing.T) {
	p := &fakeProvider{fetchFn: staticOptions(bothEnabled())}
	var transitions int
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch(),
		WithOnChange(func(State) { transitions++ }))
	before := transitions

	for _, reason := range []string{"", "   ", "\t\n"} {
		res, err := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRetest, reason)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrEmptyReason)
	}

	_, rejects := p.counts()
	assert.Equal(t, 0, rejects)
	assert.NoError(t, m.Err())
	assert.False(t, m.IsRejecting())
	assert.Equal(t, before, transitions)
}

func TestRejectionManager_MissingTarget(t *testing.T) {
	p := &fakeProvider{fetchFn: staticOptions(bothEnabled())}

	m := NewRejectionManager(context.Background(), p, "", "GLU")
	res, err := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRetest, "Hemolyzed")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrMissingTarget)
	assert.ErrorIs(t, m.Err(), ErrMissingTarget)

	m2 := NewRejectionManager(context.Background(), p, "ord-1", "")
	assert.ErrorIs(t, m2.FetchOptions(context.Background()), ErrMissingTarget)

	fetches, rejects := p.counts()
	assert.Equal(t, 0, fetches)
	assert.Equal(t, 0, rejects)
}

func TestRejectionManager_InvalidType(t *testing.T) {
	p := &fakeProvider{}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU")

	_, err := m.RejectWithAction(context.Background(), lisapi.RejectionType("discard"), "x")
	assert.ErrorIs(t, err, ErrInvalidRejectionType)
	_, rejects := p.counts()
	assert.Equal(t, 0, rejects)
	assert.False(t, m.IsActionEnabled(lisapi.RejectionType("discard")))
}

func TestRejectionManager_ServerConflict(t *testing.T) {
	p := &fakeProvider{
		fetchFn: staticOptions(bothEnabled()),
		rejectFn: func(lisapi.RejectRequest) (*lisapi.RejectionResult, error) {
			return nil, &lisapi.APIError{StatusCode: 409, Message: "Retest limit reached"}
		},
	}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())

	res, err := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRetest, "Hemolyzed")
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, lisapi.IsStatus(err, 409))
	assert.False(t, m.IsRejecting())
	assert.Contains(t, m.ErrorMessage(), "Retest limit reached")

	st, ok := m.State().(Failed)
	require.True(t, ok)
	assert.NotNil(t, st.Last, "snapshot is retained after a failed submission")

	m.ClearError()
	assert.NoError(t, m.Err())
	assert.IsType(t, Ready{}, m.State())
	assert.True(t, m.IsActionEnabled(lisapi.RejectionTypeRetest))
}

func TestRejectionManager_EscalationDoesNotHardBlock(t *testing.T) {
	p := &fakeProvider{
		fetchFn: staticOptions(exhausted()),
		rejectFn: func(lisapi.RejectRequest) (*lisapi.RejectionResult, error) {
			return nil, &lisapi.APIError{StatusCode: 409, Message: "escalation required"}
		},
	}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())

	_, err := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRetest, "Hemolyzed")
	require.Error(t, err)
	_, rejects := p.counts()
	assert.Equal(t, 1, rejects, "the server decides whether an escalated test may be rejected")
}

func TestRejectionManager_IsRejectingDuringCall(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	p := &fakeProvider{
		fetchFn: staticOptions(bothEnabled()),
		rejectFn: func(lisapi.RejectRequest) (*lisapi.RejectionResult, error) {
			close(entered)
			<-release
			return &lisapi.RejectionResult{Action: "retest_same_sample", Message: "Retest created"}, nil
		},
	}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())

	done := make(chan error, 1)
	go func() {
		_, err := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRetest, "Hemolyzed")
		done <- err
	}()

	<-entered
	assert.True(t, m.IsRejecting())
	assert.Equal(t, PhaseSubmitting, m.State().Phase())
	assert.Error(t, m.CheckSubmission(lisapi.RejectionTypeRetest, "again"))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, m.IsRejecting())
	assert.Equal(t, PhaseReady, m.State().Phase())
}

func TestRejectionManager_IsLoadingDuringFetch(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	p := &fakeProvider{fetchFn: func(int) (*lisapi.RejectionOptions, error) {
		close(entered)
		<-release
		return bothEnabled(), nil
	}}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU")

	done := make(chan error, 1)
	go func() { done <- m.FetchOptions(context.Background()) }()

	<-entered
	assert.True(t, m.IsLoading())
	assert.Equal(t, PhaseLoading, m.State().Phase())

	close(release)
	require.NoError(t, <-done)
	assert.False(t, m.IsLoading())
	assert.Equal(t, PhaseReady, m.State().Phase())
}

func TestRejectionManager_IsLoadingWhileSubmitting(t *testing.T) {
	fetchEntered := make(chan struct{})
	fetchRelease := make(chan struct{})
	rejectEntered := make(chan struct{})
	rejectRelease := make(chan struct{})
	p := &fakeProvider{
		fetchFn: func(call int) (*lisapi.RejectionOptions, error) {
			if call == 2 {
				close(fetchEntered)
				<-fetchRelease
			}
			return bothEnabled(), nil
		},
		rejectFn: func(lisapi.RejectRequest) (*lisapi.RejectionResult, error) {
			close(rejectEntered)
			<-rejectRelease
			return &lisapi.RejectionResult{Action: "retest_same_sample", Message: "Retest created"}, nil
		},
	}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())

	submitted := make(chan error, 1)
	go func() {
		_, err := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRetest, "Hemolyzed")
		submitted <- err
	}()
	<-rejectEntered

	fetched := make(chan error, 1)
	go func() { fetched <- m.FetchOptions(context.Background()) }()
	<-fetchEntered

	assert.True(t, m.IsLoading())
	assert.True(t, m.IsRejecting())
	assert.Equal(t, PhaseSubmitting, m.State().Phase())

	close(rejectRelease)
	require.NoError(t, <-submitted)
	assert.True(t, m.IsLoading())
	assert.Equal(t, PhaseLoading, m.State().Phase())

	close(fetchRelease)
	require.NoError(t, <-fetched)
	assert.False(t, m.IsLoading())
}

func TestRejectionManager_SubmissionKeepsFetchError(t *testing.T) {
	p := &fakeProvider{
		fetchFn: func(call int) (*lisapi.RejectionOptions, error) {
			if call == 1 {
				return bothEnabled(), nil
			}
			return nil, &lisapi.APIError{StatusCode: 503, Message: "options unavailable"}
		},
		rejectFn: func(lisapi.RejectRequest) (*lisapi.RejectionResult, error) {
			return &lisapi.RejectionResult{Action: "retest_same_sample", Message: "Retest created"}, nil
		},
	}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())

	fetchErr := m.FetchOptions(context.Background())
	require.Error(t, fetchErr)

	_, err := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRetest, "Hemolyzed")
	require.NoError(t, err)
	assert.Equal(t, fetchErr, m.FetchErr())
	assert.Equal(t, fetchErr, m.Err())
	assert.IsType(t, Failed{}, m.State())

	m.ClearError()
	assert.NoError(t, m.FetchErr())
	assert.IsType(t, Ready{}, m.State())
}

func TestRejectionManager_SubmissionErrorTakesPrecedence(t *testing.T) {
	p := &fakeProvider{
		fetchFn: func(call int) (*lisapi.RejectionOptions, error) {
			if call == 1 {
				return bothEnabled(), nil
			}
			return nil, errors.New("timeout")
		},
		rejectFn: func(lisapi.RejectRequest) (*lisapi.RejectionResult, error) {
			return nil, &lisapi.APIError{StatusCode: 409, Message: "Retest limit reached"}
		},
	}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())
	fetchErr := m.FetchOptions(context.Background())
	require.Error(t, fetchErr)

	_, submitErr := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRetest, "Hemolyzed")
	require.Error(t, submitErr)
	assert.Equal(t, submitErr, m.Err())
	assert.Equal(t, fetchErr, m.FetchErr())
	assert.Contains(t, m.ErrorMessage(), "Retest limit reached")
}

func TestRejectionManager_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	p := &fakeProvider{
		fetchFn: func(int) (*lisapi.RejectionOptions, error) {
			return nil, &lisapi.APIError{StatusCode: 500, Message: "database unavailable"}
		},
		rejectFn: func(lisapi.RejectRequest) (*lisapi.RejectionResult, error) {
			return nil, &lisapi.APIError{StatusCode: 409, Message: "Retest limit reached"}
		},
	}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithLogger(zerolog.New(&buf)))

	require.Error(t, m.FetchOptions(context.Background()))
	_, err := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRetest, "Hemolyzed")
	require.Error(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "failed to fetch rejection options")
	assert.Contains(t, lines[1], "rejection failed")
	for _, line := range lines {
		assert.Contains(t, line, `"level":"warn"`)
		assert.Contains(t, line, `"order_id":"ord-1"`)
		assert.Contains(t, line, `"test_code":"GLU"`)
	}
}

func TestRejectionManager_FailedFetchKeepsSnapshot(t *testing.T) {
	p := &fakeProvider{fetchFn: func(call int) (*lisapi.RejectionOptions, error) {
		if call == 1 {
			return recollectDisabled(), nil
		}
		return nil, &lisapi.APIError{StatusCode: 500, Message: "database unavailable"}
	}}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())

	err := m.FetchOptions(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, m.Err())
	assert.True(t, m.IsActionEnabled(lisapi.RejectionTypeRetest))
	require.NotNil(t, m.DisabledReason(lisapi.RejectionTypeRecollect))

	st, ok := m.State().(Failed)
	require.True(t, ok)
	assert.Equal(t, 1, st.Last.RetestAttemptsRemaining)
}

func TestRejectionManager_SuccessfulFetchClearsError(t *testing.T) {
	p := &fakeProvider{fetchFn: func(call int) (*lisapi.RejectionOptions, error) {
		if call == 1 {
			return nil, errors.New("timeout")
		}
		return bothEnabled(), nil
	}}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())
	require.Error(t, m.Err())
	assert.IsType(t, Failed{}, m.State())

	require.NoError(t, m.FetchOptions(context.Background()))
	assert.NoError(t, m.Err())
	assert.IsType(t, Ready{}, m.State())
}

func TestRejectionManager_NilResponseIsError(t *testing.T) {
	p := &fakeProvider{
		fetchFn: func(int) (*lisapi.RejectionOptions, error) { return nil, nil },
	}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU")
	assert.Error(t, m.FetchOptions(context.Background()))
	assert.Nil(t, m.Options())
}

func TestRejectionManager_StaleFetchDiscarded(t *testing.T) {
	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})
	p := &fakeProvider{fetchFn: func(call int) (*lisapi.RejectionOptions, error) {
		if call == 1 {
			close(firstEntered)
			<-releaseFirst
			return exhausted(), nil
		}
		return bothEnabled(), nil
	}}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU")

	first := make(chan error, 1)
	go func() { first <- m.FetchOptions(context.Background()) }()
	<-firstEntered

	require.NoError(t, m.FetchOptions(context.Background()))
	close(releaseFirst)
	assert.ErrorIs(t, <-first, ErrSuperseded)

	assert.False(t, m.EscalationRequired())
	assert.True(t, m.IsActionEnabled(lisapi.RejectionTypeRecollect))
	assert.Equal(t, PhaseReady, m.State().Phase())
}

func TestRejectionManager_SnapshotIsolation(t *testing.T) {
	p := &fakeProvider{fetchFn: staticOptions(bothEnabled())}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU", WithAutoFetch())

	opts := m.Options()
	opts.AvailableActions[0].Enabled = false
	assert.True(t, m.IsActionEnabled(lisapi.RejectionTypeRetest))
}

func TestRejectionManager_OnChangeSequence(t *testing.T) {
	var phases []Phase
	p := &fakeProvider{
		fetchFn: staticOptions(bothEnabled()),
		rejectFn: func(lisapi.RejectRequest) (*lisapi.RejectionResult, error) {
			return &lisapi.RejectionResult{Action: "recollect_new_sample", Message: "Recollection requested"}, nil
		},
	}
	m := NewRejectionManager(context.Background(), p, "ord-1", "GLU",
		WithOnChange(func(s State) { phases = append(phases, s.Phase()) }))

	require.NoError(t, m.FetchOptions(context.Background()))
	_, err := m.RejectWithAction(context.Background(), lisapi.RejectionTypeRecollect, "Clotted")
	require.NoError(t, err)

	assert.Equal(t, []Phase{PhaseLoading, PhaseReady, PhaseSubmitting, PhaseReady}, phases)
}

func TestValidateSubmission(t *testing.T) {
	tests := []struct {
		name   string
		opts   *lisapi.RejectionOptions
		typ    lisapi.RejectionType
		reason string
		want   error
	}{
		{"no options", nil, lisapi.RejectionTypeRetest, "x", ErrNoOptions},
		{"escalation", exhausted(), lisapi.RejectionTypeRetest, "x", ErrEscalationRequired},
		{"nothing enabled", &lisapi.RejectionOptions{}, lisapi.RejectionTypeRetest, "x", ErrNoActionEnabled},
		{"blank reason", bothEnabled(), lisapi.RejectionTypeRetest, "  ", ErrEmptyReason},
		{"invalid type", bothEnabled(), lisapi.RejectionType("x"), "x", ErrInvalidRejectionType},
		{"ok", bothEnabled(), lisapi.RejectionTypeRecollect, "Clotted", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubmission(tt.opts, tt.typ, tt.reason)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
