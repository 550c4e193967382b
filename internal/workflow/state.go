package workflow

import "github.com/lis/lis/pkg/lisapi"

// Phase names the lifecycle position of a RejectionManager.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading"
	PhaseReady      Phase = "ready"
	PhaseSubmitting Phase = "submitting"
	PhaseFailed     Phase = "failed"
)

// State is a snapshot of a RejectionManager. It is one of Idle, Loading,
// Ready, Submitting or Failed; use a type switch to inspect it.
type State interface {
	Phase() Phase
}

// Idle: nothing fetched yet and no error.
type Idle struct{}

// Loading: an options fetch is in flight. Last is the snapshot held before it
// started, if any.
type Loading struct {
	Last *lisapi.RejectionOptions
}

// Ready: options are held and nothing is in flight.
type Ready struct {
	Options *lisapi.RejectionOptions
}

// Submitting: a rejection is in flight.
type Submitting struct {
	Options *lisapi.RejectionOptions
}

// Failed: the last fetch or submission failed. Last is the snapshot retained
// from before the failure, if any.
type Failed struct {
	Err  error
	Last *lisapi.RejectionOptions
}

func (Idle) Phase() Phase       { return PhaseIdle }
func (Loading) Phase() Phase    { return PhaseLoading }
func (Ready) Phase() Phase      { return PhaseReady }
func (Submitting) Phase() Phase { return PhaseSubmitting }
func (Failed) Phase() Phase     { return PhaseFailed }

// SnapshotOf returns the options carried by s, or nil.
func SnapshotOf(s State) *lisapi.RejectionOptions {
	switch st := s.(type) {
	case Loading:
		return st.Last
	case Ready:
		return st.Options
	case Submitting:
		return st.Options
	case Failed:
		return st.Last
	}
	return nil
}
