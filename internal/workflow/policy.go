package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lis/lis/pkg/lisapi"
)

var (
	ErrEmptyReason          = errors.New("rejection reason is required")
	ErrMissingTarget        = errors.New("order id and test code are required")
	ErrInvalidRejectionType = errors.New("invalid rejection type")
	ErrNoOptions            = errors.New("rejection options have not been loaded")
	ErrEscalationRequired   = errors.New("all follow-up actions are exhausted; escalate to a supervisor")
	ErrNoActionEnabled      = errors.New("no follow-up action is enabled")
	ErrSuperseded           = errors.New("request superseded by a newer one")
)

// ActionDisabledError reports that the chosen action is absent or disabled
// in the held snapshot.
type ActionDisabledError struct {
	Action lisapi.Action
	Reason string
}

func (e *ActionDisabledError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("action %s is not available", e.Action)
	}
	return fmt.Sprintf("action %s is disabled: %s", e.Action, e.Reason)
}

// ValidateSubmission applies the client-side guard for the confirm control.
// It is advisory: the server decides whether a rejection is permitted.
func ValidateSubmission(opts *lisapi.RejectionOptions, t lisapi.RejectionType, reason string) error {
	if opts == nil {
		return ErrNoOptions
	}
	if opts.EscalationRequired {
		return ErrEscalationRequired
	}
	if !opts.AnyEnabled() {
		return ErrNoActionEnabled
	}
	if strings.TrimSpace(reason) == "" {
		return ErrEmptyReason
	}
	action, ok := t.Action()
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRejectionType, t)
	}
	opt := opts.Find(action)
	if opt == nil {
		return &ActionDisabledError{Action: action}
	}
	if !opt.Enabled {
		e := &ActionDisabledError{Action: action}
		if opt.DisabledReason != nil {
			e.Reason = *opt.DisabledReason
		}
		return e
	}
	return nil
}
