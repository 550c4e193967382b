package rejection

import (
	"errors"
	"fmt"

	"github.com/lis/lis/pkg/lisapi"
)

var (
	// ErrActionDisabled is wrapped by DisabledError.
	ErrActionDisabled       = errors.New("action not available")
	ErrNoActiveTests        = errors.New("sample has no active tests")
	ErrEscalationNotAllowed = errors.New("escalation not required")
)

// DisabledError reports a follow-up action the server will not perform.
type DisabledError struct {
	Type   lisapi.RejectionType
	Reason string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("%s is not available: %s", e.Type, e.Reason)
}

func (e *DisabledError) Unwrap() error { return ErrActionDisabled }
