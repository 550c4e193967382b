package lisapi

import "time"

// Action identifies a follow-up action offered after a result or sample is rejected.
type Action string

const (
	ActionRetestSameSample   Action = "retest_same_sample"
	ActionRecollectNewSample Action = "recollect_new_sample"
)

// RejectionType is the user-facing name of a follow-up action.
type RejectionType string

const (
	RejectionTypeRetest    RejectionType = "re-test"
	RejectionTypeRecollect RejectionType = "re-collect"
)

// Action returns the action kind a rejection type maps to, and false for
// unknown types.
func (t RejectionType) Action() (Action, bool) {
	switch t {
	case RejectionTypeRetest:
		return ActionRetestSameSample, true
	case RejectionTypeRecollect:
		return ActionRecollectNewSample, true
	}
	return "", false
}

// Valid reports whether t is one of the known rejection types.
func (t RejectionType) Valid() bool {
	_, ok := t.Action()
	return ok
}

// RejectionType returns the user-facing type for an action kind.
func (a Action) RejectionType() (RejectionType, bool) {
	switch a {
	case ActionRetestSameSample:
		return RejectionTypeRetest, true
	case ActionRecollectNewSample:
		return RejectionTypeRecollect, true
	}
	return "", false
}

// Test status values.
const (
	TestStatusPending    = "pending"
	TestStatusInProgress = "in-progress"
	TestStatusResulted   = "resulted"
	TestStatusValidated  = "validated"
	TestStatusRejected   = "rejected"
	TestStatusCancelled  = "cancelled"
	TestStatusEscalated  = "escalated"
)

// Sample status values.
const (
	SampleStatusPendingCollection = "pending-collection"
	SampleStatusCollected         = "collected"
	SampleStatusReceived          = "received"
	SampleStatusRejected          = "rejected"
	SampleStatusDiscarded         = "discarded"
)

// ActionOption is one entry of RejectionOptions.AvailableActions.
type ActionOption struct {
	Action         Action  `json:"action"`
	Enabled        bool    `json:"enabled"`
	DisabledReason *string `json:"disabledReason"`
}

// RejectionOptions is the server-computed snapshot of follow-up actions for
// one (order, test code) pair.
type RejectionOptions struct {
	AvailableActions              []ActionOption `json:"availableActions"`
	RetestAttemptsRemaining       int            `json:"retestAttemptsRemaining"`
	RecollectionAttemptsRemaining int            `json:"recollectionAttemptsRemaining"`
	EscalationRequired            bool           `json:"escalationRequired"`
}

// Find returns the entry for action, or nil when the snapshot does not offer it.
func (o *RejectionOptions) Find(action Action) *ActionOption {
	if o == nil {
		return nil
	}
	for i := range o.AvailableActions {
		if o.AvailableActions[i].Action == action {
			return &o.AvailableActions[i]
		}
	}
	return nil
}

// AnyEnabled reports whether at least one action is enabled.
func (o *RejectionOptions) AnyEnabled() bool {
	if o == nil {
		return false
	}
	for _, a := range o.AvailableActions {
		if a.Enabled {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate a held snapshot.
func (o *RejectionOptions) Clone() *RejectionOptions {
	if o == nil {
		return nil
	}
	cp := *o
	cp.AvailableActions = make([]ActionOption, len(o.AvailableActions))
	for i, a := range o.AvailableActions {
		cp.AvailableActions[i] = a
		if a.DisabledReason != nil {
			r := *a.DisabledReason
			cp.AvailableActions[i].DisabledReason = &r
		}
	}
	return &cp
}

// RejectRequest is the body of a reject-results call.
type RejectRequest struct {
	RejectionReason string        `json:"rejectionReason"`
	RejectionType   RejectionType `json:"rejectionType"`
}

// RejectionResult is returned by a successful reject-results call.
type RejectionResult struct {
	Action    string  `json:"action"`
	Message   string  `json:"message"`
	NewTestID *string `json:"newTestId,omitempty"`
}

// RejectionHistoryRecord is one historical rejection of a test or sample.
type RejectionHistoryRecord struct {
	ID                   string        `json:"id,omitempty"`
	RejectionType        RejectionType `json:"rejectionType"`
	RejectionReason      string        `json:"rejectionReason"`
	RejectedBy           string        `json:"rejectedBy"`
	RejectedAt           string        `json:"rejectedAt"`
	RecollectionRequired *bool         `json:"recollectionRequired,omitempty"`
	RecollectionSampleID *string       `json:"recollectionSampleId,omitempty"`
}

// RejectedTime parses RejectedAt. It accepts RFC 3339 with or without
// fractional seconds and plain dates.
func (r RejectionHistoryRecord) RejectedTime() (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, r.RejectedAt); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: time.RFC3339, Value: r.RejectedAt}
}

// HistoryPage is a paginated list of history records.
type HistoryPage struct {
	Data    []RejectionHistoryRecord `json:"data"`
	Total   int                      `json:"total"`
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
	HasMore bool                     `json:"has_more"`
}

// RejectionReason is a coded reason used by the sample rejection endpoint.
type RejectionReason struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// SampleRejectRequest is the body of the sample rejection endpoint.
type SampleRejectRequest struct {
	Reasons             []RejectionReason `json:"reasons"`
	Notes               string            `json:"notes"`
	RequireRecollection bool              `json:"requireRecollection"`
}

// SampleRejectResponse reports success of a sample rejection.
type SampleRejectResponse struct {
	Success bool `json:"success"`
}

// EscalateRequest is the body of the escalate-test endpoint.
type EscalateRequest struct {
	Note string `json:"note"`
}

// ErrorBody is the JSON error envelope returned by the API.
type ErrorBody struct {
	Message string `json:"message"`
}
