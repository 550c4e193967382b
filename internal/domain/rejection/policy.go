package rejection

import (
	"fmt"

	"github.com/lis/lis/internal/domain/laborder"
	"github.com/lis/lis/pkg/lisapi"
)

// Limits caps the follow-up attempts per test code.
type Limits struct {
	MaxRetests       int
	MaxRecollections int
}

// DefaultLimits allows two retests and one recollection.
var DefaultLimits = Limits{MaxRetests: 2, MaxRecollections: 1}

// BuildOptions computes the follow-up actions for test on sample.
func BuildOptions(test *laborder.OrderTest, sample *laborder.Sample, limits Limits) *lisapi.RejectionOptions {
	retestLeft := max(0, limits.MaxRetests-test.RetestCount)
	recollectLeft := max(0, limits.MaxRecollections-test.RecollectionCount)

	var retestReason, recollectReason string
	switch {
	case test.Status == lisapi.TestStatusRejected:
		retestReason = "Test already rejected"
		recollectReason = retestReason
	case test.Terminal():
		retestReason = fmt.Sprintf("Test is %s", test.Status)
		recollectReason = retestReason
	default:
		if retestLeft == 0 {
			retestReason = fmt.Sprintf("Retest limit reached (%d of %d used)", min(test.RetestCount, limits.MaxRetests), limits.MaxRetests)
		} else if sample != nil && sample.Rejected() {
			retestReason = "Sample rejected; re-collection required"
		}
		if recollectLeft == 0 {
			recollectReason = fmt.Sprintf("Recollection limit reached (%d of %d used)", min(test.RecollectionCount, limits.MaxRecollections), limits.MaxRecollections)
		}
	}

	opts := &lisapi.RejectionOptions{
		AvailableActions: []lisapi.ActionOption{
			actionOption(lisapi.ActionRetestSameSample, retestReason),
			actionOption(lisapi.ActionRecollectNewSample, recollectReason),
		},
		RetestAttemptsRemaining:       retestLeft,
		RecollectionAttemptsRemaining: recollectLeft,
	}
	opts.EscalationRequired = !opts.AnyEnabled()
	return opts
}

func actionOption(a lisapi.Action, disabledReason string) lisapi.ActionOption {
	if disabledReason == "" {
		return lisapi.ActionOption{Action: a, Enabled: true}
	}
	reason := disabledReason
	return lisapi.ActionOption{Action: a, Enabled: false, DisabledReason: &reason}
}
