// Package scheduler computes retry decisions for failed or slow steps.
// It is a pure function over its inputs, not a running timer: the same
// inputs always produce the same decision, which is what lets replay
// reconstruct scheduling exactly. Callers own the sleeping.
package scheduler

import (
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Kind discriminates the decision variants.
type Kind string

const (
	KindRetryAt Kind = "RETRY_AT"
	KindFail    Kind = "FAIL"
	KindWait    Kind = "WAIT"
)

// Decision is exactly one of RetryAt, Fail or Wait.
//
// Wait never advances the attempt index and never touches ledger state;
// it only means "not yet time to decide".
type Decision struct {
	Kind Kind `json:"kind"`

	// RetryAt fields.
	RetryAt     time.Time `json:"retry_at,omitempty"`
	NextAttempt int       `json:"next_attempt,omitempty"`

	// Fail field.
	Reason contracts.ReasonCode `json:"reason,omitempty"`
}

// Policy is the deterministic retry configuration for one step class.
// Backoff is a fixed schedule, not a formula with jitter: reproducibility
// in replay matters more here than thundering-herd avoidance, and callers
// that need jitter add it outside the kernel.
type Policy struct {
	Timeout    time.Duration   `json:"timeout"`
	MaxRetries int             `json:"max_retries"`
	Backoff    []time.Duration `json:"backoff"`

	// Retryable is the closed set of failure reasons worth retrying.
	// Anything outside it fails immediately, attempts notwithstanding.
	Retryable map[contracts.ReasonCode]struct{} `json:"-"`
}

// DefaultBackoff is the schedule used when a policy supplies none.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
}

// DefaultPolicy returns a policy with the standard schedule and the
// common retryable reasons.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		Backoff:    DefaultBackoff,
		Retryable: map[contracts.ReasonCode]struct{}{
			contracts.ReasonStepTimeout:     {},
			contracts.ReasonDownstreamError: {},
		},
	}
}

// Input describes one observed step state.
type Input struct {
	Now          time.Time
	AttemptIndex int
	StartedAt    time.Time
	Failed       bool
	FailReason   contracts.ReasonCode
}

// Decide returns the single next action for a step.
//
// Rules, in order:
//   - a failure reason outside the retryable set is Fail regardless of
//     remaining attempts;
//   - attempt_index >= max_retries is Fail(MAX_RETRIES_EXCEEDED);
//   - a failed retryable step gets RetryAt(now + backoff[attempt-1]);
//   - a running step past its timeout is treated as a timeout failure;
//   - otherwise Wait.
func Decide(p Policy, in Input) Decision {
	if in.Failed {
		return decideFailure(p, in.Now, in.AttemptIndex, in.FailReason)
	}

	if p.Timeout > 0 && !in.StartedAt.IsZero() && !in.Now.Before(in.StartedAt.Add(p.Timeout)) {
		return decideFailure(p, in.Now, in.AttemptIndex, contracts.ReasonStepTimeout)
	}

	return Decision{Kind: KindWait}
}

func decideFailure(p Policy, now time.Time, attempt int, reason contracts.ReasonCode) Decision {
	if _, ok := p.Retryable[reason]; !ok {
		return Decision{Kind: KindFail, Reason: reason}
	}
	if attempt >= p.MaxRetries {
		return Decision{Kind: KindFail, Reason: contracts.ReasonMaxRetriesExceeded}
	}
	return Decision{
		Kind:        KindRetryAt,
		RetryAt:     now.Add(backoffFor(p, attempt)),
		NextAttempt: attempt + 1,
	}
}

// backoffFor returns the delay before the retry following attempt n
// (1-based). The schedule saturates at its last entry.
func backoffFor(p Policy, attempt int) time.Duration {
	schedule := p.Backoff
	if len(schedule) == 0 {
		schedule = DefaultBackoff
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}
