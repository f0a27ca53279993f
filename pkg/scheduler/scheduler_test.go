package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/scheduler"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// TestDecideIsDeterministic verifies the scheduler is a pure function:
// same input, same decision, down to the retry instant.
func TestDecideIsDeterministic(t *testing.T) {
	p := scheduler.DefaultPolicy()
	in := scheduler.Input{
		Now:          t0,
		AttemptIndex: 1,
		Failed:       true,
		FailReason:   contracts.ReasonDownstreamError,
	}

	d1 := scheduler.Decide(p, in)
	d2 := scheduler.Decide(p, in)
	assert.Equal(t, d1, d2)
	assert.Equal(t, scheduler.KindRetryAt, d1.Kind)
}

// TestBackoffSchedule verifies the fixed schedule: attempt n retries
// after backoff[n-1], with no jitter.
func TestBackoffSchedule(t *testing.T) {
	p := scheduler.Policy{
		MaxRetries: 10,
		Backoff:    []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		Retryable: map[contracts.ReasonCode]struct{}{
			contracts.ReasonDownstreamError: {},
		},
	}

	cases := []struct {
		attempt int
		delay   time.Duration
	}{
		{1, time.Second},
		{2, 5 * time.Second},
		{3, 30 * time.Second},
		{4, 30 * time.Second}, // schedule saturates at the last entry
		{9, 30 * time.Second},
	}
	for _, tc := range cases {
		d := scheduler.Decide(p, scheduler.Input{
			Now:          t0,
			AttemptIndex: tc.attempt,
			Failed:       true,
			FailReason:   contracts.ReasonDownstreamError,
		})
		assert.Equal(t, scheduler.KindRetryAt, d.Kind, "attempt %d", tc.attempt)
		assert.Equal(t, t0.Add(tc.delay), d.RetryAt, "attempt %d", tc.attempt)
		assert.Equal(t, tc.attempt+1, d.NextAttempt, "attempt %d", tc.attempt)
	}
}

// TestNonRetryableFailsImmediately verifies a reason outside the
// retryable set fails at once, attempts notwithstanding.
func TestNonRetryableFailsImmediately(t *testing.T) {
	p := scheduler.DefaultPolicy()

	d := scheduler.Decide(p, scheduler.Input{
		Now:          t0,
		AttemptIndex: 1,
		Failed:       true,
		FailReason:   contracts.ReasonPolicyDeny,
	})
	assert.Equal(t, scheduler.KindFail, d.Kind)
	assert.Equal(t, contracts.ReasonPolicyDeny, d.Reason)
}

// TestMaxRetriesExhausted verifies the attempt cap: at max_retries the
// decision is Fail(MAX_RETRIES_EXCEEDED), never another retry.
func TestMaxRetriesExhausted(t *testing.T) {
	p := scheduler.DefaultPolicy() // MaxRetries: 3

	d := scheduler.Decide(p, scheduler.Input{
		Now:          t0,
		AttemptIndex: 3,
		Failed:       true,
		FailReason:   contracts.ReasonDownstreamError,
	})
	assert.Equal(t, scheduler.KindFail, d.Kind)
	assert.Equal(t, contracts.ReasonMaxRetriesExceeded, d.Reason)
}

// TestRunningStepTimesOut verifies a running step past its timeout is
// treated as a timeout failure and retried on the schedule.
func TestRunningStepTimesOut(t *testing.T) {
	p := scheduler.DefaultPolicy() // Timeout: 30s, STEP_TIMEOUT retryable

	d := scheduler.Decide(p, scheduler.Input{
		Now:          t0.Add(31 * time.Second),
		AttemptIndex: 1,
		StartedAt:    t0,
	})
	assert.Equal(t, scheduler.KindRetryAt, d.Kind)
	assert.Equal(t, 2, d.NextAttempt)
}

// TestRunningStepWithinTimeoutWaits verifies Wait is the default: no
// failure, no timeout, no decision.
func TestRunningStepWithinTimeoutWaits(t *testing.T) {
	p := scheduler.DefaultPolicy()

	d := scheduler.Decide(p, scheduler.Input{
		Now:          t0.Add(10 * time.Second),
		AttemptIndex: 1,
		StartedAt:    t0,
	})
	assert.Equal(t, scheduler.KindWait, d.Kind)
}
