package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesRetryabilityAndRemediation(t *testing.T) {
	issue := New(CodeStoreUnavailable, "connection reset")

	assert.True(t, issue.Retryable)
	assert.NotEmpty(t, issue.Remediation)

	fatal := New(CodeInvariantViolation, "duplicate chunk id")
	assert.False(t, fatal.Retryable)
}

func TestWrap_PreservesCauseChain(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	issue := Wrap(CodeVectorDown, cause)

	require.NotNil(t, issue)
	assert.ErrorIs(t, issue, cause)
	assert.Equal(t, CodeVectorDown, CodeOf(issue))

	// Wrapping again through fmt keeps the code discoverable.
	wrapped := fmt.Errorf("fan-out failed: %w", issue)
	assert.Equal(t, CodeVectorDown, CodeOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(CodeInternal, nil))
}

func TestIssue_IsMatchesByCode(t *testing.T) {
	a := New(CodeNoHits, "nothing matched")
	b := New(CodeNoHits, "different message")
	c := New(CodeTimeout, "deadline")

	assert.True(t, Is(a, b))
	assert.False(t, Is(a, c))
}

func TestWithDetail_Chains(t *testing.T) {
	issue := New(CodeContainerNotFound, "no such container").
		WithDetail("slug", "art-history").
		WithRemediation("create the container first")

	assert.Equal(t, "art-history", issue.Details["slug"])
	assert.Equal(t, "create the container first", issue.Remediation)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}, func() error {
		calls++
		return New(CodeInvariantViolation, "constraint")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestRetry_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}, func() error {
		calls++
		if calls < 3 {
			return New(CodeStoreUnavailable, "busy")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error {
		return New(CodeStoreUnavailable, "busy")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 1*time.Second, cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 4*time.Second, cfg.Backoff(2))
	assert.Equal(t, 4*time.Second, cfg.Backoff(10), "backoff must cap at MaxDelay")
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("embed", WithMaxFailures(2), WithResetTimeout(time.Hour))

	require.True(t, cb.Allow())
	cb.RecordFailure()
	require.True(t, cb.Allow())
	cb.RecordFailure()

	assert.False(t, cb.Allow())
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenProbeRecovers(t *testing.T) {
	cb := NewCircuitBreaker("rerank", WithMaxFailures(1), WithResetTimeout(time.Millisecond))
	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, BreakerClosed, cb.State())
}
