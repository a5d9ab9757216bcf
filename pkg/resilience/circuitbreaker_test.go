package resilience

import (
	"errors"
	"testing"
	"time"

	"ai-character-runtime/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold, halfOpen uint, reset time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:                "test",
		FailureThreshold:    threshold,
		ResetTimeout:        reset,
		HalfOpenMaxAttempts: halfOpen,
	}, logger.Nop())
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(3, 1, time.Hour)

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	invoked := false
	err := cb.Execute(func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked, "operation must not run while open")
}

func TestCircuitBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := newTestBreaker(2, 1, time.Hour)

	_ = cb.Execute(func() error { return errBoom })
	require.NoError(t, cb.Execute(func() error { return nil }))
	_ = cb.Execute(func() error { return errBoom })

	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenTrialAfterResetTimeout(t *testing.T) {
	cb := newTestBreaker(1, 2, 20*time.Millisecond)

	_ = cb.Execute(func() error { return errBoom })
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(40 * time.Millisecond)

	invoked := false
	err := cb.Execute(func() error {
		invoked = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, invoked, "first call after the reset timeout is a trial")
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(1, 2, 20*time.Millisecond)

	_ = cb.Execute(func() error { return errBoom })
	time.Sleep(40 * time.Millisecond)

	err := cb.Execute(func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.GetState())

	err = cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenAllowsOneTrialAtATime(t *testing.T) {
	cb := newTestBreaker(1, 1, 10*time.Millisecond)

	_ = cb.Execute(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	inner := make(chan error, 1)
	err := cb.Execute(func() error {
		inner <- cb.Execute(func() error { return nil })
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, <-inner, ErrCircuitOpen)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerIgnoresSuccessfulErrors(t *testing.T) {
	errNotFound := errors.New("not found")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		IsSuccessful:     func(err error) bool { return errors.Is(err, errNotFound) },
	}, logger.Nop())

	err := cb.Execute(func() error { return errNotFound })
	assert.ErrorIs(t, err, errNotFound)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerReportsTransitions(t *testing.T) {
	var seen []CircuitBreakerState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(_ string, _, to CircuitBreakerState) {
			seen = append(seen, to)
		},
	}, logger.Nop())

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, []CircuitBreakerState{StateOpen}, seen)

	metrics := cb.GetMetrics()
	assert.Equal(t, uint64(1), metrics["open_circuit_count"])
}

func TestCircuitBreakerPanicReleasesTrialSlot(t *testing.T) {
	cb := newTestBreaker(1, 1, 20*time.Millisecond)

	_ = cb.Execute(func() error { return errBoom })
	time.Sleep(40 * time.Millisecond)

	assert.Panics(t, func() {
		_ = cb.Execute(func() error { panic("trial blew up") })
	})
	assert.Equal(t, StateOpen, cb.GetState(), "a panicking trial reopens the circuit")

	time.Sleep(40 * time.Millisecond)
	invoked := false
	require.NoError(t, cb.Execute(func() error {
		invoked = true
		return nil
	}))
	assert.True(t, invoked, "the next trial is admitted")
	assert.Equal(t, StateClosed, cb.GetState())
}
