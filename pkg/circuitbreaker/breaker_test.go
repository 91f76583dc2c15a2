package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		Name:        "test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
}

func fail(cb *CircuitBreaker) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, errors.New("backend down")
	})
	return err
}

func succeed(cb *CircuitBreaker) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return "ok", nil
	})
	return err
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(testSettings())
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, succeed(cb))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(testSettings())

	for i := 0; i < 3; i++ {
		assert.Error(t, fail(cb))
	}
	assert.Equal(t, StateOpen, cb.State())

	// While open, calls fail fast without reaching the backend
	called := false
	_, err := cb.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(testSettings())

	for i := 0; i < 3; i++ {
		_ = fail(cb)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnHalfOpenFailures(t *testing.T) {
	st := testSettings()
	st.MaxRequests = 3
	cb := NewCircuitBreaker(st)

	for i := 0; i < 3; i++ {
		_ = fail(cb)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// Probe requests keep failing: the breaker trips again
	for i := 0; i < 3; i++ {
		_ = fail(cb)
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerIsSuccessfulOverride(t *testing.T) {
	notFound := errors.New("not found")
	st := testSettings()
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, notFound)
	}
	cb := NewCircuitBreaker(st)

	// Definitive not-found answers never trip the breaker
	for i := 0; i < 10; i++ {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, notFound
		})
		assert.ErrorIs(t, err, notFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
}
