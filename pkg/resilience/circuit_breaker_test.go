package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerTripsOpenAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, Timeout: time.Minute, HalfOpenMax: 1})
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("fail") })
	}
	require.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerRejectsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute, HalfOpenMax: 1})
	_ = cb.Execute(func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpensAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Millisecond, HalfOpenMax: 1})
	_ = cb.Execute(func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	err := cb.Execute(func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.State())
}
