package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthanhphan/go-aae-fullsync/pkg/resilience"
)

func TestEngine_Dial_TripsBreakerOnRepeatedFailure(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	})

	e := &Engine{
		remoteAddr:  "127.0.0.1:1", // nobody listens here
		dialTimeout: 200 * time.Millisecond,
		breaker:     cb,
	}

	_, err := e.dial(context.Background())
	require.Error(t, err)
	_, err = e.dial(context.Background())
	require.Error(t, err)

	assert.Equal(t, resilience.CircuitOpen, cb.State())

	_, err = e.dial(context.Background())
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}
