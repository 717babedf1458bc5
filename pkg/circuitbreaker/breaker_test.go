package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 2
	cfg.Timeout = 50 * time.Millisecond
	return cfg
}

func fail() (any, error) { return nil, errBoom }

func TestBreakerOpensAndRecovers(t *testing.T) {
	cb, err := New(testConfig(), nil)
	require.NoError(t, err)

	var (
		mu          sync.Mutex
		transitions []State
	)
	cb.OnStateChange(func(name string, to State) {
		assert.Equal(t, "test", name)
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := cb.Execute(ctx, fail)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.True(t, cb.IsOpen())
	assert.False(t, cb.Health().Healthy)

	_, err = cb.Execute(ctx, func() (any, error) {
		t.Fatal("open breaker must not run the call")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrOpen)

	time.Sleep(60 * time.Millisecond)
	v, err := cb.Execute(ctx, func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateClosed, cb.GetState())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreakerIsSuccessful(t *testing.T) {
	errMiss := errors.New("miss")
	cfg := testConfig()
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errMiss) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func() (any, error) { return nil, errMiss })
		assert.ErrorIs(t, err, errMiss)
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
}
