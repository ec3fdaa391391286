package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDo_FirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("model service busy"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("still busy"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "still busy")
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(_ context.Context) error {
		calls++
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy()
	p.MaxAttempts = 10
	p.InitialBackoff = time.Hour
	p.MaxBackoff = time.Hour

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("busy"), 429)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomRetryableAndHook(t *testing.T) {
	p := fastPolicy()
	p.Retryable = func(err error) bool { return err.Error() == "again" }
	var attempts []int
	p.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	calls := 0
	err := Do(context.Background(), p, func(_ context.Context) error {
		calls++
		return errors.New("again")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fastPolicy(), func(_ context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, NewTransientError(errors.New("reset"), 0)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = DoVal(context.Background(), fastPolicy(), func(_ context.Context) (int, error) {
		return 7, errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 0, v)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}.withDefaults()
	p.Jitter = 0

	assert.Equal(t, 100*time.Millisecond, p.backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.backoff(2))
	assert.Equal(t, time.Second, p.backoff(10))

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.backoff(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestLogRetry(t *testing.T) {
	hook := LogRetry("reddit", "search")
	assert.NotPanics(t, func() { hook(1, errors.New("x")) })
}
