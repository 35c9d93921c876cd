package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Attempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4), "capped")
	assert.Equal(t, time.Second, p.Delay(200), "no overflow")
	assert.Zero(t, Policy{}.Delay(3))
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := Policy{Attempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	made, err := Do(context.Background(), p, func(ctx context.Context, attempt uint) error {
		calls++
		assert.Equal(t, uint(calls), attempt)
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, uint(3), made)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond}
	errLast := errors.New("third")

	made, err := Do(context.Background(), p, func(ctx context.Context, attempt uint) error {
		if attempt == 3 {
			return errLast
		}
		return errors.New("early")
	})

	assert.Equal(t, uint(3), made)
	assert.ErrorIs(t, err, errLast)
}

func TestDoStopsOnPermanent(t *testing.T) {
	errFatal := errors.New("fatal")

	made, err := Do(context.Background(), Policy{Attempts: 10, BaseDelay: time.Millisecond}, func(ctx context.Context, attempt uint) error {
		return Permanent(errFatal)
	})

	assert.Equal(t, uint(1), made)
	assert.ErrorIs(t, err, errFatal)
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{}, func(ctx context.Context, attempt uint) error {
		calls++
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
