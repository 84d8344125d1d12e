package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")
var errFatal = errors.New("fatal")

func noSleep(recorded *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*recorded = append(*recorded, d)
		return nil
	}
}

func TestPolicy_Do_SucceedsOnThirdAttempt(t *testing.T) {
	var waits []time.Duration
	p := Default(func(err error) bool { return errors.Is(err, errFlaky) })
	p.Sleep = noSleep(&waits)

	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestPolicy_Do_StopsAtAttemptCap(t *testing.T) {
	var waits []time.Duration
	p := Default(nil)
	p.Sleep = noSleep(&waits)

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errFlaky
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2)
}

func TestPolicy_Do_DoesNotRetryPermanentErrors(t *testing.T) {
	var waits []time.Duration
	p := Default(func(err error) bool { return !errors.Is(err, errFatal) })
	p.Sleep = noSleep(&waits)

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
}

func TestPolicy_Do_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Default(nil)
	p.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		return errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

type retryAfterErr struct{ d time.Duration }

func (e retryAfterErr) Error() string             { return "slow down" }
func (e retryAfterErr) RetryAfter() time.Duration { return e.d }

func TestPolicy_Delay_ScheduleAndCap(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, p.Delay(1, errFlaky))
	assert.Equal(t, 2*time.Second, p.Delay(2, errFlaky))
	assert.Equal(t, 4*time.Second, p.Delay(3, errFlaky))
	assert.Equal(t, 5*time.Second, p.Delay(4, errFlaky))
	assert.Equal(t, 3*time.Second, p.Delay(1, retryAfterErr{d: 3 * time.Second}))
	assert.Equal(t, 5*time.Second, p.Delay(1, retryAfterErr{d: time.Minute}))
}
