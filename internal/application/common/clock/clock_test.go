package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_SleepAdvancesTime(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	require.NoError(t, fake.Sleep(context.Background(), 5*time.Minute))
	require.NoError(t, fake.Sleep(context.Background(), time.Minute))

	assert.Equal(t, start.Add(6*time.Minute), fake.Now())
	assert.Equal(t, []time.Duration{5 * time.Minute, time.Minute}, fake.Sleeps())
}

func TestFake_SleepHonoursCancellation(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	fake.OnSleep(func(time.Duration) { cancel() })

	err := fake.Sleep(ctx, time.Second)

	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, fake.Sleep(ctx, time.Second), context.Canceled)
	assert.Len(t, fake.Sleeps(), 1)
}

func TestReal_SleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Real{}.Sleep(ctx, time.Hour)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
