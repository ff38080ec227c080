package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper2/server/internal/volatile"
)

func TestLimiter_AllowsUpToMax(t *testing.T) {
	l := New(volatile.NewMemoryClient(), map[string]Limit{
		ActionMessage: {Max: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "WSP-AAAA-BBBB-CCCC", ActionMessage)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.Allow(ctx, "WSP-AAAA-BBBB-CCCC", ActionMessage)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestLimiter_SubjectsAreIndependent(t *testing.T) {
	l := New(volatile.NewMemoryClient(), map[string]Limit{
		ActionMessage: {Max: 1, Window: time.Minute},
	})
	ctx := context.Background()

	d, err := l.Allow(ctx, "a", ActionMessage)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "a", ActionMessage)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Allow(ctx, "b", ActionMessage)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_WindowResets(t *testing.T) {
	m := volatile.NewMemoryClient()
	now := time.Now()
	m.Now = func() time.Time { return now }
	l := New(m, map[string]Limit{
		ActionCall: {Max: 1, Window: time.Minute},
	})
	ctx := context.Background()

	d, err := l.Allow(ctx, "a", ActionCall)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "a", ActionCall)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	now = now.Add(2 * time.Minute)
	d, err = l.Allow(ctx, "a", ActionCall)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_UnknownActionAllowed(t *testing.T) {
	l := New(volatile.NewMemoryClient(), map[string]Limit{})
	d, err := l.Allow(context.Background(), "a", "unmetered")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
