package volatile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingQueue_FIFOOrder(t *testing.T) {
	q := NewPendingQueue(NewMemoryClient(), 0, 0)
	ctx := context.Background()

	require.NoError(t, q.Append(ctx, "WSP-AAAA-BBBB-CCCC", []byte("m1")))
	require.NoError(t, q.Append(ctx, "WSP-AAAA-BBBB-CCCC", []byte("m2")))
	require.NoError(t, q.Append(ctx, "WSP-AAAA-BBBB-CCCC", []byte("m3")))

	msgs, err := q.List(ctx, "WSP-AAAA-BBBB-CCCC", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []byte("m1"), msgs[0])
	assert.Equal(t, []byte("m3"), msgs[2])
}

func TestPendingQueue_TwoPhaseDrain(t *testing.T) {
	q := NewPendingQueue(NewMemoryClient(), 0, 0)
	ctx := context.Background()

	for _, m := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, q.Append(ctx, "r", []byte(m)))
	}

	// Read a page; the queue is untouched until Remove confirms delivery.
	page, err := q.List(ctx, "r", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	n, err := q.Len(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, q.Remove(ctx, "r", 2))

	page, err = q.List(ctx, "r", 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []byte("m3"), page[0])
}

func TestPendingQueue_CursorPaging(t *testing.T) {
	q := NewPendingQueue(NewMemoryClient(), 0, 0)
	ctx := context.Background()

	for _, m := range []string{"m1", "m2", "m3"} {
		require.NoError(t, q.Append(ctx, "r", []byte(m)))
	}

	page, err := q.List(ctx, "r", 2, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, []byte("m3"), page[0])

	page, err = q.List(ctx, "r", 3, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestPendingQueue_CapRejectsOverflow(t *testing.T) {
	q := NewPendingQueue(NewMemoryClient(), time.Hour, 2)
	ctx := context.Background()

	require.NoError(t, q.Append(ctx, "r", []byte("m1")))
	require.NoError(t, q.Append(ctx, "r", []byte("m2")))

	err := q.Append(ctx, "r", []byte("m3"))
	assert.ErrorIs(t, err, ErrQueueFull)

	n, err := q.Len(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
