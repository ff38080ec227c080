package volatile

import (
	"context"
	"errors"
	"time"
)

// Pending-queue defaults.
const (
	DefaultPendingTTL    = 72 * time.Hour
	DefaultPendingMaxLen = 1000
)

// ErrQueueFull is returned when a recipient's pending queue is at its cap.
var ErrQueueFull = errors.New("volatile: pending queue full")

// PendingQueue stores message_received envelopes for offline recipients,
// FIFO per recipient, size-capped and TTL-scoped. Drain is two-phase:
// callers read with List and remove with Remove only after the frame has
// been written to the requester's connection.
type PendingQueue struct {
	c      Client
	ttl    time.Duration
	maxLen int64
}

// NewPendingQueue builds a queue store with the given TTL and per-recipient
// cap (defaults when zero).
func NewPendingQueue(c Client, ttl time.Duration, maxLen int) *PendingQueue {
	if ttl == 0 {
		ttl = DefaultPendingTTL
	}
	if maxLen == 0 {
		maxLen = DefaultPendingMaxLen
	}
	return &PendingQueue{c: c, ttl: ttl, maxLen: int64(maxLen)}
}

// Append adds an envelope to the recipient's queue, refreshing the queue
// TTL. ErrQueueFull when the cap is reached.
func (q *PendingQueue) Append(ctx context.Context, recipient string, envelope []byte) error {
	n, err := q.c.LLen(ctx, keyPending+recipient)
	if err != nil {
		return err
	}
	if n >= q.maxLen {
		return ErrQueueFull
	}
	_, err = q.c.RPush(ctx, keyPending+recipient, envelope, q.ttl)
	return err
}

// List reads up to limit envelopes starting at offset, in accept order.
func (q *PendingQueue) List(ctx context.Context, recipient string, offset, limit int) ([][]byte, error) {
	if limit <= 0 {
		return nil, nil
	}
	return q.c.LRange(ctx, keyPending+recipient, int64(offset), int64(offset+limit-1))
}

// Remove drops the first n envelopes after a successful write to the
// recipient's connection.
func (q *PendingQueue) Remove(ctx context.Context, recipient string, n int) error {
	if n <= 0 {
		return nil
	}
	return q.c.LTrim(ctx, keyPending+recipient, int64(n), -1)
}

// Len reports the queue depth for a recipient.
func (q *PendingQueue) Len(ctx context.Context, recipient string) (int, error) {
	n, err := q.c.LLen(ctx, keyPending+recipient)
	return int(n), err
}
