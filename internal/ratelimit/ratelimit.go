// Package ratelimit enforces fixed-window per-identity rate limits on
// top of the volatile store. Counters live in Redis so limits hold
// across node restarts and, in multi-node runs, across nodes.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/whisper2/server/internal/volatile"
)

// Limit describes one action's budget inside a rolling window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Action names used as counter-key segments.
const (
	ActionRegister = "register"
	ActionMessage  = "message"
	ActionTyping   = "typing"
	ActionCall     = "call"
	ActionPresign  = "presign"
	ActionBackup   = "backup"
	ActionFetch    = "fetch"
)

// Defaults returns the production limit table.
func Defaults() map[string]Limit {
	return map[string]Limit{
		ActionRegister: {Max: 5, Window: time.Minute},
		ActionMessage:  {Max: 60, Window: time.Minute},
		ActionTyping:   {Max: 120, Window: time.Minute},
		ActionCall:     {Max: 10, Window: time.Minute},
		ActionPresign:  {Max: 20, Window: time.Minute},
		ActionBackup:   {Max: 6, Window: time.Minute},
		ActionFetch:    {Max: 30, Window: time.Minute},
	}
}

// Decision reports one Allow call's outcome. RetryAfter is populated
// only on denial.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts actions per subject (identity, or device id before
// registration completes) per window.
type Limiter struct {
	c      volatile.Client
	limits map[string]Limit
}

// New builds a limiter over the given store and limit table
// (Defaults() when nil).
func New(c volatile.Client, limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = Defaults()
	}
	return &Limiter{c: c, limits: limits}
}

// Allow counts one occurrence of action by subject and reports whether
// it fits the window. Unknown actions are always allowed.
func (l *Limiter) Allow(ctx context.Context, subject, action string) (Decision, error) {
	limit, ok := l.limits[action]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	key := l.key(subject, action)
	n, err := l.c.Incr(ctx, key, limit.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate counter incr: %w", err)
	}
	if n <= int64(limit.Max) {
		return Decision{Allowed: true, Remaining: limit.Max - int(n)}, nil
	}
	retry, err := l.c.TTL(ctx, key)
	if err != nil || retry <= 0 {
		retry = limit.Window
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

func (l *Limiter) key(subject, action string) string {
	return "wsp:rate:" + action + ":" + subject
}
