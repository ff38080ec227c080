package volatile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultCallTTL bounds how long call state lives without progress. A
// call that is never answered or ended simply ages out.
const DefaultCallTTL = 5 * time.Minute

// Call states.
const (
	CallStateRinging = "ringing"
	CallStateActive  = "active"
)

// CallData tracks an in-flight call between two identities. The server
// never sees SDP plaintext; it only relays sealed signalling blobs.
type CallData struct {
	CallID    string `json:"callId"`
	Caller    string `json:"caller"`
	Callee    string `json:"callee"`
	IsVideo   bool   `json:"isVideo"`
	State     string `json:"state"`
	StartedAt int64  `json:"startedAt"`
}

// Calls is the call-state store.
type Calls struct {
	c   Client
	ttl time.Duration
}

// NewCalls builds a call store with the given TTL (DefaultCallTTL when
// zero).
func NewCalls(c Client, ttl time.Duration) *Calls {
	if ttl == 0 {
		ttl = DefaultCallTTL
	}
	return &Calls{c: c, ttl: ttl}
}

// Start records a new ringing call. Idempotent per call id: a retried
// call_initiate keeps the original record and Start reports created=false.
func (s *Calls) Start(ctx context.Context, callID, caller, callee string, isVideo bool) (created bool, err error) {
	data, err := json.Marshal(&CallData{
		CallID:    callID,
		Caller:    caller,
		Callee:    callee,
		IsVideo:   isVideo,
		State:     CallStateRinging,
		StartedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal call: %w", err)
	}
	return s.c.SetNX(ctx, keyCall+callID, data, s.ttl)
}

// Get returns call state, or ErrNotFound for unknown or expired calls.
func (s *Calls) Get(ctx context.Context, callID string) (*CallData, error) {
	data, err := s.c.Get(ctx, keyCall+callID)
	if err != nil {
		return nil, err
	}
	var call CallData
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("unmarshal call: %w", err)
	}
	return &call, nil
}

// SetState transitions a live call and re-arms its TTL.
func (s *Calls) SetState(ctx context.Context, callID, state string) error {
	call, err := s.Get(ctx, callID)
	if err != nil {
		return err
	}
	call.State = state
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call: %w", err)
	}
	return s.c.Set(ctx, keyCall+callID, data, s.ttl)
}

// End removes call state. Ending an already-ended call is a no-op.
func (s *Calls) End(ctx context.Context, callID string) error {
	return s.c.Del(ctx, keyCall+callID)
}
