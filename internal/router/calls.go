package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whisper2/server/internal/adapters/push"
	"github.com/whisper2/server/internal/protocol"
	"github.com/whisper2/server/internal/store"
	"github.com/whisper2/server/internal/volatile"
)

// CallInitiate starts a call: the callee gets a call_incoming frame if
// online, or a VoIP wake-up if not. Retried initiates for the same call
// id do not ring twice.
func (r *Router) CallInitiate(ctx context.Context, caller string, p *protocol.CallSignal) error {
	if err := r.checkCallSignal(ctx, caller, protocol.TypeCallInitiate, p); err != nil {
		return err
	}
	if _, err := r.store.GetIdentity(ctx, p.To); err == store.ErrNotFound {
		return protocol.Rejectf(protocol.ErrNotFound, "callee is not registered")
	} else if err != nil {
		return fmt.Errorf("load callee identity: %w", err)
	}
	if banned, err := r.store.IsBanned(ctx, p.To); err != nil {
		return fmt.Errorf("check callee ban: %w", err)
	} else if banned {
		return protocol.Rejectf(protocol.ErrForbidden, "callee is not reachable")
	}

	created, err := r.calls.Start(ctx, p.CallID, caller, p.To, p.IsVideo)
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	if !created {
		return nil
	}

	if r.forwardCall(protocol.TypeCallIncoming, p.To, p) {
		return nil
	}
	r.wakeRecipient(ctx, p.To, caller, push.KindCall)
	return nil
}

// CallAnswer forwards the callee's sealed answer to the caller and
// marks the call active.
func (r *Router) CallAnswer(ctx context.Context, sender string, p *protocol.CallSignal) error {
	if err := r.checkCallSignal(ctx, sender, protocol.TypeCallAnswer, p); err != nil {
		return err
	}
	if err := r.requireParticipant(ctx, p.CallID, sender, p.To); err != nil {
		return err
	}
	if err := r.calls.SetState(ctx, p.CallID, volatile.CallStateActive); err != nil && err != volatile.ErrNotFound {
		return fmt.Errorf("mark call active: %w", err)
	}
	r.forwardCall(protocol.TypeCallAnswer, p.To, p)
	return nil
}

// CallICECandidate relays a sealed ICE candidate between participants.
func (r *Router) CallICECandidate(ctx context.Context, sender string, p *protocol.CallSignal) error {
	if err := r.checkCallSignal(ctx, sender, protocol.TypeCallICECandidate, p); err != nil {
		return err
	}
	if err := r.requireParticipant(ctx, p.CallID, sender, p.To); err != nil {
		return err
	}
	r.forwardCall(protocol.TypeCallICECandidate, p.To, p)
	return nil
}

// CallRinging tells the caller the callee's device is ringing.
func (r *Router) CallRinging(ctx context.Context, sender string, p *protocol.CallSignal) error {
	if err := r.checkCallSignal(ctx, sender, protocol.TypeCallRinging, p); err != nil {
		return err
	}
	if err := r.requireParticipant(ctx, p.CallID, sender, p.To); err != nil {
		return err
	}
	r.forwardCall(protocol.TypeCallRinging, p.To, p)
	return nil
}

// CallEnd tears the call down and tells the peer. Ending an unknown or
// already-ended call still succeeds.
func (r *Router) CallEnd(ctx context.Context, sender string, p *protocol.CallSignal) error {
	if err := r.checkCallSignal(ctx, sender, protocol.TypeCallEnd, p); err != nil {
		return err
	}
	call, err := r.calls.Get(ctx, p.CallID)
	if err == volatile.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load call: %w", err)
	}
	if call.Caller != sender && call.Callee != sender {
		return protocol.Rejectf(protocol.ErrForbidden, "not a participant of this call")
	}
	if err := r.calls.End(ctx, p.CallID); err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	r.forwardCall(protocol.TypeCallEnd, p.To, p)
	return nil
}

// checkCallSignal validates authorship, timestamp and signature over
// the signal's canonical form (call id in the message-id line).
func (r *Router) checkCallSignal(ctx context.Context, sender, signalType string, p *protocol.CallSignal) error {
	if p.From != sender {
		return protocol.Rejectf(protocol.ErrForbidden, "from must match the authenticated identity")
	}
	if err := checkTimestamp(p.Timestamp); err != nil {
		return err
	}
	senderID, err := r.store.GetIdentity(ctx, sender)
	if err != nil {
		return fmt.Errorf("load sender identity: %w", err)
	}
	canonical := protocol.CanonicalMessage(signalType, p.CallID, p.From, p.To, p.Timestamp, p.Nonce, p.Ciphertext)
	if err := protocol.VerifySignature(senderID.SignPublicKey, canonical, p.Signature); err != nil {
		return protocol.Rejectf(protocol.ErrAuthFailed, "call signature invalid")
	}
	return nil
}

// requireParticipant checks that both the sender and the addressee are
// the recorded parties of the call.
func (r *Router) requireParticipant(ctx context.Context, callID, sender, to string) error {
	call, err := r.calls.Get(ctx, callID)
	if err == volatile.ErrNotFound {
		return protocol.Rejectf(protocol.ErrNotFound, "unknown call")
	}
	if err != nil {
		return fmt.Errorf("load call: %w", err)
	}
	senderOK := call.Caller == sender || call.Callee == sender
	toOK := call.Caller == to || call.Callee == to
	if !senderOK || !toOK {
		return protocol.Rejectf(protocol.ErrForbidden, "not a participant of this call")
	}
	return nil
}

func (r *Router) forwardCall(frameType, to string, p *protocol.CallSignal) bool {
	w, ok := r.writers.LookupWriter(to)
	if !ok {
		return false
	}
	frame, err := json.Marshal(protocol.MustFrame(frameType, "", p))
	if err != nil {
		return false
	}
	return w.Send(frame)
}
