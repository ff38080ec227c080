// Package router implements message routing: at-most-once accept,
// direct delivery to live connections, offline queueing with push
// wake-up, receipt and typing forwarding, and call signalling.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper2/server/internal/adapters/push"
	"github.com/whisper2/server/internal/hub"
	"github.com/whisper2/server/internal/metrics"
	"github.com/whisper2/server/internal/protocol"
	"github.com/whisper2/server/internal/store"
	"github.com/whisper2/server/internal/volatile"
)

// Timestamp skew tolerated on signed frames. Anything older or more
// futuristic is rejected before signature verification.
const MaxClockSkew = 10 * time.Minute

// Pending-drain page bounds.
const (
	defaultFetchLimit = 50
	maxFetchLimit     = 100
)

// Router routes authenticated frames between identities.
type Router struct {
	store   store.Store
	pending *volatile.PendingQueue
	dedup   *volatile.Dedup
	calls   *volatile.Calls
	recent  *volatile.RecentPeers
	writers hub.WriterRegistry
	push    *push.Dispatcher
	metrics *metrics.Metrics
}

// New wires the router.
func New(st store.Store, pending *volatile.PendingQueue, dedup *volatile.Dedup, calls *volatile.Calls, recent *volatile.RecentPeers, writers hub.WriterRegistry, pusher *push.Dispatcher, m *metrics.Metrics) *Router {
	return &Router{
		store:   st,
		pending: pending,
		dedup:   dedup,
		calls:   calls,
		recent:  recent,
		writers: writers,
		push:    pusher,
		metrics: m,
	}
}

// SendMessage runs the accept pipeline for one envelope and returns the
// sender-facing ack. Delivery to the recipient happens inside.
func (r *Router) SendMessage(ctx context.Context, sender string, p *protocol.SendMessage) (*protocol.MessageAccepted, error) {
	if p.From != sender {
		return nil, protocol.Rejectf(protocol.ErrForbidden, "from must match the authenticated identity")
	}
	if err := checkTimestamp(p.Timestamp); err != nil {
		return nil, err
	}

	senderID, err := r.store.GetIdentity(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("load sender identity: %w", err)
	}
	if _, err := r.store.GetIdentity(ctx, p.To); err == store.ErrNotFound {
		return nil, protocol.Rejectf(protocol.ErrNotFound, "recipient is not registered")
	} else if err != nil {
		return nil, fmt.Errorf("load recipient identity: %w", err)
	}
	if banned, err := r.store.IsBanned(ctx, p.To); err != nil {
		return nil, fmt.Errorf("check recipient ban: %w", err)
	} else if banned {
		return nil, protocol.Rejectf(protocol.ErrForbidden, "recipient is not reachable")
	}

	canonical := protocol.CanonicalMessage(protocol.TypeSendMessage, p.MessageID, p.From, p.To, p.Timestamp, p.Nonce, p.Ciphertext)
	if err := protocol.VerifySignature(senderID.SignPublicKey, canonical, p.Signature); err != nil {
		return nil, protocol.Rejectf(protocol.ErrAuthFailed, "message signature invalid")
	}

	won, err := r.dedup.Reserve(ctx, p.To, p.MessageID)
	if err != nil {
		return nil, fmt.Errorf("reserve message id: %w", err)
	}
	if !won {
		// A retry of an already-accepted id: ack again, route nothing.
		r.metrics.MessagesDeduped.Inc()
		return &protocol.MessageAccepted{MessageID: p.MessageID, Status: protocol.StatusAccepted}, nil
	}
	r.metrics.MessagesAccepted.Inc()

	envelope := &protocol.Envelope{
		MessageID:           p.MessageID,
		From:                p.From,
		To:                  p.To,
		MsgType:             p.MsgType,
		Timestamp:           p.Timestamp,
		Nonce:               p.Nonce,
		Ciphertext:          p.Ciphertext,
		Signature:           p.Signature,
		Attachment:          p.Attachment,
		SenderEncPublicKey:  base64.StdEncoding.EncodeToString(senderID.EncPublicKey),
		SenderSignPublicKey: base64.StdEncoding.EncodeToString(senderID.SignPublicKey),
	}

	if err := r.recent.Record(ctx, p.From, p.To); err != nil {
		slog.Warn("record recent peers", "err", err)
	}

	if r.deliverDirect(p.To, envelope) {
		r.metrics.MessagesDelivered.WithLabelValues("direct").Inc()
		r.notifySender(sender, p.MessageID)
		return &protocol.MessageAccepted{MessageID: p.MessageID, Status: protocol.StatusAccepted}, nil
	}

	if err := r.enqueue(ctx, p.To, envelope); err != nil {
		// Not accepted after all: free the id so a retry can succeed.
		if relErr := r.dedup.Release(ctx, p.To, p.MessageID); relErr != nil {
			slog.Warn("release dedup reservation", "messageId", p.MessageID, "err", relErr)
		}
		return nil, err
	}
	r.metrics.MessagesDelivered.WithLabelValues("queued").Inc()
	r.wakeRecipient(ctx, p.To, p.From, push.KindMessage)
	return &protocol.MessageAccepted{MessageID: p.MessageID, Status: protocol.StatusAccepted}, nil
}

// deliverDirect hands a message_received frame to the recipient's live
// connection, if there is one on this node. A true return means the
// frame sits on the connection's single-writer queue, which is flushed
// before any close handshake; it is not an acknowledgment that the
// bytes hit the wire.
func (r *Router) deliverDirect(to string, envelope *protocol.Envelope) bool {
	w, ok := r.writers.LookupWriter(to)
	if !ok {
		return false
	}
	frame, err := json.Marshal(protocol.MustFrame(protocol.TypeMessageReceived, "", envelope))
	if err != nil {
		return false
	}
	return w.Send(frame)
}

// notifySender tells the sender's connection the envelope was accepted
// onto the recipient's writer queue. This can report delivered for a
// frame the recipient never reads when its socket dies mid-write; the
// end-to-end delivery_receipt, not this status, is the authoritative
// signal.
func (r *Router) notifySender(sender, messageID string) {
	w, ok := r.writers.LookupWriter(sender)
	if !ok {
		return
	}
	frame, err := json.Marshal(protocol.MustFrame(protocol.TypeMessageDelivered, "", protocol.MessageDelivered{
		MessageID: messageID,
		Status:    protocol.StatusDelivered,
		Timestamp: time.Now().UnixMilli(),
	}))
	if err == nil {
		w.Send(frame)
	}
}

func (r *Router) enqueue(ctx context.Context, to string, envelope *protocol.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = r.pending.Append(ctx, to, data)
	if err == volatile.ErrQueueFull {
		return &protocol.Reject{
			Code:       protocol.ErrRateLimited,
			Message:    "recipient queue is full",
			RetryAfter: 60,
		}
	}
	if err != nil {
		return fmt.Errorf("enqueue envelope: %w", err)
	}
	depth, err := r.pending.Len(ctx, to)
	if err == nil {
		r.metrics.QueueDepth.WithLabelValues().Observe(float64(depth))
	}
	return nil
}

// wakeRecipient emits a content-free push so the device reconnects.
func (r *Router) wakeRecipient(ctx context.Context, to, from, kind string) {
	dev, err := r.store.GetDevice(ctx, to)
	if err != nil {
		return
	}
	count, _ := r.pending.Len(ctx, to)
	r.push.Emit(&push.Notification{
		Kind:      kind,
		Token:     dev.PushToken,
		VoipToken: dev.VoipToken,
		From:      from,
		Count:     count,
	})
}

// FetchPending returns the next page of queued envelopes. Pages already
// handed to the connection are removed, so the drain always reads from
// the head; NextCursor is non-nil while more remain.
func (r *Router) FetchPending(ctx context.Context, identity string, p *protocol.FetchPending, w hub.ConnWriter, requestID string) error {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	raw, err := r.pending.List(ctx, identity, 0, limit)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	messages := make([]protocol.Envelope, 0, len(raw))
	for _, data := range raw {
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Error("corrupt pending envelope dropped", "identity", identity, "err", err)
			continue
		}
		messages = append(messages, env)
	}

	total, err := r.pending.Len(ctx, identity)
	if err != nil {
		return fmt.Errorf("pending depth: %w", err)
	}
	var next *int
	if total > len(raw) {
		zero := 0
		next = &zero
	}

	frame, err := json.Marshal(protocol.MustFrame(protocol.TypePendingMessages, requestID, protocol.PendingMessages{
		Messages:   messages,
		NextCursor: next,
	}))
	if err != nil {
		return fmt.Errorf("marshal pending page: %w", err)
	}
	if !w.Send(frame) {
		// Connection died; keep the queue intact for the next drain.
		return nil
	}
	if err := r.pending.Remove(ctx, identity, len(raw)); err != nil {
		return fmt.Errorf("trim pending: %w", err)
	}
	return nil
}

// DeliveryReceipt verifies and forwards a delivered/read receipt to the
// original sender. Receipts to offline peers are dropped; read state is
// owned end-to-end by the clients.
func (r *Router) DeliveryReceipt(ctx context.Context, sender string, p *protocol.DeliveryReceipt) error {
	if p.From != sender {
		return protocol.Rejectf(protocol.ErrForbidden, "from must match the authenticated identity")
	}
	if p.Status != protocol.StatusDelivered && p.Status != protocol.StatusRead {
		return protocol.Rejectf(protocol.ErrInvalidPayload, "status: must be delivered or read")
	}
	if err := checkTimestamp(p.Timestamp); err != nil {
		return err
	}

	senderID, err := r.store.GetIdentity(ctx, sender)
	if err != nil {
		return fmt.Errorf("load sender identity: %w", err)
	}
	canonical := protocol.CanonicalMessage(protocol.TypeDeliveryReceipt, p.MessageID, p.From, p.To, p.Timestamp, "", "")
	if err := protocol.VerifySignature(senderID.SignPublicKey, canonical, p.Signature); err != nil {
		return protocol.Rejectf(protocol.ErrAuthFailed, "receipt signature invalid")
	}

	w, ok := r.writers.LookupWriter(p.To)
	if !ok {
		return nil
	}
	// Forwarded verbatim: the recipient re-verifies the signature and
	// owns the status lattice end-to-end.
	frame, err := json.Marshal(protocol.MustFrame(protocol.TypeDeliveryReceipt, "", p))
	if err == nil {
		w.Send(frame)
	}
	return nil
}

// Typing forwards a typing indicator to the peer if it is online.
// Unsigned, unqueued, fire-and-forget.
func (r *Router) Typing(ctx context.Context, sender string, p *protocol.Typing) {
	w, ok := r.writers.LookupWriter(p.To)
	if !ok {
		return
	}
	frame, err := json.Marshal(protocol.MustFrame(protocol.TypeTyping, "", map[string]interface{}{
		"from":     sender,
		"isTyping": p.IsTyping,
	}))
	if err == nil {
		w.Send(frame)
	}
}

func checkTimestamp(ts int64) error {
	now := time.Now()
	t := time.UnixMilli(ts)
	if t.Before(now.Add(-MaxClockSkew)) || t.After(now.Add(MaxClockSkew)) {
		return protocol.Rejectf(protocol.ErrInvalidTimestamp, "timestamp outside the accepted window")
	}
	return nil
}
