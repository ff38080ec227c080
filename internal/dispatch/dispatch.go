// Package dispatch connects the websocket hub to the protocol engines:
// it validates inbound frames against the schema gate, enforces
// authentication and rate limits, and fans frames out to auth, routing
// and the boundary adapters.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/whisper2/server/internal/adapters/attachments"
	"github.com/whisper2/server/internal/adapters/turncreds"
	"github.com/whisper2/server/internal/auth"
	"github.com/whisper2/server/internal/hub"
	"github.com/whisper2/server/internal/metrics"
	"github.com/whisper2/server/internal/presence"
	"github.com/whisper2/server/internal/protocol"
	"github.com/whisper2/server/internal/ratelimit"
	"github.com/whisper2/server/internal/router"
	"github.com/whisper2/server/internal/schema"
	"github.com/whisper2/server/internal/store"
	"github.com/whisper2/server/internal/volatile"
)

// rateActions maps frame types to limiter actions. Types not listed are
// unmetered.
var rateActions = map[string]string{
	protocol.TypeRegisterBegin:      ratelimit.ActionRegister,
	protocol.TypeRegisterProof:      ratelimit.ActionRegister,
	protocol.TypeSendMessage:        ratelimit.ActionMessage,
	protocol.TypeTyping:             ratelimit.ActionTyping,
	protocol.TypeCallInitiate:       ratelimit.ActionCall,
	protocol.TypeGetTurnCredentials: ratelimit.ActionCall,
	protocol.TypePresignUpload:      ratelimit.ActionPresign,
	protocol.TypePresignDownload:    ratelimit.ActionPresign,
	protocol.TypeBackupContacts:     ratelimit.ActionBackup,
	protocol.TypeFetchPending:       ratelimit.ActionFetch,
}

// Dispatcher implements hub.FrameHandler.
type Dispatcher struct {
	gate        *schema.Gate
	hub         *hub.Hub
	auth        *auth.Engine
	router      *router.Router
	tracker     *presence.Tracker
	limiter     *ratelimit.Limiter
	store       store.Store
	attachments *attachments.Service
	turn        *turncreds.Minter
	metrics     *metrics.Metrics
}

// New wires the dispatcher. attachments and turn may be nil when the
// deployment has no object store or relay fleet.
func New(g *schema.Gate, h *hub.Hub, a *auth.Engine, r *router.Router, tr *presence.Tracker, l *ratelimit.Limiter, st store.Store, att *attachments.Service, turn *turncreds.Minter, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		gate:        g,
		hub:         h,
		auth:        a,
		router:      r,
		tracker:     tr,
		limiter:     l,
		store:       st,
		attachments: att,
		turn:        turn,
		metrics:     m,
	}
}

// HandleFrame validates and routes one inbound frame.
func (d *Dispatcher) HandleFrame(ctx context.Context, c *hub.Conn, data []byte) {
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		d.sendError(c, protocol.ErrInvalidPayload, "frame is not valid JSON", "", 0)
		return
	}

	d.metrics.FramesIn.WithLabelValues(frame.Type).Inc()
	started := time.Now()
	defer func() {
		d.metrics.FrameDuration.WithLabelValues(frame.Type).Observe(time.Since(started).Seconds())
	}()

	if !d.gate.Known(frame.Type) {
		d.sendError(c, protocol.ErrInvalidPayload, "unknown frame type", frame.RequestID, 0)
		return
	}
	if len(data) > d.gate.MaxFrameBytes(frame.Type) {
		d.metrics.FramesRejected.WithLabelValues("oversize").Inc()
		d.sendError(c, protocol.ErrInvalidPayload, "frame exceeds size limit", frame.RequestID, 0)
		return
	}
	if !d.gate.Public(frame.Type) && !c.Authenticated() {
		d.metrics.FramesRejected.WithLabelValues("unauthenticated").Inc()
		d.sendError(c, protocol.ErrNotRegistered, "register or refresh a session first", frame.RequestID, 0)
		return
	}
	if err := d.gate.Validate(frame.Type, frame.Payload); err != nil {
		d.metrics.FramesRejected.WithLabelValues("schema").Inc()
		d.sendValidationError(c, err, frame.RequestID)
		return
	}
	if !d.allow(ctx, c, &frame) {
		return
	}

	if err := d.route(ctx, c, &frame); err != nil {
		var rej *protocol.Reject
		if errors.As(err, &rej) {
			d.sendError(c, rej.Code, rej.Message, frame.RequestID, rej.RetryAfter)
			return
		}
		slog.Error("frame handling failed", "type", frame.Type, "identity", c.Identity(), "err", err)
		d.sendError(c, protocol.ErrInternal, "internal error", frame.RequestID, 0)
		return
	}

	if c.Authenticated() {
		d.tracker.Touch(ctx, c.Identity())
	}
}

// HandleDisconnect clears presence when an authenticated connection
// goes away.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, c *hub.Conn) {
	identity := c.Identity()
	if identity == "" {
		return
	}
	share := false
	if sess, err := d.auth.Authenticate(ctx, c.SessionToken()); err == nil {
		share = sess.SharePresence
	}
	d.tracker.Offline(ctx, identity, share)
}

// allow applies the per-action rate limit. Pre-auth frames are counted
// against the connection's remote address, so rotating device ids does
// not reset the window.
func (d *Dispatcher) allow(ctx context.Context, c *hub.Conn, frame *protocol.Frame) bool {
	action, metered := rateActions[frame.Type]
	if !metered {
		return true
	}
	subject := c.Identity()
	if subject == "" {
		subject = c.RemoteAddr()
	}
	dec, err := d.limiter.Allow(ctx, subject, action)
	if err != nil {
		slog.Warn("rate limiter unavailable, allowing", "action", action, "err", err)
		return true
	}
	if !dec.Allowed {
		d.metrics.FramesRejected.WithLabelValues("rate_limited").Inc()
		d.sendError(c, protocol.ErrRateLimited, "slow down", frame.RequestID, int(dec.RetryAfter.Seconds())+1)
		return false
	}
	return true
}

func (d *Dispatcher) route(ctx context.Context, c *hub.Conn, frame *protocol.Frame) error {
	switch frame.Type {
	case protocol.TypePing:
		var p protocol.PingPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return protocol.Rejectf(protocol.ErrInvalidPayload, "bad ping payload")
		}
		d.reply(c, protocol.TypePong, frame.RequestID, protocol.PongPayload{Timestamp: p.Timestamp})
		return nil

	case protocol.TypePong:
		// Liveness only; the read deadline already advanced.
		return nil

	case protocol.TypeRegisterBegin:
		var p protocol.RegisterBegin
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return protocol.Rejectf(protocol.ErrInvalidPayload, "bad register_begin payload")
		}
		ch, err := d.auth.Begin(ctx, &p)
		if err != nil {
			return err
		}
		d.reply(c, protocol.TypeRegisterChallenge, frame.RequestID, ch)
		return nil

	case protocol.TypeRegisterProof:
		return d.handleProof(ctx, c, frame)

	case protocol.TypeSessionRefresh:
		return d.handleRefresh(ctx, c, frame)

	case protocol.TypeLogout:
		ack, err := d.auth.Logout(ctx, c.SessionToken())
		if err != nil {
			return err
		}
		d.tracker.Offline(ctx, c.Identity(), false)
		d.hub.Unbind(c)
		d.reply(c, protocol.TypeLogoutAck, frame.RequestID, ack)
		c.CloseWith(hub.CloseClient)
		return nil

	case protocol.TypeSendMessage:
		var p protocol.SendMessage
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return protocol.Rejectf(protocol.ErrInvalidPayload, "bad send_message payload")
		}
		ack, err := d.router.SendMessage(ctx, c.Identity(), &p)
		if err != nil {
			return err
		}
		d.reply(c, protocol.TypeMessageAccepted, frame.RequestID, ack)
		return nil

	case protocol.TypeFetchPending:
		var p protocol.FetchPending
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return protocol.Rejectf(protocol.ErrInvalidPayload, "bad fetch_pending payload")
		}
		return d.router.FetchPending(ctx, c.Identity(), &p, c, frame.RequestID)

	case protocol.TypeDeliveryReceipt:
		var p protocol.DeliveryReceipt
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return protocol.Rejectf(protocol.ErrInvalidPayload, "bad delivery_receipt payload")
		}
		return d.router.DeliveryReceipt(ctx, c.Identity(), &p)

	case protocol.TypeTyping:
		var p protocol.Typing
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return protocol.Rejectf(protocol.ErrInvalidPayload, "bad typing payload")
		}
		d.router.Typing(ctx, c.Identity(), &p)
		return nil

	case protocol.TypeCallInitiate, protocol.TypeCallAnswer, protocol.TypeCallICECandidate, protocol.TypeCallEnd, protocol.TypeCallRinging:
		return d.handleCall(ctx, c, frame)

	case protocol.TypeGetTurnCredentials:
		if d.turn == nil || !d.turn.Enabled() {
			return protocol.Rejectf(protocol.ErrNotFound, "no relay fleet configured")
		}
		d.reply(c, protocol.TypeTurnCredentials, frame.RequestID, d.turn.Mint(c.Identity()))
		return nil

	case protocol.TypePresignUpload:
		if d.attachments == nil {
			return protocol.Rejectf(protocol.ErrNotFound, "no object store configured")
		}
		var p protocol.PresignUpload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return protocol.Rejectf(protocol.ErrInvalidPayload, "bad presign_upload payload")
		}
		res, err := d.attachments.PresignUpload(ctx, c.Identity(), &p)
		if err != nil {
			return err
		}
		d.reply(c, protocol.TypePresignResult, frame.RequestID, res)
		return nil

	case protocol.TypePresignDownload:
		if d.attachments == nil {
			return protocol.Rejectf(protocol.ErrNotFound, "no object store configured")
		}
		var p protocol.PresignDownload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return protocol.Rejectf(protocol.ErrInvalidPayload, "bad presign_download payload")
		}
		res, err := d.attachments.PresignDownload(ctx, &p)
		if err != nil {
			return err
		}
		d.reply(c, protocol.TypePresignResult, frame.RequestID, res)
		return nil

	case protocol.TypeBackupContacts:
		return d.handleBackup(ctx, c, frame)
	}
	return protocol.Rejectf(protocol.ErrInvalidPayload, "unhandled frame type")
}

func (d *Dispatcher) handleProof(ctx context.Context, c *hub.Conn, frame *protocol.Frame) error {
	var p protocol.RegisterProof
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return protocol.Rejectf(protocol.ErrInvalidPayload, "bad register_proof payload")
	}
	ack, sess, err := d.auth.Proof(ctx, &p)
	if err != nil {
		return err
	}
	// Ack before bind: once Bind makes the identity routable, a peer's
	// message_received could otherwise overtake the register_ack.
	d.reply(c, protocol.TypeRegisterAck, frame.RequestID, ack)
	d.bind(ctx, c, sess)
	return nil
}

func (d *Dispatcher) handleRefresh(ctx context.Context, c *hub.Conn, frame *protocol.Frame) error {
	var p protocol.SessionRefresh
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return protocol.Rejectf(protocol.ErrInvalidPayload, "bad session_refresh payload")
	}
	res, sess, err := d.auth.Refresh(ctx, &p)
	if err != nil {
		// A dead session is terminal for the socket: reply, then close
		// so the client re-registers on a fresh connection.
		var rej *protocol.Reject
		if errors.As(err, &rej) && rej.Code == protocol.ErrAuthFailed {
			d.sendError(c, rej.Code, rej.Message, frame.RequestID, 0)
			c.CloseWith(hub.CloseProtocol)
			return nil
		}
		return err
	}
	d.reply(c, protocol.TypeSessionRefreshed, frame.RequestID, res)
	d.bind(ctx, c, sess)
	return nil
}

// bind attaches the session's identity to the connection and flips
// presence online. The hub kicks any previous local connection.
func (d *Dispatcher) bind(ctx context.Context, c *hub.Conn, sess *volatile.Session) {
	d.hub.Bind(c, sess.WhisperID, sess.DeviceID, sess.Token)
	d.tracker.Online(ctx, sess.WhisperID, sess.SharePresence)
	if err := d.store.TouchDevice(ctx, sess.DeviceID, time.Now()); err != nil {
		slog.Warn("touch device", "deviceId", sess.DeviceID, "err", err)
	}
}

func (d *Dispatcher) handleCall(ctx context.Context, c *hub.Conn, frame *protocol.Frame) error {
	var p protocol.CallSignal
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return protocol.Rejectf(protocol.ErrInvalidPayload, "bad call payload")
	}
	identity := c.Identity()
	switch frame.Type {
	case protocol.TypeCallInitiate:
		return d.router.CallInitiate(ctx, identity, &p)
	case protocol.TypeCallAnswer:
		return d.router.CallAnswer(ctx, identity, &p)
	case protocol.TypeCallICECandidate:
		return d.router.CallICECandidate(ctx, identity, &p)
	case protocol.TypeCallRinging:
		return d.router.CallRinging(ctx, identity, &p)
	default:
		return d.router.CallEnd(ctx, identity, &p)
	}
}

func (d *Dispatcher) handleBackup(ctx context.Context, c *hub.Conn, frame *protocol.Frame) error {
	var p protocol.BackupContacts
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return protocol.Rejectf(protocol.ErrInvalidPayload, "bad backup_contacts payload")
	}
	nonce, err := protocol.DecodeStrictBase64(p.Nonce)
	if err != nil {
		return protocol.Rejectf(protocol.ErrInvalidPayload, "nonce: not strict base64")
	}
	ciphertext, err := protocol.DecodeStrictBase64(p.Ciphertext)
	if err != nil {
		return protocol.Rejectf(protocol.ErrInvalidPayload, "ciphertext: not strict base64")
	}

	_, getErr := d.store.GetContactBackup(ctx, c.Identity())
	created := getErr == store.ErrNotFound

	now := time.Now()
	if err := d.store.SaveContactBackup(ctx, &store.ContactBackup{
		WhisperID:  c.Identity(),
		Nonce:      nonce,
		Ciphertext: ciphertext,
		UpdatedAt:  now,
	}); err != nil {
		return err
	}
	d.reply(c, protocol.TypeBackupAck, frame.RequestID, protocol.BackupAck{
		Success:   true,
		Created:   created,
		SizeBytes: len(ciphertext),
		UpdatedAt: now.UnixMilli(),
	})
	return nil
}

func (d *Dispatcher) reply(c *hub.Conn, frameType, requestID string, payload interface{}) {
	frame, err := json.Marshal(protocol.MustFrame(frameType, requestID, payload))
	if err != nil {
		slog.Error("marshal reply", "type", frameType, "err", err)
		return
	}
	d.metrics.FramesOut.WithLabelValues(frameType).Inc()
	c.Send(frame)
}

func (d *Dispatcher) sendError(c *hub.Conn, code protocol.ErrorCode, message, requestID string, retryAfter int) {
	p := protocol.ErrorPayload{Code: code, Message: message, RequestID: requestID, RetryAfter: retryAfter}
	frame, err := json.Marshal(protocol.MustFrame(protocol.TypeError, requestID, p))
	if err != nil {
		return
	}
	d.metrics.FrameErrors.WithLabelValues(string(code)).Inc()
	c.Send(frame)
}

func (d *Dispatcher) sendValidationError(c *hub.Conn, err error, requestID string) {
	p := protocol.ErrorPayload{
		Code:      protocol.ErrInvalidPayload,
		Message:   "payload failed validation",
		RequestID: requestID,
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		p.Details = verr.Violations
	}
	frame, mErr := json.Marshal(protocol.MustFrame(protocol.TypeError, requestID, p))
	if mErr != nil {
		return
	}
	d.metrics.FrameErrors.WithLabelValues(string(protocol.ErrInvalidPayload)).Inc()
	c.Send(frame)
}
