package router

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper2/server/internal/adapters/push"
	"github.com/whisper2/server/internal/hub"
	"github.com/whisper2/server/internal/metrics"
	"github.com/whisper2/server/internal/protocol"
	"github.com/whisper2/server/internal/store"
	"github.com/whisper2/server/internal/volatile"
)

type fakeWriter struct {
	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
}

func (w *fakeWriter) Send(frame []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	var f protocol.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		panic(err)
	}
	w.frames = append(w.frames, f)
	return true
}

func (w *fakeWriter) CloseWith(reason string) {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *fakeWriter) byType(frameType string) []protocol.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []protocol.Frame
	for _, f := range w.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

type fakeRegistry struct {
	mu      sync.Mutex
	writers map[string]*fakeWriter
}

func (r *fakeRegistry) LookupWriter(identity string) (hub.ConnWriter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.writers[identity]
	if !ok {
		return nil, false
	}
	return w, true
}

type identity struct {
	id      string
	signKey ed25519.PrivateKey
}

func (i *identity) sign(canonical []byte) string {
	digest := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(i.signKey, digest[:]))
}

type rig struct {
	router  *Router
	store   *store.Memory
	pending *volatile.PendingQueue
	reg     *fakeRegistry

	alice *identity
	bob   *identity
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st := store.NewMemory()
	mem := volatile.NewMemoryClient()
	m := metrics.NewWith(prometheus.NewRegistry())
	reg := &fakeRegistry{writers: make(map[string]*fakeWriter)}
	pending := volatile.NewPendingQueue(mem, 0, 5)
	r := New(st, pending,
		volatile.NewDedup(mem, 0),
		volatile.NewCalls(mem, 0),
		volatile.NewRecentPeers(mem, 0),
		reg,
		push.NewDispatcher("", "", 1, m),
		m)

	rg := &rig{router: r, store: st, pending: pending, reg: reg}
	rg.alice = rg.addIdentity(t, "WSP-AAAA-AAAA-AAAA", "dev-a")
	rg.bob = rg.addIdentity(t, "WSP-BBBB-BBBB-BBBB", "dev-b")
	return rg
}

func (rg *rig) addIdentity(t *testing.T, whisperID, deviceID string) *identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, rg.store.RegisterIdentity(context.Background(),
		&store.Identity{WhisperID: whisperID, EncPublicKey: pub, SignPublicKey: pub, CreatedAt: now},
		&store.Device{DeviceID: deviceID, WhisperID: whisperID, Platform: "ios", RegisteredAt: now, LastSeenAt: now}))
	return &identity{id: whisperID, signKey: priv}
}

func (rg *rig) connect(whisperID string) *fakeWriter {
	w := &fakeWriter{}
	rg.reg.mu.Lock()
	rg.reg.writers[whisperID] = w
	rg.reg.mu.Unlock()
	return w
}

func (rg *rig) message(from *identity, to, messageID string) *protocol.SendMessage {
	p := &protocol.SendMessage{
		ProtocolVersion: 1,
		CryptoVersion:   1,
		MessageID:       messageID,
		From:            from.id,
		To:              to,
		MsgType:         "text",
		Timestamp:       time.Now().UnixMilli(),
		Nonce:           base64.StdEncoding.EncodeToString(make([]byte, 24)),
		Ciphertext:      "c2VhbGVk",
	}
	canonical := protocol.CanonicalMessage(protocol.TypeSendMessage, p.MessageID, p.From, p.To, p.Timestamp, p.Nonce, p.Ciphertext)
	p.Signature = from.sign(canonical)
	return p
}

func rejectCode(t *testing.T, err error) protocol.ErrorCode {
	t.Helper()
	var rej *protocol.Reject
	require.True(t, errors.As(err, &rej), "expected Reject, got %v", err)
	return rej.Code
}

func TestRouter_DirectDelivery(t *testing.T) {
	rg := newRig(t)
	ctx := context.Background()
	aliceConn := rg.connect(rg.alice.id)
	bobConn := rg.connect(rg.bob.id)

	ack, err := rg.router.SendMessage(ctx, rg.alice.id, rg.message(rg.alice, rg.bob.id, "m-1"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAccepted, ack.Status)

	received := bobConn.byType(protocol.TypeMessageReceived)
	require.Len(t, received, 1)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(received[0].Payload, &env))
	assert.Equal(t, "m-1", env.MessageID)
	assert.Equal(t, "c2VhbGVk", env.Ciphertext)
	assert.NotEmpty(t, env.SenderSignPublicKey)

	delivered := aliceConn.byType(protocol.TypeMessageDelivered)
	require.Len(t, delivered, 1)
}

func TestRouter_OfflineQueuesAndDrains(t *testing.T) {
	rg := newRig(t)
	ctx := context.Background()

	_, err := rg.router.SendMessage(ctx, rg.alice.id, rg.message(rg.alice, rg.bob.id, "m-1"))
	require.NoError(t, err)
	_, err = rg.router.SendMessage(ctx, rg.alice.id, rg.message(rg.alice, rg.bob.id, "m-2"))
	require.NoError(t, err)

	n, err := rg.pending.Len(ctx, rg.bob.id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bobConn := rg.connect(rg.bob.id)
	require.NoError(t, rg.router.FetchPending(ctx, rg.bob.id, &protocol.FetchPending{}, bobConn, "req-1"))

	pages := bobConn.byType(protocol.TypePendingMessages)
	require.Len(t, pages, 1)
	assert.Equal(t, "req-1", pages[0].RequestID)
	var page protocol.PendingMessages
	require.NoError(t, json.Unmarshal(pages[0].Payload, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m-1", page.Messages[0].MessageID)
	assert.Equal(t, "m-2", page.Messages[1].MessageID)
	assert.Nil(t, page.NextCursor)

	// Drained: the queue is empty after a successful write.
	n, err = rg.pending.Len(ctx, rg.bob.id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRouter_FetchPendingPaging(t *testing.T) {
	rg := newRig(t)
	ctx := context.Background()

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		_, err := rg.router.SendMessage(ctx, rg.alice.id, rg.message(rg.alice, rg.bob.id, id))
		require.NoError(t, err)
	}

	bobConn := rg.connect(rg.bob.id)
	require.NoError(t, rg.router.FetchPending(ctx, rg.bob.id, &protocol.FetchPending{Limit: 2}, bobConn, ""))

	var page protocol.PendingMessages
	pages := bobConn.byType(protocol.TypePendingMessages)
	require.Len(t, pages, 1)
	require.NoError(t, json.Unmarshal(pages[0].Payload, &page))
	require.Len(t, page.Messages, 2)
	require.NotNil(t, page.NextCursor)

	require.NoError(t, rg.router.FetchPending(ctx, rg.bob.id, &protocol.FetchPending{Limit: 2}, bobConn, ""))
	pages = bobConn.byType(protocol.TypePendingMessages)
	require.Len(t, pages, 2)
	require.NoError(t, json.Unmarshal(pages[1].Payload, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m-3", page.Messages[0].MessageID)
	assert.Nil(t, page.NextCursor)
}

func TestRouter_DuplicateMessageAckedOnce(t *testing.T) {
	rg := newRig(t)
	ctx := context.Background()
	bobConn := rg.connect(rg.bob.id)

	msg := rg.message(rg.alice, rg.bob.id, "m-1")
	_, err := rg.router.SendMessage(ctx, rg.alice.id, msg)
	require.NoError(t, err)

	// A retry acks but does not deliver twice.
	ack, err := rg.router.SendMessage(ctx, rg.alice.id, msg)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAccepted, ack.Status)
	assert.Len(t, bobConn.byType(protocol.TypeMessageReceived), 1)
}

func TestRouter_SameMessageIDToTwoRecipients(t *testing.T) {
	rg := newRig(t)
	ctx := context.Background()
	carol := rg.addIdentity(t, "WSP-CCCC-CCCC-CCCC", "dev-c")
	bobConn := rg.connect(rg.bob.id)
	carolConn := rg.connect(carol.id)

	// The reservation is per (recipient, messageId): reusing an id
	// toward a different recipient must still deliver.
	_, err := rg.router.SendMessage(ctx, rg.alice.id, rg.message(rg.alice, rg.bob.id, "m-1"))
	require.NoError(t, err)
	_, err = rg.router.SendMessage(ctx, rg.alice.id, rg.message(rg.alice, carol.id, "m-1"))
	require.NoError(t, err)

	assert.Len(t, bobConn.byType(protocol.TypeMessageReceived), 1)
	assert.Len(t, carolConn.byType(protocol.TypeMessageReceived), 1)
}

func TestRouter_SendMessageRejections(t *testing.T) {
	rg := newRig(t)
	ctx := context.Background()

	t.Run("spoofed from", func(t *testing.T) {
		msg := rg.message(rg.alice, rg.bob.id, "m-s")
		_, err := rg.router.SendMessage(ctx, rg.bob.id, msg)
		assert.Equal(t, protocol.ErrForbidden, rejectCode(t, err))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		msg := rg.message(rg.alice, rg.bob.id, "m-t")
		msg.Timestamp = time.Now().Add(-time.Hour).UnixMilli()
		_, err := rg.router.SendMessage(ctx, rg.alice.id, msg)
		assert.Equal(t, protocol.ErrInvalidTimestamp, rejectCode(t, err))
	})

	t.Run("unknown recipient", func(t *testing.T) {
		msg := rg.message(rg.alice, "WSP-ZZZZ-ZZZZ-ZZZZ", "m-u")
		_, err := rg.router.SendMessage(ctx, rg.alice.id, msg)
		assert.Equal(t, protocol.ErrNotFound, rejectCode(t, err))
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		msg := rg.message(rg.alice, rg.bob.id, "m-v")
		msg.Ciphertext = "dGFtcGVy"
		_, err := rg.router.SendMessage(ctx, rg.alice.id, msg)
		assert.Equal(t, protocol.ErrAuthFailed, rejectCode(t, err))
	})

	// Last: banning bob would mask the checks above.
	t.Run("banned recipient", func(t *testing.T) {
		require.NoError(t, rg.store.BanIdentity(ctx, rg.bob.id, "abuse"))
		msg := rg.message(rg.alice, rg.bob.id, "m-w")
		_, err := rg.router.SendMessage(ctx, rg.alice.id, msg)
		assert.Equal(t, protocol.ErrForbidden, rejectCode(t, err))
	})
}

func TestRouter_QueueFullRejectsWithRetryAfter(t *testing.T) {
	rg := newRig(t) // queue cap is 5 in the rig
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := rg.router.SendMessage(ctx, rg.alice.id, rg.message(rg.alice, rg.bob.id, "m-"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	_, err := rg.router.SendMessage(ctx, rg.alice.id, rg.message(rg.alice, rg.bob.id, "m-overflow"))
	var rej *protocol.Reject
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, protocol.ErrRateLimited, rej.Code)
	assert.Positive(t, rej.RetryAfter)
}

func TestRouter_DeliveryReceiptForwarded(t *testing.T) {
	rg := newRig(t)
	ctx := context.Background()
	aliceConn := rg.connect(rg.alice.id)

	ts := time.Now().UnixMilli()
	canonical := protocol.CanonicalMessage(protocol.TypeDeliveryReceipt, "m-1", rg.bob.id, rg.alice.id, ts, "", "")
	receipt := &protocol.DeliveryReceipt{
		MessageID: "m-1",
		From:      rg.bob.id,
		To:        rg.alice.id,
		Status:    protocol.StatusRead,
		Timestamp: ts,
		Signature: rg.bob.sign(canonical),
	}
	require.NoError(t, rg.router.DeliveryReceipt(ctx, rg.bob.id, receipt))

	// The receipt arrives as a delivery_receipt frame with the payload
	// intact, signature included.
	fwd := aliceConn.byType(protocol.TypeDeliveryReceipt)
	require.Len(t, fwd, 1)
	var p protocol.DeliveryReceipt
	require.NoError(t, json.Unmarshal(fwd[0].Payload, &p))
	assert.Equal(t, "m-1", p.MessageID)
	assert.Equal(t, rg.bob.id, p.From)
	assert.Equal(t, rg.alice.id, p.To)
	assert.Equal(t, protocol.StatusRead, p.Status)
	assert.Equal(t, receipt.Signature, p.Signature)
}

func TestRouter_DeliveryReceiptBadSignature(t *testing.T) {
	rg := newRig(t)
	ts := time.Now().UnixMilli()
	// Signed by the wrong identity.
	canonical := protocol.CanonicalMessage(protocol.TypeDeliveryReceipt, "m-1", rg.bob.id, rg.alice.id, ts, "", "")
	receipt := &protocol.DeliveryReceipt{
		MessageID: "m-1",
		From:      rg.bob.id,
		To:        rg.alice.id,
		Status:    protocol.StatusDelivered,
		Timestamp: ts,
		Signature: rg.alice.sign(canonical),
	}
	err := rg.router.DeliveryReceipt(context.Background(), rg.bob.id, receipt)
	assert.Equal(t, protocol.ErrAuthFailed, rejectCode(t, err))
}

func TestRouter_TypingForwardedOnlyWhenOnline(t *testing.T) {
	rg := newRig(t)
	ctx := context.Background()

	// Offline peer: nothing happens, nothing breaks.
	rg.router.Typing(ctx, rg.alice.id, &protocol.Typing{To: rg.bob.id, IsTyping: true})

	bobConn := rg.connect(rg.bob.id)
	rg.router.Typing(ctx, rg.alice.id, &protocol.Typing{To: rg.bob.id, IsTyping: true})

	fwd := bobConn.byType(protocol.TypeTyping)
	require.Len(t, fwd, 1)
}
