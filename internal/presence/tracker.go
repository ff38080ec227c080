// Package presence maintains online markers and fans presence changes
// out to recent-contact peers. Fanout is scoped: only identities that
// exchanged traffic inside the recent window hear about each other, and
// only when the subject shares presence.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/whisper2/server/internal/hub"
	"github.com/whisper2/server/internal/protocol"
	"github.com/whisper2/server/internal/volatile"
)

// Tracker owns the presence lifecycle for identities on this node.
type Tracker struct {
	presence *volatile.Presence
	recent   *volatile.RecentPeers
	writers  hub.WriterRegistry
	node     string
}

// NewTracker wires the tracker. node identifies this server instance in
// presence records.
func NewTracker(p *volatile.Presence, r *volatile.RecentPeers, writers hub.WriterRegistry, node string) *Tracker {
	return &Tracker{presence: p, recent: r, writers: writers, node: node}
}

// Online marks the identity online, tells its recent peers, and tells
// the identity which of its recent peers are online right now.
func (t *Tracker) Online(ctx context.Context, whisperID string, share bool) {
	err := t.presence.Set(ctx, &volatile.PresenceRecord{
		WhisperID: whisperID,
		Node:      t.node,
		Share:     share,
		Since:     time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Warn("set presence", "whisperId", whisperID, "err", err)
		return
	}
	if share {
		t.broadcast(ctx, whisperID, protocol.StatusOnline, 0)
	}
	t.sendPeerSnapshot(ctx, whisperID)
}

// Touch re-arms the presence TTL on traffic or heartbeat.
func (t *Tracker) Touch(ctx context.Context, whisperID string) {
	if err := t.presence.Refresh(ctx, whisperID); err != nil {
		slog.Debug("refresh presence", "whisperId", whisperID, "err", err)
	}
}

// Offline clears the marker and, when the identity shared presence,
// tells recent peers it went away with a last-seen stamp.
func (t *Tracker) Offline(ctx context.Context, whisperID string, share bool) {
	if err := t.presence.Delete(ctx, whisperID); err != nil {
		slog.Warn("delete presence", "whisperId", whisperID, "err", err)
	}
	if share {
		t.broadcast(ctx, whisperID, protocol.StatusOffline, time.Now().UnixMilli())
	}
}

// IsOnline reports the identity's current marker, nil when offline.
func (t *Tracker) IsOnline(ctx context.Context, whisperID string) (*volatile.PresenceRecord, error) {
	rec, err := t.presence.Get(ctx, whisperID)
	if err == volatile.ErrNotFound {
		return nil, nil
	}
	return rec, err
}

// broadcast delivers a presence_update about whisperID to every recent
// peer with a live connection on this node.
func (t *Tracker) broadcast(ctx context.Context, whisperID, status string, lastSeen int64) {
	peers, err := t.recent.Peers(ctx, whisperID)
	if err != nil {
		slog.Warn("list recent peers", "whisperId", whisperID, "err", err)
		return
	}
	if len(peers) == 0 {
		return
	}
	frame, err := json.Marshal(protocol.MustFrame(protocol.TypePresenceUpdate, "", protocol.PresenceUpdate{
		WhisperID: whisperID,
		Status:    status,
		LastSeen:  lastSeen,
	}))
	if err != nil {
		return
	}
	for _, peer := range peers {
		if w, ok := t.writers.LookupWriter(peer); ok {
			w.Send(frame)
		}
	}
}

// sendPeerSnapshot tells a freshly-online identity which of its recent
// peers are online and sharing.
func (t *Tracker) sendPeerSnapshot(ctx context.Context, whisperID string) {
	self, ok := t.writers.LookupWriter(whisperID)
	if !ok {
		return
	}
	peers, err := t.recent.Peers(ctx, whisperID)
	if err != nil {
		return
	}
	for _, peer := range peers {
		rec, err := t.presence.Get(ctx, peer)
		if err != nil || !rec.Share {
			continue
		}
		frame, err := json.Marshal(protocol.MustFrame(protocol.TypePresenceUpdate, "", protocol.PresenceUpdate{
			WhisperID: peer,
			Status:    protocol.StatusOnline,
		}))
		if err != nil {
			continue
		}
		self.Send(frame)
	}
}
