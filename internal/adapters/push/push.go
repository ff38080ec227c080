// Package push wakes offline devices through an HTTP push provider.
// Payloads are content-free by construction: they carry a kind, a sender
// id and a count, never ciphertext or plaintext.
package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/whisper2/server/internal/metrics"
)

// Notification kinds.
const (
	KindMessage = "message"
	KindCall    = "call"
)

// Notification is the provider payload. Count lets the client show a
// badge without the server revealing anything else.
type Notification struct {
	Kind      string `json:"kind"`
	Token     string `json:"token"`
	VoipToken string `json:"voipToken,omitempty"`
	From      string `json:"from"`
	Count     int    `json:"count,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Dispatcher posts notifications to the provider asynchronously through
// a background worker pool. Emit never blocks frame handling; a full
// queue drops the wake-up, which the pending queue makes safe.
type Dispatcher struct {
	providerURL string
	authKey     string
	httpClient  *http.Client
	queue       chan *Notification
	metrics     *metrics.Metrics
	wg          sync.WaitGroup
}

// NewDispatcher starts the worker pool. An empty providerURL yields a
// disabled dispatcher that drops everything, for development runs.
func NewDispatcher(providerURL, authKey string, workers int, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		providerURL: providerURL,
		authKey:     authKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:   make(chan *Notification, 1000),
		metrics: m,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues a notification. Token-less devices and disabled
// dispatchers are silently skipped.
func (d *Dispatcher) Emit(n *Notification) {
	if d.providerURL == "" || (n.Token == "" && n.VoipToken == "") {
		return
	}
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
	select {
	case d.queue <- n:
	default:
		slog.Warn("push queue full, dropping notification", "kind", n.Kind)
		d.metrics.PushDispatched.WithLabelValues(n.Kind, "dropped").Inc()
	}
}

// Close stops accepting work and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n, 1)
	}
}

func (d *Dispatcher) deliver(n *Notification, attempt int) {
	payload, err := json.Marshal(n)
	if err != nil {
		slog.Error("marshal push payload", "err", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.providerURL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("build push request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if d.authKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.authKey)
	}
	req.Header.Set("X-Push-Attempt", fmt.Sprintf("%d", attempt))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		slog.Warn("push delivery failed", "kind", n.Kind, "attempt", attempt, "err", err)
		if attempt < 3 {
			time.Sleep(time.Duration(attempt*attempt) * time.Second)
			d.deliver(n, attempt+1)
			return
		}
		d.metrics.PushDispatched.WithLabelValues(n.Kind, "failed").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("push provider rejected notification", "kind", n.Kind, "status", resp.StatusCode)
		d.metrics.PushDispatched.WithLabelValues(n.Kind, "failed").Inc()
		return
	}
	d.metrics.PushDispatched.WithLabelValues(n.Kind, "ok").Inc()
}
