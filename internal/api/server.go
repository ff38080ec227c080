// Package api is the REST surface next to the websocket: public-key
// lookup, encrypted contact backups, attachment presigning, health and
// metrics. Everything except /health, /metrics and the websocket
// upgrade requires a bearer session token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whisper2/server/internal/adapters/attachments"
	"github.com/whisper2/server/internal/auth"
	"github.com/whisper2/server/internal/protocol"
	"github.com/whisper2/server/internal/store"
	"github.com/whisper2/server/internal/volatile"
)

type ctxKey int

const sessionKey ctxKey = 0

// Server bundles the REST handlers and their dependencies.
type Server struct {
	store       store.Store
	auth        *auth.Engine
	attachments *attachments.Service // nil when S3 is not configured
	ws          http.Handler         // nil in pure-REST tests
	metrics     http.Handler
}

// New builds the REST server. attachments and ws may be nil.
func New(st store.Store, eng *auth.Engine, att *attachments.Service, ws http.Handler) *Server {
	return &Server{
		store:       st,
		auth:        eng,
		attachments: att,
		ws:          ws,
		metrics:     promhttp.Handler(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware, logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	private := func(h http.HandlerFunc) http.Handler { return s.requireSession(h) }
	r.Handle("/users/{whisperId}/keys", private(s.handleUserKeys)).Methods(http.MethodGet)
	r.Handle("/backup/contacts", private(s.handlePutBackup)).Methods(http.MethodPut)
	r.Handle("/backup/contacts", private(s.handleGetBackup)).Methods(http.MethodGet)
	r.Handle("/backup/contacts", private(s.handleDeleteBackup)).Methods(http.MethodDelete)
	r.Handle("/attachments/presign/upload", private(s.handlePresignUpload)).Methods(http.MethodPost)
	r.Handle("/attachments/presign/download", private(s.handlePresignDownload)).Methods(http.MethodPost)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// requireSession resolves the bearer token to a live session and puts
// it on the request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, protocol.Rejectf(protocol.ErrAuthFailed, "missing bearer token"))
			return
		}
		sess, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func sessionFrom(r *http.Request) *volatile.Session {
	sess, _ := r.Context().Value(sessionKey).(*volatile.Session)
	return sess
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("encode response", "error", err)
		}
	}
}

// writeError maps rejection codes onto HTTP statuses; anything else is
// a 500 with the detail kept server-side.
func writeError(w http.ResponseWriter, err error) {
	var rej *protocol.Reject
	if !errors.As(err, &rej) {
		slog.Error("request failed", "error", err)
		rej = protocol.Rejectf(protocol.ErrInternal, "internal error")
	}
	body := map[string]any{"code": rej.Code, "message": rej.Message}
	if rej.RetryAfter > 0 {
		body["retryAfter"] = rej.RetryAfter
	}
	writeJSON(w, httpStatus(rej.Code), body)
}

func httpStatus(code protocol.ErrorCode) int {
	switch code {
	case protocol.ErrInvalidPayload, protocol.ErrInvalidTimestamp:
		return http.StatusBadRequest
	case protocol.ErrAuthFailed, protocol.ErrNotRegistered:
		return http.StatusUnauthorized
	case protocol.ErrForbidden, protocol.ErrUserBanned:
		return http.StatusForbidden
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
