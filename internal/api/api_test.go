package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper2/server/internal/auth"
	"github.com/whisper2/server/internal/metrics"
	"github.com/whisper2/server/internal/protocol"
	"github.com/whisper2/server/internal/store"
	"github.com/whisper2/server/internal/volatile"
)

type env struct {
	srv   *httptest.Server
	store *store.Memory
}

// registerUser runs the full handshake through the auth engine and
// returns the minted identity and session token.
func registerUser(t *testing.T, eng *auth.Engine) (whisperID, token string) {
	t.Helper()
	ctx := context.Background()

	signPub, signPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	encB64 := base64.StdEncoding.EncodeToString(signPub)
	signB64 := base64.StdEncoding.EncodeToString(signPub)

	ch, err := eng.Begin(ctx, &protocol.RegisterBegin{DeviceID: "dev-1", Platform: "ios"})
	require.NoError(t, err)

	canonical := protocol.CanonicalProof(ch.ChallengeID, "dev-1", "ios", encB64, signB64)
	digest := sha256.Sum256(canonical)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(signPriv, digest[:]))

	ack, _, err := eng.Proof(ctx, &protocol.RegisterProof{
		ChallengeID:   ch.ChallengeID,
		DeviceID:      "dev-1",
		Platform:      "ios",
		EncPublicKey:  encB64,
		SignPublicKey: signB64,
		Signature:     sig,
	})
	require.NoError(t, err)
	return ack.WhisperID, ack.SessionToken
}

func newEnv(t *testing.T) (*env, string, string) {
	t.Helper()
	st := store.NewMemory()
	mem := volatile.NewMemoryClient()
	eng := auth.NewEngine(st,
		volatile.NewSessions(mem, 0),
		volatile.NewChallenges(mem, 0),
		metrics.NewWith(prometheus.NewRegistry()))

	whisperID, token := registerUser(t, eng)

	srv := httptest.NewServer(New(st, eng, nil, nil).Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: st}, whisperID, token
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestHealthAndMetrics(t *testing.T) {
	e, _, _ := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")

	resp, _ = e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerAuthRequired(t *testing.T) {
	e, whisperID, _ := newEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/users/"+whisperID+"/keys", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/users/"+whisperID+"/keys", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUserKeys(t *testing.T) {
	e, whisperID, token := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/users/"+whisperID+"/keys", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		WhisperID     string `json:"whisperId"`
		EncPublicKey  string `json:"encPublicKey"`
		SignPublicKey string `json:"signPublicKey"`
		Status        string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, whisperID, got.WhisperID)
	assert.Equal(t, "active", got.Status)

	raw, err := base64.StdEncoding.DecodeString(got.SignPublicKey)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	resp, body = e.do(t, http.MethodGet, "/users/WSP-ZZZZ-ZZZZ-ZZZZ/keys", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")

	resp, _ = e.do(t, http.MethodGet, "/users/not-an-id/keys", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBackupRoundTrip(t *testing.T) {
	e, _, token := newEnv(t)

	nonce := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 24))
	blob := base64.StdEncoding.EncodeToString([]byte("sealed contact list"))

	resp, body := e.do(t, http.MethodPut, "/backup/contacts", token,
		backupRequest{Nonce: nonce, Ciphertext: blob})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, string(body), `"created":true`)

	resp, _ = e.do(t, http.MethodPut, "/backup/contacts", token,
		backupRequest{Nonce: nonce, Ciphertext: blob})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/backup/contacts", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got backupResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, nonce, got.Nonce)
	assert.Equal(t, blob, got.Ciphertext)

	resp, _ = e.do(t, http.MethodDelete, "/backup/contacts", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/backup/contacts", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackupRejectsBadBase64(t *testing.T) {
	e, _, token := newEnv(t)

	resp, body := e.do(t, http.MethodPut, "/backup/contacts", token,
		backupRequest{Nonce: "AAAA", Ciphertext: "not base64!!"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "INVALID_PAYLOAD")
}

func TestPresignUnconfigured(t *testing.T) {
	e, _, token := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/attachments/presign/upload", token,
		protocol.PresignUpload{ContentType: "image/jpeg", Size: 100})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
