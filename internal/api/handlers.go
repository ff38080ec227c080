package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper2/server/internal/protocol"
	"github.com/whisper2/server/internal/store"
)

// handleUserKeys returns the long-term public keys of a registered
// identity so a client can seal messages to it.
func (s *Server) handleUserKeys(w http.ResponseWriter, r *http.Request) {
	whisperID := mux.Vars(r)["whisperId"]
	if !protocol.ValidWhisperID(whisperID) {
		writeError(w, protocol.Rejectf(protocol.ErrInvalidPayload, "whisperId: malformed"))
		return
	}
	ident, err := s.store.GetIdentity(r.Context(), whisperID)
	if err == store.ErrNotFound {
		writeError(w, protocol.Rejectf(protocol.ErrNotFound, "unknown identity"))
		return
	} else if err != nil {
		writeError(w, err)
		return
	}
	status := "active"
	if banned, err := s.store.IsBanned(r.Context(), whisperID); err != nil {
		writeError(w, err)
		return
	} else if banned {
		status = "banned"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"whisperId":     ident.WhisperID,
		"encPublicKey":  base64.StdEncoding.EncodeToString(ident.EncPublicKey),
		"signPublicKey": base64.StdEncoding.EncodeToString(ident.SignPublicKey),
		"status":        status,
		"createdAt":     ident.CreatedAt.UnixMilli(),
	})
}

type backupRequest struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type backupResponse struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// handlePutBackup overwrites the caller's single backup slot. The blob
// is stored verbatim; the server never decrypts it.
func (s *Server) handlePutBackup(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	var req backupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, protocol.MaxBackupFrameBytes+4096)).Decode(&req); err != nil {
		writeError(w, protocol.Rejectf(protocol.ErrInvalidPayload, "body: malformed json"))
		return
	}
	nonce, err := protocol.DecodeStrictBase64(req.Nonce)
	if err != nil {
		writeError(w, protocol.Rejectf(protocol.ErrInvalidPayload, "nonce: invalid base64"))
		return
	}
	ciphertext, err := protocol.DecodeStrictBase64(req.Ciphertext)
	if err != nil {
		writeError(w, protocol.Rejectf(protocol.ErrInvalidPayload, "ciphertext: invalid base64"))
		return
	}
	if len(ciphertext) == 0 || len(ciphertext) > protocol.MaxBackupFrameBytes {
		writeError(w, protocol.Rejectf(protocol.ErrInvalidPayload, "ciphertext: size out of range"))
		return
	}

	created := false
	if _, err := s.store.GetContactBackup(r.Context(), sess.WhisperID); err == store.ErrNotFound {
		created = true
	} else if err != nil {
		writeError(w, err)
		return
	}

	b := &store.ContactBackup{
		WhisperID:  sess.WhisperID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		UpdatedAt:  time.Now(),
	}
	if err := s.store.SaveContactBackup(r.Context(), b); err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"success":   true,
		"created":   created,
		"sizeBytes": len(ciphertext),
		"updatedAt": b.UpdatedAt.UnixMilli(),
	})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	b, err := s.store.GetContactBackup(r.Context(), sess.WhisperID)
	if err == store.ErrNotFound {
		writeError(w, protocol.Rejectf(protocol.ErrNotFound, "no backup stored"))
		return
	} else if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backupResponse{
		Nonce:      base64.StdEncoding.EncodeToString(b.Nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(b.Ciphertext),
		UpdatedAt:  b.UpdatedAt.UnixMilli(),
	})
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if err := s.store.DeleteContactBackup(r.Context(), sess.WhisperID); err != nil && err != store.ErrNotFound {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		writeError(w, protocol.Rejectf(protocol.ErrNotFound, "attachments not configured"))
		return
	}
	sess := sessionFrom(r)

	var req protocol.PresignUpload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, protocol.Rejectf(protocol.ErrInvalidPayload, "body: malformed json"))
		return
	}
	res, err := s.attachments.PresignUpload(r.Context(), sess.WhisperID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePresignDownload(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		writeError(w, protocol.Rejectf(protocol.ErrNotFound, "attachments not configured"))
		return
	}
	var req protocol.PresignDownload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, protocol.Rejectf(protocol.ErrInvalidPayload, "body: malformed json"))
		return
	}
	res, err := s.attachments.PresignDownload(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
