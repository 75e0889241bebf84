package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/chai-im/chai/internal/auth"
	"github.com/chai-im/chai/internal/prekeys"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks belong to the fronting proxy; the relay trusts its
	// session tokens, not its origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades /ws requests and attaches verified users to
// the hub. The session token arrives as a Bearer header or ?token= query
// parameter (browser websocket clients cannot set headers).
func WebSocketHandler(hub *Hub, verifier *auth.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		userID, err := verifier.UserID(token)
		if err != nil {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[relay] upgrade failed for user=%s: %v", userID, err)
			return
		}
		hub.Attach(newConn(hub, ws, userID))
	}
}

// publishBundleRequest is the POST /prekeys/bundle body.
type publishBundleRequest struct {
	Bundle struct {
		IdentityKey           Bytes            `json:"identity_key"`
		IdentitySigningKey    Bytes            `json:"identity_signing_key"`
		SignedPrekey          Bytes            `json:"signed_prekey"`
		SignedPrekeySignature Bytes            `json:"signed_prekey_signature"`
		SignedPrekeyID        uint32           `json:"signed_prekey_id"`
		OneTimePrekeys        []UploadedPrekey `json:"one_time_prekeys,omitempty"`
	} `json:"bundle"`
}

// PublishBundleHandler is the HTTP flavor of UploadPrekeys, used at
// registration time before a websocket exists. 204 on success, 400
// BadSignature when the signed prekey signature does not verify.
func PublishBundleHandler(directory prekeys.Directory, verifier *auth.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := verifier.UserID(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}

		var req publishBundleRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxFrameSize)).Decode(&req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}

		otps := make([]prekeys.OneTimePrekeyRecord, 0, len(req.Bundle.OneTimePrekeys))
		for _, otp := range req.Bundle.OneTimePrekeys {
			otps = append(otps, prekeys.OneTimePrekeyRecord{ID: otp.PrekeyID, Pub: otp.PublicKey})
		}

		err = directory.PublishBundle(r.Context(), userID,
			req.Bundle.IdentityKey, req.Bundle.IdentitySigningKey,
			prekeys.SignedPrekeyRecord{
				ID:        req.Bundle.SignedPrekeyID,
				Pub:       req.Bundle.SignedPrekey,
				Signature: req.Bundle.SignedPrekeySignature,
			}, otps)
		switch {
		case errors.Is(err, prekeys.ErrBadSignature):
			http.Error(w, ErrCodeBadSignature, http.StatusBadRequest)
		case errors.Is(err, context.DeadlineExceeded):
			http.Error(w, ErrCodeInternal, http.StatusInternalServerError)
		case err != nil:
			log.Printf("[relay] publish bundle user=%s: %v", userID, err)
			http.Error(w, ErrCodeInternal, http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// HealthHandler answers load balancer checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
