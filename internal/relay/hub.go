// Package relay is the store-and-forward core of the server: it
// authenticates connections, persists ciphertext envelopes, forwards them
// to live recipients, drains backlogs on reconnect and serves the prekey
// directory over the frame transport. It never decrypts anything.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chai-im/chai/internal/db"
	"github.com/chai-im/chai/internal/metrics"
	"github.com/chai-im/chai/internal/prekeys"
	"github.com/chai-im/chai/internal/pubsub"
)

// dbTimeout bounds every store call made on behalf of one frame.
const dbTimeout = 5 * time.Second

// MessageStore is the persistence the hub needs; *db.PostgresDB satisfies
// it in production.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *db.Message) error
	GetUndelivered(ctx context.Context, recipient uuid.UUID) ([]*db.Message, error)
	MarkDelivered(ctx context.Context, recipient uuid.UUID, ids []uuid.UUID, at time.Time) error
}

// Hub owns the user -> connection registry and all frame handling.
// Policy: single device per account, latest wins; an older connection for
// the same user is closed with reason Replaced.
type Hub struct {
	relayID string

	store     MessageStore
	directory prekeys.Directory

	// redis is nil in single-relay deployments; routing is then purely
	// local.
	redis *pubsub.RedisClient

	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn

	// now is injected for reproducible tests.
	now func() time.Time
}

// NewHub creates a hub. redis may be nil.
func NewHub(relayID string, store MessageStore, directory prekeys.Directory, redis *pubsub.RedisClient) *Hub {
	return &Hub{
		relayID:   relayID,
		store:     store,
		directory: directory,
		redis:     redis,
		conns:     make(map[uuid.UUID]*Conn),
		now:       time.Now,
	}
}

// SetClock overrides the hub clock (tests only).
func (h *Hub) SetClock(now func() time.Time) { h.now = now }

// Attach registers a verified connection, closes any predecessor, drains
// the user's backlog ahead of live traffic and starts the pumps.
func (h *Hub) Attach(c *Conn) {
	h.mu.Lock()
	old := h.conns[c.UserID]
	delete(h.conns, c.UserID)
	h.mu.Unlock()

	if old != nil {
		metrics.ReplacedCloses.Inc()
		old.closeWith(CloseReplaced)
	}

	// First sweep before the connection becomes routable, so every
	// envelope addressed to the user while offline precedes live traffic.
	h.drain(c)

	h.mu.Lock()
	// Two attaches for the same user can race past the early close; the
	// one that registers last wins and evicts whatever it finds.
	if prev := h.conns[c.UserID]; prev != nil && prev != c {
		metrics.ReplacedCloses.Inc()
		go prev.closeWith(CloseReplaced)
	}
	h.conns[c.UserID] = c
	h.mu.Unlock()
	metrics.Connections.WithLabelValues(h.relayID).Inc()

	if h.redis != nil {
		if err := h.redis.RegisterConnection(c.UserID, h.relayID); err != nil {
			log.Printf("[relay] redis register user=%s: %v", c.UserID, err)
		}
	}

	// Second sweep catches envelopes persisted between the first sweep and
	// registration; inflight tracking keeps it from re-sending sweep one.
	h.drain(c)

	log.Printf("[relay] attached user=%s relay=%s", c.UserID, h.relayID)

	go c.writePump()
	go c.readPump()
}

// detach removes a connection if it is still the user's current one.
func (h *Hub) detach(c *Conn) {
	h.mu.Lock()
	current := h.conns[c.UserID] == c
	if current {
		delete(h.conns, c.UserID)
	}
	h.mu.Unlock()

	// Every attached connection detaches exactly once, replaced or not.
	metrics.Connections.WithLabelValues(h.relayID).Dec()
	if !current {
		return
	}
	if h.redis != nil {
		h.redis.UnregisterConnection(c.UserID, h.relayID)
	}
	log.Printf("[relay] detached user=%s reason=%s", c.UserID, c.closeReason)
}

// touch refreshes liveness bookkeeping on pong.
func (h *Hub) touch(c *Conn) {
	if h.redis != nil {
		h.redis.RefreshConnection(c.UserID)
	}
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[uuid.UUID]*Conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith("")
	}
}

func (h *Hub) local(user uuid.UUID) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[user]
}

func (h *Hub) closeForBackpressure(c *Conn) {
	metrics.BackpressureCloses.Inc()
	log.Printf("[relay] backpressure close user=%s", c.UserID)
	c.closeWith(CloseBackpressure)
}

// dispatch routes one inbound frame.
func (h *Hub) dispatch(c *Conn, frame *Frame) {
	metrics.FramesTotal.WithLabelValues(h.relayID, frame.Type, "in").Inc()

	switch frame.Type {
	case FramePing:
		c.enqueueFrame(FramePong, nil)

	case FrameSendMessage:
		var p SendMessagePayload
		if !decodePayload(c, frame, &p) {
			return
		}
		h.handleSend(c, &p)

	case FrameAckMessages:
		var p AckMessagesPayload
		if !decodePayload(c, frame, &p) {
			return
		}
		h.handleAck(c, &p)

	case FrameGetPrekeyBundle:
		var p GetPrekeyBundlePayload
		if !decodePayload(c, frame, &p) {
			return
		}
		h.handleGetBundle(c, &p)

	case FrameUploadPrekeys:
		var p UploadPrekeysPayload
		if !decodePayload(c, frame, &p) {
			return
		}
		h.handleUpload(c, &p)

	default:
		c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeBadFrame, Message: "unknown frame type " + frame.Type})
	}
}

func decodePayload(c *Conn, frame *Frame, dst interface{}) bool {
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeBadFrame, Message: "malformed " + frame.Type + " payload"})
		return false
	}
	return true
}

// handleSend persists the envelope, acks the sender, then routes.
func (h *Hub) handleSend(c *Conn, p *SendMessagePayload) {
	if p.RecipientID == uuid.Nil || len(p.Ciphertext) == 0 {
		c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeBadFrame, Message: "missing recipient or ciphertext"})
		return
	}

	msg := &db.Message{
		ID:          uuid.New(),
		SenderID:    c.UserID,
		RecipientID: p.RecipientID,
		Ciphertext:  p.Ciphertext,
		MessageType: p.MessageType,
		CreatedAt:   h.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := h.store.SaveMessage(ctx, msg); err != nil {
		log.Printf("[relay] persist message from user=%s: %v", c.UserID, err)
		c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeInternal, Message: "message not accepted"})
		return
	}
	metrics.MessagesStored.Inc()

	// Persisted is the contract for MessageSent; delivery is best-effort
	// from here.
	c.enqueueFrame(FrameMessageSent, &MessageSentPayload{MessageID: msg.ID})

	if h.deliverLocal(msg) {
		metrics.MessagesDelivered.WithLabelValues("live").Inc()
		return
	}
	if h.redis != nil {
		if relayID, ok := h.redis.LocateUser(msg.RecipientID); ok && relayID != h.relayID {
			if frame := encodeMessageFrame(msg); frame != nil {
				if err := h.redis.ForwardFrame(relayID, msg.RecipientID, frame); err != nil {
					log.Printf("[relay] forward to %s: %v", relayID, err)
				}
			}
		}
	}
	// Recipient offline: the record stays undelivered until they attach.
}

// deliverLocal enqueues a Message frame when the recipient is attached to
// this relay.
func (h *Hub) deliverLocal(msg *db.Message) bool {
	rc := h.local(msg.RecipientID)
	if rc == nil {
		return false
	}
	rc.markInflight(msg.ID)
	rc.enqueueFrame(FrameMessage, messagePayload(msg))
	return true
}

// HandleForwarded delivers a frame forwarded by another relay instance.
func (h *Hub) HandleForwarded(fwd *pubsub.ForwardedFrame) {
	rc := h.local(fwd.RecipientID)
	if rc == nil {
		return
	}
	var frame Frame
	if err := json.Unmarshal(fwd.Frame, &frame); err != nil {
		log.Printf("[relay] malformed forwarded frame for user=%s: %v", fwd.RecipientID, err)
		return
	}
	if frame.Type == FrameMessage {
		var p MessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err == nil {
			rc.markInflight(p.MessageID)
		}
		metrics.MessagesDelivered.WithLabelValues("live").Inc()
	}
	if !rc.enqueue(fwd.Frame) {
		h.closeForBackpressure(rc)
	}
}

// handleAck stamps delivered_at. Acking an already-acked id is a no-op.
func (h *Hub) handleAck(c *Conn, p *AckMessagesPayload) {
	if len(p.MessageIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := h.store.MarkDelivered(ctx, c.UserID, p.MessageIDs, h.now().UTC()); err != nil {
		log.Printf("[relay] mark delivered user=%s: %v", c.UserID, err)
		c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeInternal, Message: "ack not recorded"})
		return
	}
	c.clearInflight(p.MessageIDs)
}

// drain sends the user's undelivered backlog in created_at order.
// Interrupted drains leave delivered_at NULL; the next attach resumes.
func (h *Hub) drain(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	backlog, err := h.store.GetUndelivered(ctx, c.UserID)
	if err != nil {
		log.Printf("[relay] drain user=%s: %v", c.UserID, err)
		c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeInternal, Message: "backlog unavailable"})
		return
	}
	for _, msg := range backlog {
		if c.isInflight(msg.ID) {
			continue
		}
		c.markInflight(msg.ID)
		c.enqueueFrame(FrameMessage, messagePayload(msg))
		metrics.MessagesDelivered.WithLabelValues("drain").Inc()
	}
}

// handleGetBundle serves a prekey bundle and nudges the owner after every
// fetch that leaves their pool below the low watermark.
func (h *Hub) handleGetBundle(c *Conn, p *GetPrekeyBundlePayload) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	rec, remaining, err := h.directory.FetchBundle(ctx, p.UserID)
	switch {
	case errors.Is(err, prekeys.ErrUnknownUser):
		c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeUnknownUser, Message: "no bundle published"})
		return
	case err != nil:
		log.Printf("[relay] fetch bundle for %s: %v", p.UserID, err)
		c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeInternal, Message: "bundle unavailable"})
		return
	}

	payload := &PrekeyBundlePayload{
		UserID:                p.UserID,
		IdentityKey:           Bytes(rec.IdentityDH),
		IdentitySigningKey:    Bytes(rec.IdentitySigning),
		SignedPrekey:          Bytes(rec.SignedPrekey.Pub),
		SignedPrekeySignature: Bytes(rec.SignedPrekey.Signature),
		SignedPrekeyID:        rec.SignedPrekey.ID,
	}
	if rec.OneTime != nil {
		payload.OneTimePrekey = Bytes(rec.OneTime.Pub)
		id := rec.OneTime.ID
		payload.OneTimePrekeyID = &id
	}
	c.enqueueFrame(FramePrekeyBundle, payload)

	metrics.PrekeysRemaining.WithLabelValues(p.UserID.String()).Set(float64(remaining))
	if remaining < prekeys.LowWatermark {
		h.notifyLowPrekeys(p.UserID, remaining)
	}
}

// notifyLowPrekeys tells an online owner to replenish.
func (h *Hub) notifyLowPrekeys(owner uuid.UUID, remaining int) {
	payload := &LowPrekeysPayload{Remaining: remaining}
	if oc := h.local(owner); oc != nil {
		metrics.LowPrekeyNotices.Inc()
		oc.enqueueFrame(FrameLowPrekeys, payload)
		return
	}
	if h.redis != nil {
		if relayID, ok := h.redis.LocateUser(owner); ok && relayID != h.relayID {
			if f, err := NewFrame(FrameLowPrekeys, payload); err == nil {
				if data, err := f.Encode(); err == nil {
					metrics.LowPrekeyNotices.Inc()
					if err := h.redis.ForwardFrame(relayID, owner, data); err != nil {
						log.Printf("[relay] forward LowPrekeys to %s: %v", relayID, err)
					}
				}
			}
		}
	}
}

// handleUpload publishes a bundle and/or appends one-time prekeys for the
// connection's own user.
func (h *Hub) handleUpload(c *Conn, p *UploadPrekeysPayload) {
	otps := make([]prekeys.OneTimePrekeyRecord, 0, len(p.OneTimePrekeys))
	for _, otp := range p.OneTimePrekeys {
		otps = append(otps, prekeys.OneTimePrekeyRecord{ID: otp.PrekeyID, Pub: otp.PublicKey})
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	var err error
	if b := p.Bundle; b != nil {
		err = h.directory.PublishBundle(ctx, c.UserID, b.IdentityKey, b.IdentitySigningKey,
			prekeys.SignedPrekeyRecord{ID: b.SignedPrekeyID, Pub: b.SignedPrekey, Signature: b.SignedPrekeySignature},
			otps)
	} else {
		err = h.directory.AppendOneTimePrekeys(ctx, c.UserID, otps)
	}

	switch {
	case errors.Is(err, prekeys.ErrBadSignature):
		c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeBadSignature, Message: "signed prekey signature rejected"})
	case err != nil:
		log.Printf("[relay] upload prekeys user=%s: %v", c.UserID, err)
		c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeInternal, Message: "prekeys not stored"})
	default:
		if n, err := h.directory.RemainingOneTimePrekeys(ctx, c.UserID); err == nil {
			metrics.PrekeysRemaining.WithLabelValues(c.UserID.String()).Set(float64(n))
		}
	}
}

func messagePayload(msg *db.Message) *MessagePayload {
	return &MessagePayload{
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		Ciphertext:  Bytes(msg.Ciphertext),
		MessageType: msg.MessageType,
		CreatedAt:   msg.CreatedAt,
	}
}

func encodeMessageFrame(msg *db.Message) []byte {
	f, err := NewFrame(FrameMessage, messagePayload(msg))
	if err != nil {
		return nil
	}
	data, err := f.Encode()
	if err != nil {
		return nil
	}
	return data
}
