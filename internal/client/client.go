// Package client is the device-side connection state machine: it dials
// the relay, restores sessions from persistent storage, decrypts and acks
// the drained backlog, and reconnects with backoff when the link drops.
// All cryptography is delegated to the session manager.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chai-im/chai/internal/keys"
	"github.com/chai-im/chai/internal/prekeys"
	"github.com/chai-im/chai/internal/relay"
	"github.com/chai-im/chai/internal/session"
	"github.com/chai-im/chai/internal/store"
)

// State is the connection lifecycle: Disconnected -> Connecting ->
// Connected -> Disconnected.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// backoffSchedule is the reconnect delay ladder; the last entry repeats.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

var (
	// ErrDisconnected rejects sends while the link is down. Nothing is
	// queued; the caller decides whether to retry.
	ErrDisconnected = errors.New("chai: not connected")
)

// bundleWaitTimeout bounds a GetPrekeyBundle round trip.
const bundleWaitTimeout = 15 * time.Second

// Handlers are the application callbacks. All of them are optional and
// are invoked from the connection goroutine.
type Handlers struct {
	// OnMessage receives a decrypted message.
	OnMessage func(sender uuid.UUID, messageID uuid.UUID, plaintext []byte)

	// OnUndecryptable receives the envelope id of a message that failed
	// to decrypt; the message is never silently dropped.
	OnUndecryptable func(sender uuid.UUID, messageID uuid.UUID, err error)

	// OnStateChange observes lifecycle transitions.
	OnStateChange func(State)

	// OnWarning receives per-peer session restore failures and other
	// non-fatal conditions.
	OnWarning func(msg string)
}

// Client connects one device to the relay.
type Client struct {
	url   string
	token string

	mgr *session.Manager
	db  *store.Store

	handlers Handlers

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	pending map[uuid.UUID]chan *relay.PrekeyBundlePayload

	// sleep is injected for tests.
	sleep func(time.Duration)
}

// New creates a client around an unlocked session manager and its store.
func New(url, token string, mgr *session.Manager, db *store.Store, handlers Handlers) *Client {
	return &Client{
		url:      url,
		token:    token,
		mgr:      mgr,
		db:       db,
		handlers: handlers,
		pending:  make(map[uuid.UUID]chan *relay.PrekeyBundlePayload),
		sleep:    time.Sleep,
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(s)
	}
}

func (c *Client) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[client] %s", msg)
	if c.handlers.OnWarning != nil {
		c.handlers.OnWarning(msg)
	}
}

// Run drives the connection until ctx is cancelled, reconnecting with
// backoff. It returns only on cancellation.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(Connecting)
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url+"?token="+c.token, nil)
		if err != nil {
			c.setState(Disconnected)
			delay := backoffSchedule[min(attempt, len(backoffSchedule)-1)]
			attempt++
			c.warn("connect failed (attempt %d, retrying in %s): %v", attempt, delay, err)
			select {
			case <-ctx.Done():
				return
			default:
				c.sleep(delay)
			}
			continue
		}
		attempt = 0

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()

		c.restoreSessions()
		c.setState(Connected)

		c.readLoop(ctx, ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		c.setState(Disconnected)
	}
}

// restoreSessions loads every stored session. Failures are per-peer
// warnings, never fatal.
func (c *Client) restoreSessions() {
	peers, err := c.db.Peers()
	if err != nil {
		c.warn("session restore: %v", err)
		return
	}
	for _, peer := range peers {
		if c.mgr.HasSession(peer) {
			continue
		}
		blob, err := c.db.LoadSession(peer)
		if err != nil || blob == nil {
			c.warn("session restore for peer %s: %v", peer, err)
			continue
		}
		if err := c.mgr.ImportSession(peer, blob); err != nil {
			c.warn("session restore for peer %s: %v", peer, err)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadLimit(relay.MaxFrameSize)
	for {
		if ctx.Err() != nil {
			ws.Close()
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame relay.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.warn("malformed frame from relay: %v", err)
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *relay.Frame) {
	switch frame.Type {
	case relay.FramePong:

	case relay.FrameMessage:
		var p relay.MessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.warn("malformed Message payload: %v", err)
			return
		}
		c.handleMessage(&p)

	case relay.FrameMessageSent:

	case relay.FramePrekeyBundle:
		var p relay.PrekeyBundlePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.warn("malformed PrekeyBundle payload: %v", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[p.UserID]
		delete(c.pending, p.UserID)
		c.mu.Unlock()
		if ok {
			ch <- &p
		}

	case relay.FrameLowPrekeys:
		var p relay.LowPrekeysPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		if err := c.replenishPrekeys(p.Remaining); err != nil {
			c.warn("prekey replenishment: %v", err)
		}

	case relay.FrameError:
		var p relay.ErrorPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		c.warn("relay error %s: %s", p.Code, p.Message)
	}
}

// handleMessage decrypts, persists the advanced session, acks, and hands
// the plaintext up. A failed decrypt is acked too: the envelope was
// consumed, and the application shows a placeholder for it.
func (c *Client) handleMessage(p *relay.MessagePayload) {
	peer := p.SenderID.String()
	pt, err := c.mgr.Decrypt(peer, p.Ciphertext)
	if err != nil {
		if c.handlers.OnUndecryptable != nil {
			c.handlers.OnUndecryptable(p.SenderID, p.MessageID, err)
		} else {
			c.warn("message %s from %s failed to decrypt: %v", p.MessageID, p.SenderID, err)
		}
	} else {
		c.persistSession(peer)
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(p.SenderID, p.MessageID, pt)
		}
	}
	if err := c.sendFrame(relay.FrameAckMessages, &relay.AckMessagesPayload{MessageIDs: []uuid.UUID{p.MessageID}}); err != nil {
		c.warn("ack for %s: %v", p.MessageID, err)
	}
}

func (c *Client) persistSession(peer string) {
	blob, err := c.mgr.ExportSession(peer)
	if err != nil {
		c.warn("persist session for peer %s: %v", peer, err)
		return
	}
	if err := c.db.SaveSession(peer, blob); err != nil {
		c.warn("persist session for peer %s: %v", peer, err)
	}
}

// sendFrame writes one frame; it fails immediately when disconnected.
func (c *Client) sendFrame(frameType string, payload interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrDisconnected
	}
	f, err := relay.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrDisconnected
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Send encrypts plaintext for the peer and submits it. A session must
// exist (EnsureSession establishes one); sends while disconnected fail
// immediately.
func (c *Client) Send(peer uuid.UUID, plaintext []byte) error {
	if c.State() != Connected {
		return ErrDisconnected
	}
	envelope, err := c.mgr.Encrypt(peer.String(), plaintext)
	if err != nil {
		return err
	}
	c.persistSession(peer.String())
	return c.sendFrame(relay.FrameSendMessage, &relay.SendMessagePayload{
		RecipientID: peer,
		Ciphertext:  envelope,
	})
}

// EnsureSession fetches the peer's bundle and runs X3DH when no session
// exists yet.
func (c *Client) EnsureSession(ctx context.Context, peer uuid.UUID) error {
	if c.mgr.HasSession(peer.String()) {
		return nil
	}

	ch := make(chan *relay.PrekeyBundlePayload, 1)
	c.mu.Lock()
	c.pending[peer] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, peer)
		c.mu.Unlock()
	}()

	if err := c.sendFrame(relay.FrameGetPrekeyBundle, &relay.GetPrekeyBundlePayload{UserID: peer}); err != nil {
		return err
	}

	var p *relay.PrekeyBundlePayload
	select {
	case p = <-ch:
	case <-time.After(bundleWaitTimeout):
		return errors.New("chai: timed out waiting for prekey bundle")
	case <-ctx.Done():
		return ctx.Err()
	}

	bundle, err := bundleFromPayload(p)
	if err != nil {
		return err
	}
	if err := c.mgr.InitSession(peer.String(), bundle); err != nil {
		return err
	}
	c.persistSession(peer.String())
	return nil
}

// PublishKeys uploads the current bundle plus target freshly minted
// one-time prekeys; the relay's remaining pool size is not consulted.
func (c *Client) PublishKeys(target int) error {
	otps, err := c.mgr.GenerateOneTimePrekeys(target)
	if err != nil {
		return err
	}
	bundle := c.mgr.GeneratePrekeyBundle()
	payload := &relay.UploadPrekeysPayload{
		Bundle: &relay.UploadedBundle{
			IdentityKey:           bundle.IdentityDH[:],
			IdentitySigningKey:    relay.Bytes(bundle.IdentitySigning),
			SignedPrekey:          bundle.SignedPrekey[:],
			SignedPrekeySignature: bundle.SignedPrekeySig,
			SignedPrekeyID:        bundle.SignedPrekeyID,
		},
	}
	for _, otp := range otps {
		payload.OneTimePrekeys = append(payload.OneTimePrekeys, relay.UploadedPrekey{
			PrekeyID:  otp.ID,
			PublicKey: otp.Pub[:],
		})
	}
	if err := c.sendFrame(relay.FrameUploadPrekeys, payload); err != nil {
		return err
	}
	return c.saveIdentity()
}

// replenishPrekeys responds to a LowPrekeys nudge by minting back up to
// the replenish target.
func (c *Client) replenishPrekeys(remaining int) error {
	n := prekeys.ReplenishTarget - remaining
	if n < keys.DefaultOneTimeBatch {
		n = keys.DefaultOneTimeBatch
	}
	otps, err := c.mgr.GenerateOneTimePrekeys(n)
	if err != nil {
		return err
	}
	payload := &relay.UploadPrekeysPayload{}
	for _, otp := range otps {
		payload.OneTimePrekeys = append(payload.OneTimePrekeys, relay.UploadedPrekey{
			PrekeyID:  otp.ID,
			PublicKey: otp.Pub[:],
		})
	}
	if err := c.sendFrame(relay.FrameUploadPrekeys, payload); err != nil {
		return err
	}
	return c.saveIdentity()
}

// saveIdentity persists the ring after key material changes (new one-time
// prekeys, rotations).
func (c *Client) saveIdentity() error {
	blob, err := c.mgr.ExportIdentity()
	if err != nil {
		return err
	}
	return c.db.SaveIdentity(blob)
}

func bundleFromPayload(p *relay.PrekeyBundlePayload) (*keys.Bundle, error) {
	if len(p.IdentityKey) != 32 || len(p.SignedPrekey) != 32 {
		return nil, keys.ErrInvalidBundle
	}
	b := &keys.Bundle{
		IdentitySigning: []byte(p.IdentitySigningKey),
		SignedPrekeyID:  p.SignedPrekeyID,
		SignedPrekeySig: p.SignedPrekeySignature,
	}
	copy(b.IdentityDH[:], p.IdentityKey)
	copy(b.SignedPrekey[:], p.SignedPrekey)
	if p.OneTimePrekeyID != nil && len(p.OneTimePrekey) == 32 {
		var otp [32]byte
		copy(otp[:], p.OneTimePrekey)
		id := *p.OneTimePrekeyID
		b.OneTimePrekey = &otp
		b.OneTimePrekeyID = &id
	}
	return b, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
