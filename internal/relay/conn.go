package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second

	// pingPeriod is how often the relay pings an attached connection.
	pingPeriod = 30 * time.Second

	// pongWait allows two missed pongs before the read deadline expires.
	pongWait = 2*pingPeriod + 5*time.Second

	// sendQueueSize bounds the outbound queue per connection; overflow
	// closes the connection with Backpressure.
	sendQueueSize = 256
)

// Conn is one attached client connection. The hub owns registration; the
// pumps own the socket.
type Conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	UserID uuid.UUID

	// inflight tracks delivered-but-unacked message ids so a drain sweep
	// never re-sends them.
	inflightMu sync.Mutex
	inflight   map[uuid.UUID]bool

	closeOnce   sync.Once
	closeReason string
}

// newConn wraps an upgraded websocket for a verified user.
func newConn(hub *Hub, ws *websocket.Conn, userID uuid.UUID) *Conn {
	return &Conn{
		hub:      hub,
		ws:       ws,
		send:     make(chan []byte, sendQueueSize),
		UserID:   userID,
		inflight: make(map[uuid.UUID]bool),
	}
}

// enqueue queues a frame for the write pump. It reports false on
// overflow, in which case the hub closes the connection.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// enqueueFrame marshals and queues a typed frame; overflow triggers a
// backpressure close.
func (c *Conn) enqueueFrame(frameType string, payload interface{}) {
	f, err := NewFrame(frameType, payload)
	if err != nil {
		log.Printf("[relay] drop frame %s for user=%s: %v", frameType, c.UserID, err)
		return
	}
	data, err := f.Encode()
	if err != nil {
		log.Printf("[relay] drop frame %s for user=%s: %v", frameType, c.UserID, err)
		return
	}
	if !c.enqueue(data) {
		c.hub.closeForBackpressure(c)
	}
}

// closeWith records the close reason once and tears the socket down.
func (c *Conn) closeWith(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		if reason == "" {
			msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		}
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			log.Printf("[relay] close handshake for user=%s: %v", c.UserID, err)
		}
		c.ws.Close()
	})
}

func (c *Conn) markInflight(id uuid.UUID) {
	c.inflightMu.Lock()
	c.inflight[id] = true
	c.inflightMu.Unlock()
}

func (c *Conn) isInflight(id uuid.UUID) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return c.inflight[id]
}

func (c *Conn) clearInflight(ids []uuid.UUID) {
	c.inflightMu.Lock()
	for _, id := range ids {
		delete(c.inflight, id)
	}
	c.inflightMu.Unlock()
}

// readPump feeds inbound frames to the hub until the socket dies.
func (c *Conn) readPump() {
	defer func() {
		c.hub.detach(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(MaxFrameSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Warning: failed to set read deadline: %v", err)
	}
	c.ws.SetPongHandler(func(string) error {
		c.hub.touch(c)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("[relay] read error user=%s: %v", c.UserID, err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueueFrame(FrameError, &ErrorPayload{Code: ErrCodeBadFrame, Message: "malformed frame"})
			continue
		}
		c.hub.dispatch(c, &frame)
	}
}

// writePump drains the send queue and keeps the liveness pings flowing.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Warning: failed to set write deadline: %v", err)
			}
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("[relay] write error user=%s: %v", c.UserID, err)
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Warning: failed to set write deadline: %v", err)
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
