package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxFrameSize caps any single frame on the wire.
const MaxFrameSize = 1 << 20

// Frame types. The transport carries tagged JSON documents
// {"type": <string>, "payload": <object|null>}.
const (
	// Client -> server
	FramePing            = "Ping"
	FrameSendMessage     = "SendMessage"
	FrameGetPrekeyBundle = "GetPrekeyBundle"
	FrameAckMessages     = "AckMessages"
	FrameUploadPrekeys   = "UploadPrekeys"

	// Server -> client
	FramePong         = "Pong"
	FrameMessage      = "Message"
	FrameMessageSent  = "MessageSent"
	FramePrekeyBundle = "PrekeyBundle"
	FrameLowPrekeys   = "LowPrekeys"
	FrameError        = "Error"
)

// Error codes carried by Error frames.
const (
	ErrCodeBadSignature = "BadSignature"
	ErrCodeBadFrame     = "BadFrame"
	ErrCodeUnknownUser  = "UnknownUser"
	ErrCodeInternal     = "Internal"
)

// Close reasons surfaced to clients when the relay drops a connection.
const (
	CloseReplaced     = "Replaced"
	CloseBackpressure = "Backpressure"
)

// Frame is the wire envelope for every message on the transport.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame around a payload struct.
func NewFrame(frameType string, payload interface{}) (*Frame, error) {
	f := &Frame{Type: frameType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Encode serializes the frame.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Bytes is binary data encoded as a JSON array of byte values, matching
// the transport's wire contract. Base64 strings are accepted on decode
// for compatibility.
type Bytes []byte

// MarshalJSON encodes as an array of numbers.
func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]uint16, len(b))
	for i, v := range b {
		out[i] = uint16(v)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts an array of byte values or a base64 string.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s []byte
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = s
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte value %d out of range", n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// SendMessagePayload asks the relay to store and forward an envelope.
// MessageType is the only content field the relay ever reads.
type SendMessagePayload struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Ciphertext  Bytes     `json:"ciphertext"`
	MessageType int       `json:"message_type"`
}

// MessageSentPayload acknowledges persistence (not delivery) to the sender.
type MessageSentPayload struct {
	MessageID uuid.UUID `json:"message_id"`
}

// MessagePayload delivers a stored envelope to its recipient.
type MessagePayload struct {
	MessageID   uuid.UUID `json:"message_id"`
	SenderID    uuid.UUID `json:"sender_id"`
	Ciphertext  Bytes     `json:"ciphertext"`
	MessageType int       `json:"message_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// AckMessagesPayload marks delivered envelopes. Re-acked ids are a no-op.
type AckMessagesPayload struct {
	MessageIDs []uuid.UUID `json:"message_ids"`
}

// GetPrekeyBundlePayload requests another user's bundle.
type GetPrekeyBundlePayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// PrekeyBundlePayload carries a fetched bundle. OneTimePrekey fields are
// absent when the target's pool is empty.
type PrekeyBundlePayload struct {
	UserID                uuid.UUID `json:"user_id"`
	IdentityKey           Bytes     `json:"identity_key"`
	IdentitySigningKey    Bytes     `json:"identity_signing_key"`
	SignedPrekey          Bytes     `json:"signed_prekey"`
	SignedPrekeySignature Bytes     `json:"signed_prekey_signature"`
	SignedPrekeyID        uint32    `json:"signed_prekey_id"`
	OneTimePrekey         Bytes     `json:"one_time_prekey,omitempty"`
	OneTimePrekeyID       *uint32   `json:"one_time_prekey_id,omitempty"`
}

// UploadPrekeysPayload publishes a bundle and/or appends one-time prekeys.
type UploadPrekeysPayload struct {
	Bundle         *UploadedBundle  `json:"bundle,omitempty"`
	OneTimePrekeys []UploadedPrekey `json:"one_time_prekeys,omitempty"`
}

// UploadedBundle is the signed prekey half of a published bundle.
type UploadedBundle struct {
	IdentityKey           Bytes  `json:"identity_key"`
	IdentitySigningKey    Bytes  `json:"identity_signing_key"`
	SignedPrekey          Bytes  `json:"signed_prekey"`
	SignedPrekeySignature Bytes  `json:"signed_prekey_signature"`
	SignedPrekeyID        uint32 `json:"signed_prekey_id"`
}

// UploadedPrekey is one published one-time prekey.
type UploadedPrekey struct {
	PrekeyID  uint32 `json:"prekey_id"`
	PublicKey Bytes  `json:"public_key"`
}

// LowPrekeysPayload warns a user that their pool is running out.
type LowPrekeysPayload struct {
	Remaining int `json:"remaining"`
}

// ErrorPayload reports a failed frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
