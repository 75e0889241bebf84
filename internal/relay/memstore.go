package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chai-im/chai/internal/db"
)

// MemoryStore is a MessageStore for tests and single-process loopback
// runs. Semantics mirror the Postgres store: arrival-ordered undelivered
// scans and idempotent delivery marking.
type MemoryStore struct {
	mu       sync.Mutex
	messages []*db.Message
	seq      int
	order    map[uuid.UUID]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{order: make(map[uuid.UUID]int)}
}

// SaveMessage persists an envelope.
func (s *MemoryStore) SaveMessage(_ context.Context, msg *db.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *msg
	copied.Ciphertext = append([]byte(nil), msg.Ciphertext...)
	s.messages = append(s.messages, &copied)
	s.order[msg.ID] = s.seq
	s.seq++
	return nil
}

// GetUndelivered returns undelivered envelopes in arrival order.
func (s *MemoryStore) GetUndelivered(_ context.Context, recipient uuid.UUID) ([]*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Message
	for _, m := range s.messages {
		if m.RecipientID == recipient && m.DeliveredAt == nil {
			copied := *m
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out, nil
}

// MarkDelivered stamps delivered_at; re-acks are a no-op.
func (s *MemoryStore) MarkDelivered(_ context.Context, recipient uuid.UUID, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, m := range s.messages {
		if want[m.ID] && m.RecipientID == recipient && m.DeliveredAt == nil {
			t := at
			m.DeliveredAt = &t
		}
	}
	return nil
}

// Undelivered counts the recipient's pending envelopes.
func (s *MemoryStore) Undelivered(recipient uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.RecipientID == recipient && m.DeliveredAt == nil {
			n++
		}
	}
	return n
}

// DeliveredAt reports the delivery stamp for an envelope id.
func (s *MemoryStore) DeliveredAt(id uuid.UUID) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m.DeliveredAt
		}
	}
	return nil
}
