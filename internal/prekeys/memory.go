package prekeys

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryDirectory is a Directory for tests and single-process loopback
// runs. It enforces the same invariants as the Postgres directory, with a
// mutex standing in for row locks.
type MemoryDirectory struct {
	mu    sync.Mutex
	users map[uuid.UUID]*memoryUser
}

type memoryUser struct {
	identityDH      []byte
	identitySigning []byte
	spk             SignedPrekeyRecord
	otps            []memoryOTP
}

type memoryOTP struct {
	rec  OneTimePrekeyRecord
	used bool
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[uuid.UUID]*memoryUser)}
}

// PublishBundle replaces the user's bundle and appends the prekeys.
func (d *MemoryDirectory) PublishBundle(_ context.Context, user uuid.UUID, identityDH, identitySigning []byte, spk SignedPrekeyRecord, otps []OneTimePrekeyRecord) error {
	if err := verifyPublish(identitySigning, spk); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[user]
	if !ok {
		u = &memoryUser{}
		d.users[user] = u
	}
	u.identityDH = append([]byte(nil), identityDH...)
	u.identitySigning = append([]byte(nil), identitySigning...)
	u.spk = SignedPrekeyRecord{
		ID:        spk.ID,
		Pub:       append([]byte(nil), spk.Pub...),
		Signature: append([]byte(nil), spk.Signature...),
	}
	appendMemoryOTPs(u, otps)
	return nil
}

// FetchBundle reads the bundle and consumes the oldest unused one-time
// prekey under the directory lock.
func (d *MemoryDirectory) FetchBundle(_ context.Context, user uuid.UUID) (*BundleRecord, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[user]
	if !ok {
		return nil, 0, ErrUnknownUser
	}
	rec := &BundleRecord{
		IdentityDH:      append([]byte(nil), u.identityDH...),
		IdentitySigning: append([]byte(nil), u.identitySigning...),
		SignedPrekey:    u.spk,
	}
	for i := range u.otps {
		if !u.otps[i].used {
			u.otps[i].used = true
			otp := u.otps[i].rec
			rec.OneTime = &otp
			break
		}
	}
	return rec, unusedCount(u), nil
}

// AppendOneTimePrekeys adds unused prekeys to the pool.
func (d *MemoryDirectory) AppendOneTimePrekeys(_ context.Context, user uuid.UUID, otps []OneTimePrekeyRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[user]
	if !ok {
		u = &memoryUser{}
		d.users[user] = u
	}
	appendMemoryOTPs(u, otps)
	return nil
}

// RemainingOneTimePrekeys counts the unused pool.
func (d *MemoryDirectory) RemainingOneTimePrekeys(_ context.Context, user uuid.UUID) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[user]
	if !ok {
		return 0, nil
	}
	return unusedCount(u), nil
}

func appendMemoryOTPs(u *memoryUser, otps []OneTimePrekeyRecord) {
	for _, otp := range otps {
		u.otps = append(u.otps, memoryOTP{rec: OneTimePrekeyRecord{
			ID:  otp.ID,
			Pub: append([]byte(nil), otp.Pub...),
		}})
	}
}

func unusedCount(u *memoryUser) int {
	n := 0
	for i := range u.otps {
		if !u.otps[i].used {
			n++
		}
	}
	return n
}
