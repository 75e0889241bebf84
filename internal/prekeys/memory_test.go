package prekeys

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chai-im/chai/internal/keys"
)

func publishFor(t *testing.T, d Directory, user uuid.UUID, numOTPs int) *keys.Ring {
	t.Helper()
	id, err := keys.NewIdentity()
	require.NoError(t, err)
	ring, err := keys.NewRing(id)
	require.NoError(t, err)

	otps, err := ring.MintOneTimePrekeys(numOTPs)
	require.NoError(t, err)
	recs := make([]OneTimePrekeyRecord, 0, len(otps))
	for _, otp := range otps {
		recs = append(recs, OneTimePrekeyRecord{ID: otp.ID, Pub: otp.Pub[:]})
	}

	spk := ring.CurrentSignedPrekey()
	err = d.PublishBundle(context.Background(), user,
		id.DHPub[:], id.SigningPub,
		SignedPrekeyRecord{ID: spk.ID, Pub: spk.Pub[:], Signature: spk.Signature},
		recs)
	require.NoError(t, err)
	return ring
}

func TestPublishAndFetch(t *testing.T) {
	d := NewMemoryDirectory()
	user := uuid.New()
	publishFor(t, d, user, 2)

	rec, remaining, err := d.FetchBundle(context.Background(), user)
	require.NoError(t, err)
	require.NotNil(t, rec.OneTime)
	assert.Equal(t, 1, remaining)
	assert.Len(t, rec.IdentityDH, 32)

	// Second fetch consumes the second prekey; third gets none but still
	// the signed prekey.
	rec2, remaining, err := d.FetchBundle(context.Background(), user)
	require.NoError(t, err)
	require.NotNil(t, rec2.OneTime)
	assert.NotEqual(t, rec.OneTime.ID, rec2.OneTime.ID)
	assert.Equal(t, 0, remaining)

	rec3, remaining, err := d.FetchBundle(context.Background(), user)
	require.NoError(t, err)
	assert.Nil(t, rec3.OneTime)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, rec.SignedPrekey.ID, rec3.SignedPrekey.ID)
}

func TestFetchUnknownUser(t *testing.T) {
	d := NewMemoryDirectory()
	_, _, err := d.FetchBundle(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestPublishRejectsBadSignature(t *testing.T) {
	d := NewMemoryDirectory()
	user := uuid.New()

	id, err := keys.NewIdentity()
	require.NoError(t, err)
	ring, err := keys.NewRing(id)
	require.NoError(t, err)
	spk := ring.CurrentSignedPrekey()

	badSig := append([]byte(nil), spk.Signature...)
	badSig[0] ^= 0x01
	err = d.PublishBundle(context.Background(), user,
		id.DHPub[:], id.SigningPub,
		SignedPrekeyRecord{ID: spk.ID, Pub: spk.Pub[:], Signature: badSig},
		nil)
	assert.ErrorIs(t, err, ErrBadSignature)

	// No state was created by the rejected publish.
	_, _, err = d.FetchBundle(context.Background(), user)
	assert.ErrorIs(t, err, ErrUnknownUser)

	// A signing key of the wrong size is rejected the same way.
	err = d.PublishBundle(context.Background(), user,
		id.DHPub[:], []byte("short"),
		SignedPrekeyRecord{ID: spk.ID, Pub: spk.Pub[:], Signature: spk.Signature},
		nil)
	assert.ErrorIs(t, err, ErrBadSignature)
}

// Concurrent fetches must never hand out the same one-time prekey, and
// the consumed count must equal the number of fetches that got one.
func TestConcurrentFetchUniqueness(t *testing.T) {
	d := NewMemoryDirectory()
	user := uuid.New()
	const numOTPs = 20
	const fetchers = 50
	publishFor(t, d, user, numOTPs)

	var mu sync.Mutex
	seen := make(map[uint32]int)
	withOTP := 0

	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, _, err := d.FetchBundle(context.Background(), user)
			if err != nil {
				return
			}
			if rec.OneTime != nil {
				mu.Lock()
				seen[rec.OneTime.ID]++
				withOTP++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, numOTPs, withOTP, "every prekey is handed out exactly once")
	for id, count := range seen {
		assert.Equal(t, 1, count, "prekey %d returned more than once", id)
	}
	remaining, err := d.RemainingOneTimePrekeys(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestAppendAndWatermarks(t *testing.T) {
	d := NewMemoryDirectory()
	user := uuid.New()
	ring := publishFor(t, d, user, 12)

	// Twelve fetches drop the pool below the watermark at consumption
	// three (remaining 9).
	crossedAt := -1
	for i := 0; i < 12; i++ {
		_, remaining, err := d.FetchBundle(context.Background(), user)
		require.NoError(t, err)
		if crossedAt == -1 && remaining < LowWatermark {
			crossedAt = i
		}
	}
	assert.Equal(t, 2, crossedAt, "pool of 12 dips below 10 on the third fetch")

	// Replenishment restores the pool.
	otps, err := ring.MintOneTimePrekeys(ReplenishTarget)
	require.NoError(t, err)
	recs := make([]OneTimePrekeyRecord, 0, len(otps))
	for _, otp := range otps {
		recs = append(recs, OneTimePrekeyRecord{ID: otp.ID, Pub: otp.Pub[:]})
	}
	require.NoError(t, d.AppendOneTimePrekeys(context.Background(), user, recs))

	remaining, err := d.RemainingOneTimePrekeys(context.Background(), user)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, remaining, 20)
}
