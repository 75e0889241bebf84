package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chai-im/chai/internal/auth"
	"github.com/chai-im/chai/internal/prekeys"
	"github.com/chai-im/chai/internal/relay"
	"github.com/chai-im/chai/internal/session"
	"github.com/chai-im/chai/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type harness struct {
	server    *httptest.Server
	store     *relay.MemoryStore
	directory *prekeys.MemoryDirectory
	verifier  *auth.Verifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	verifier, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)

	msgStore := relay.NewMemoryStore()
	directory := prekeys.NewMemoryDirectory()
	hub := relay.NewHub("relay-test", msgStore, directory, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.WebSocketHandler(hub, verifier))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &harness{server: server, store: msgStore, directory: directory, verifier: verifier}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
}

// waitPublished blocks until the user's prekeys are visible in the
// directory; uploads are processed asynchronously by the hub.
func (h *harness) waitPublished(t *testing.T, user uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := h.directory.RemainingOneTimePrekeys(context.Background(), user)
		return err == nil && n > 0
	}, 5*time.Second, 20*time.Millisecond)
}

type received struct {
	sender    uuid.UUID
	plaintext string
}

type testPeer struct {
	id     uuid.UUID
	client *Client
	mgr    *session.Manager

	mu    sync.Mutex
	inbox []received
}

func (p *testPeer) messages() []received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]received(nil), p.inbox...)
}

// newPeer brings a connected client online with a fresh identity.
func newPeer(t *testing.T, h *harness, ctx context.Context) *testPeer {
	t.Helper()
	p := &testPeer{id: uuid.New()}

	mgr, err := session.NewManager()
	require.NoError(t, err)
	p.mgr = mgr

	db, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	token, err := h.verifier.Mint(p.id)
	require.NoError(t, err)

	p.client = New(h.wsURL(), token, mgr, db, Handlers{
		OnMessage: func(sender uuid.UUID, _ uuid.UUID, plaintext []byte) {
			p.mu.Lock()
			p.inbox = append(p.inbox, received{sender: sender, plaintext: string(plaintext)})
			p.mu.Unlock()
		},
	})
	go p.client.Run(ctx)

	require.Eventually(t, func() bool { return p.client.State() == Connected },
		5*time.Second, 20*time.Millisecond)
	return p
}

// TestFirstContactEndToEnd walks the full S1 flow: publish, fetch,
// X3DH, send, decrypt.
func TestFirstContactEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob := newPeer(t, h, ctx)
	require.NoError(t, bob.client.PublishKeys(20))
	h.waitPublished(t, bob.id)

	alice := newPeer(t, h, ctx)
	require.NoError(t, alice.client.EnsureSession(ctx, bob.id))
	require.NoError(t, alice.client.Send(bob.id, []byte("hello")))

	require.Eventually(t, func() bool { return len(bob.messages()) == 1 },
		5*time.Second, 20*time.Millisecond)
	got := bob.messages()[0]
	assert.Equal(t, alice.id, got.sender)
	assert.Equal(t, "hello", got.plaintext)

	// Bob replies through the session the initial envelope established.
	require.NoError(t, bob.client.Send(alice.id, []byte("hi back")))
	require.Eventually(t, func() bool { return len(alice.messages()) == 1 },
		5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "hi back", alice.messages()[0].plaintext)
}

func TestConversationSurvivesReconnect(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bob's first process gets its own context so it stays down once the
	// replacement attaches.
	bobCtx, bobCancel := context.WithCancel(ctx)
	bob := newPeer(t, h, bobCtx)
	require.NoError(t, bob.client.PublishKeys(20))
	h.waitPublished(t, bob.id)

	alice := newPeer(t, h, ctx)
	require.NoError(t, alice.client.EnsureSession(ctx, bob.id))
	require.NoError(t, alice.client.Send(bob.id, []byte("one")))
	require.Eventually(t, func() bool { return len(bob.messages()) == 1 },
		5*time.Second, 20*time.Millisecond)
	bobCancel()

	// A second client process for bob: same identity, a fresh store seeded
	// with bob's exported blobs, fresh manager, sessions restored from disk
	// on connect.
	// (The first connection is replaced under the latest-wins policy.)
	bobStoreDir := t.TempDir()
	db2, err := store.Open(filepath.Join(bobStoreDir, "client.db"))
	require.NoError(t, err)
	defer db2.Close()

	// Export bob's state the way a restart would find it.
	idBlob, err := bob.mgr.ExportIdentity()
	require.NoError(t, err)
	require.NoError(t, db2.SaveIdentity(idBlob))
	sessBlob, err := bob.mgr.ExportSession(alice.id.String())
	require.NoError(t, err)
	require.NoError(t, db2.SaveSession(alice.id.String(), sessBlob))

	mgr2, err := session.FromBytes(idBlob)
	require.NoError(t, err)

	var mu sync.Mutex
	var inbox []string
	token, err := h.verifier.Mint(bob.id)
	require.NoError(t, err)
	bob2 := New(h.wsURL(), token, mgr2, db2, Handlers{
		OnMessage: func(_ uuid.UUID, _ uuid.UUID, plaintext []byte) {
			mu.Lock()
			inbox = append(inbox, string(plaintext))
			mu.Unlock()
		},
	})
	go bob2.Run(ctx)
	require.Eventually(t, func() bool { return bob2.State() == Connected },
		5*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.client.Send(bob.id, []byte("two")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inbox) == 1
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "two", inbox[0])
	mu.Unlock()
}

func TestSendWhileDisconnected(t *testing.T) {
	mgr, err := session.NewManager()
	require.NoError(t, err)
	db, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer db.Close()

	c := New("ws://127.0.0.1:1/ws", "token", mgr, db, Handlers{})
	err = c.Send(uuid.New(), []byte("x"))
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestReconnectBackoffSchedule(t *testing.T) {
	mgr, err := session.NewManager()
	require.NoError(t, err)
	db, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer db.Close()

	// Nothing listens on the target; every dial fails immediately.
	c := New("ws://127.0.0.1:1/ws", "token", mgr, db, Handlers{})

	var mu sync.Mutex
	var delays []time.Duration
	done := make(chan struct{})
	c.sleep = func(d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		n := len(delays)
		mu.Unlock()
		if n == 7 {
			close(done)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("backoff never progressed")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 5 * time.Second,
		10 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	assert.Equal(t, want, delays[:7], "backoff ladder then steady state")
}
