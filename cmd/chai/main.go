// Command chai is the reference client: identity creation, key
// publication and a send/receive loop against a relay.
//
// Usage:
//
//	chai init                      create an identity (vault-locked when CHAI_PASSWORD is set)
//	chai publish                   publish the prekey bundle and a one-time prekey batch
//	chai send <peer-uuid> <text>   establish a session if needed and send one message
//	chai recv                      print decrypted messages until interrupted
//
// Environment: CHAI_RELAY_URL (ws://host:port/ws), CHAI_TOKEN (session
// token), CHAI_HOME (state directory), CHAI_PASSWORD (vault password,
// optional).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chai-im/chai/internal/client"
	"github.com/chai-im/chai/internal/keys"
	"github.com/chai-im/chai/internal/metrics"
	"github.com/chai-im/chai/internal/ratchet"
	"github.com/chai-im/chai/internal/session"
	"github.com/chai-im/chai/internal/store"
	"github.com/chai-im/chai/internal/vault"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ratchet.OnEvict = func() { metrics.SkippedKeyEvictions.Inc() }

	switch os.Args[1] {
	case "init":
		runInit()
	case "publish":
		runPublish()
	case "send":
		if len(os.Args) < 4 {
			usage()
		}
		runSend(os.Args[2], os.Args[3])
	case "recv":
		runRecv()
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chai init | publish | send <peer-uuid> <text> | recv")
	os.Exit(2)
}

func homeDir() string {
	if h := os.Getenv("CHAI_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("cannot resolve home directory: %v", err)
	}
	return filepath.Join(home, ".chai")
}

func openStore() *store.Store {
	dir := homeDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Fatalf("create state directory: %v", err)
	}
	st, err := store.Open(filepath.Join(dir, "client.db"))
	if err != nil {
		log.Fatalf("open client store: %v", err)
	}
	return st
}

func runInit() {
	st := openStore()
	defer st.Close()

	if blob, err := st.LoadIdentity(); err == nil && blob != nil {
		log.Fatal("identity already exists; refusing to overwrite")
	}

	mgr, err := session.NewManager()
	if err != nil {
		log.Fatalf("generate identity: %v", err)
	}
	blob, err := mgr.ExportIdentity()
	if err != nil {
		log.Fatalf("export identity: %v", err)
	}
	if password := os.Getenv("CHAI_PASSWORD"); password != "" {
		if blob, err = vault.Lock(blob, password); err != nil {
			log.Fatalf("lock identity: %v", err)
		}
	}
	if err := st.SaveIdentity(blob); err != nil {
		log.Fatalf("save identity: %v", err)
	}
	fmt.Printf("identity created; public key %x\n", mgr.PublicIdentity())
}

// loadManager unlocks and restores the identity from the store.
func loadManager(st *store.Store) *session.Manager {
	blob, err := st.LoadIdentity()
	if err != nil {
		log.Fatalf("load identity: %v", err)
	}
	if blob == nil {
		log.Fatal("no identity; run `chai init` first")
	}
	if vault.IsLocked(blob) {
		password := os.Getenv("CHAI_PASSWORD")
		if password == "" {
			log.Fatal("identity is password-protected; set CHAI_PASSWORD")
		}
		if blob, err = vault.Unlock(blob, password); err != nil {
			log.Fatalf("unlock identity: %v", err)
		}
	}
	mgr, err := session.FromBytes(blob)
	if err != nil {
		log.Fatalf("restore identity: %v", err)
	}
	return mgr
}

func connect(ctx context.Context, st *store.Store, mgr *session.Manager, handlers client.Handlers) *client.Client {
	url := os.Getenv("CHAI_RELAY_URL")
	token := os.Getenv("CHAI_TOKEN")
	if url == "" || token == "" {
		log.Fatal("CHAI_RELAY_URL and CHAI_TOKEN must be set")
	}

	c := client.New(url, token, mgr, st, handlers)
	go c.Run(ctx)

	deadline := time.Now().Add(30 * time.Second)
	for c.State() != client.Connected {
		if time.Now().After(deadline) {
			log.Fatal("could not attach to relay")
		}
		time.Sleep(100 * time.Millisecond)
	}
	return c
}

func runPublish() {
	st := openStore()
	defer st.Close()
	mgr := loadManager(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := connect(ctx, st, mgr, client.Handlers{})

	if err := c.PublishKeys(keys.DefaultOneTimeBatch); err != nil {
		log.Fatalf("publish keys: %v", err)
	}
	fmt.Println("prekey bundle published")
}

func runSend(peerArg, text string) {
	peer, err := uuid.Parse(peerArg)
	if err != nil {
		log.Fatalf("bad peer id %q: %v", peerArg, err)
	}

	st := openStore()
	defer st.Close()
	mgr := loadManager(st)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	c := connect(ctx, st, mgr, client.Handlers{})

	if err := c.EnsureSession(ctx, peer); err != nil {
		log.Fatalf("establish session with %s: %v", peer, err)
	}
	if err := c.Send(peer, []byte(text)); err != nil {
		log.Fatalf("send: %v", err)
	}
	fmt.Println("sent")
}

func runRecv() {
	st := openStore()
	defer st.Close()
	mgr := loadManager(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlers := client.Handlers{
		OnMessage: func(sender uuid.UUID, id uuid.UUID, plaintext []byte) {
			fmt.Printf("%s %s: %s\n", time.Now().Format(time.RFC3339), sender, plaintext)
		},
		OnUndecryptable: func(sender uuid.UUID, id uuid.UUID, err error) {
			fmt.Printf("%s %s: [failed to decrypt message %s]\n", time.Now().Format(time.RFC3339), sender, id)
		},
		OnStateChange: func(s client.State) {
			if s == client.Connected {
				log.Printf("connected")
			}
		},
	}
	connect(ctx, st, mgr, handlers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}
