package ratchet

import (
	"container/list"

	"github.com/chai-im/chai/internal/crypto"
)

// skipCache retains message keys for out-of-order envelopes. Entries keep
// insertion order so overall-cap eviction is O(1) oldest-first; a per-chain
// counter enforces the harder MaxSkip limit, which is an error rather than
// an eviction.
type skipCache struct {
	order    *list.List
	index    map[skipKey]*list.Element
	perChain map[[crypto.KeySize]byte]int
}

type skipKey struct {
	pub [crypto.KeySize]byte
	n   uint32
}

type skipEntry struct {
	key skipKey
	mk  [crypto.KeySize]byte
}

func newSkipCache() *skipCache {
	return &skipCache{
		order:    list.New(),
		index:    make(map[skipKey]*list.Element),
		perChain: make(map[[crypto.KeySize]byte]int),
	}
}

func (c *skipCache) put(pub [crypto.KeySize]byte, n uint32, mk [crypto.KeySize]byte) error {
	if c.perChain[pub] >= MaxSkip {
		return ErrTooManySkipped
	}
	if c.order.Len() >= MaxSkipTotal {
		c.evictOldest()
	}
	k := skipKey{pub: pub, n: n}
	c.index[k] = c.order.PushBack(&skipEntry{key: k, mk: mk})
	c.perChain[pub]++
	return nil
}

// peek returns the cached key for (pub, n) without consuming it; the
// caller drops it only after a successful open, so a corrupt ciphertext
// cannot destroy the real message's key.
func (c *skipCache) peek(pub [crypto.KeySize]byte, n uint32) ([crypto.KeySize]byte, bool) {
	el, ok := c.index[skipKey{pub: pub, n: n}]
	if !ok {
		return [crypto.KeySize]byte{}, false
	}
	return el.Value.(*skipEntry).mk, true
}

// take removes and returns the key for (pub, n), if cached. Removal is
// what makes replay of an out-of-order envelope impossible.
func (c *skipCache) take(pub [crypto.KeySize]byte, n uint32) ([crypto.KeySize]byte, bool) {
	k := skipKey{pub: pub, n: n}
	el, ok := c.index[k]
	if !ok {
		return [crypto.KeySize]byte{}, false
	}
	c.remove(el)
	return el.Value.(*skipEntry).mk, true
}

func (c *skipCache) evictOldest() {
	el := c.order.Front()
	if el == nil {
		return
	}
	entry := el.Value.(*skipEntry)
	crypto.Wipe(entry.mk[:])
	c.remove(el)
	if OnEvict != nil {
		OnEvict()
	}
}

func (c *skipCache) remove(el *list.Element) {
	entry := el.Value.(*skipEntry)
	c.order.Remove(el)
	delete(c.index, entry.key)
	if n := c.perChain[entry.key.pub] - 1; n > 0 {
		c.perChain[entry.key.pub] = n
	} else {
		delete(c.perChain, entry.key.pub)
	}
}

func (c *skipCache) len() int { return c.order.Len() }

func (c *skipCache) clone() *skipCache {
	out := newSkipCache()
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*skipEntry)
		out.index[entry.key] = out.order.PushBack(&skipEntry{key: entry.key, mk: entry.mk})
		out.perChain[entry.key.pub]++
	}
	return out
}

func (c *skipCache) wipe() {
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*skipEntry)
		crypto.Wipe(entry.mk[:])
	}
	c.order.Init()
	c.index = make(map[skipKey]*list.Element)
	c.perChain = make(map[[crypto.KeySize]byte]int)
}

// entries walks the cache in insertion order; used by state serialization.
func (c *skipCache) entries(fn func(pub [crypto.KeySize]byte, n uint32, mk [crypto.KeySize]byte)) {
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*skipEntry)
		fn(entry.key.pub, entry.key.n, entry.mk)
	}
}
