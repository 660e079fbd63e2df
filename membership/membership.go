// Package membership is the concrete adapter for the gossip/liveness oracle
// named as an out-of-scope external collaborator in section 6 of the spec:
// "a gossip-based liveness oracle providing {status, payload{uuid, error,
// ...}} per URI". This module does not implement a production gossip wire
// protocol (explicitly out of scope) — it is a minimal concrete adapter that
// satisfies the contract the applier, peer fetcher and failover worker need:
// Pairs, Myself, Subscribe/Unsubscribe, SetPayload.
//
// Grounded on storage/external_endpoints.go: a mutex-guarded table of
// per-key records with a narrow set of mutation entry points, the same shape
// adapted here from "advertised external endpoint" to "known cluster peer".
package membership

import (
	"sync"

	"go.uber.org/zap"
)

// Payload is the per-peer status blob gossiped between instances: at
// minimum a UUID identifying the peer, plus either Ready (the instance's
// last apply pipeline run completed cleanly) or an error string the peer
// published about itself (e.g. "Config apply failed").
type Payload struct {
	UUID  string
	Ready bool
	Error string
}

// Pair is one membership entry: a URI, its liveness, and its published
// payload.
type Pair struct {
	URI     string
	Alive   bool
	Payload Payload
}

// Table is the concrete membership adapter. It is process-local: in a real
// deployment this would be backed by a gossip transport, but the contract
// surface (§6) is all any consumer in this module needs.
type Table struct {
	mu    sync.RWMutex
	self  Pair
	pairs map[string]*Pair // keyed by URI

	subMu       sync.Mutex
	subscribers map[int]chan struct{}
	nextSubID   int

	logger *zap.Logger
}

// New builds a Table seeded with this instance's own URI and UUID.
func New(selfURI, selfUUID string, logger *zap.Logger) *Table {
	return &Table{
		self:        Pair{URI: selfURI, Alive: true, Payload: Payload{UUID: selfUUID}},
		pairs:       make(map[string]*Pair),
		subscribers: make(map[int]chan struct{}),
		logger:      logger,
	}
}

// Myself returns this instance's own membership entry.
func (t *Table) Myself() Pair {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// Pairs returns every known membership entry, self included.
func (t *Table) Pairs() []Pair {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Pair, 0, len(t.pairs)+1)
	out = append(out, t.self)
	for _, p := range t.pairs {
		out = append(out, *p)
	}
	return out
}

// Upsert records or updates a peer's membership entry and wakes every
// subscriber — this is the gossip-receive path in a real transport; here it
// is called directly by whatever drives membership changes in tests or by a
// thin adapter over an actual gossip library.
func (t *Table) Upsert(p Pair) {
	t.mu.Lock()
	cp := p
	t.pairs[p.URI] = &cp
	t.mu.Unlock()

	t.notify()
}

// MarkDead flips a peer's liveness to false without discarding its last
// known payload, the way a gossip failure detector would.
func (t *Table) MarkDead(uri string) {
	t.mu.Lock()
	if p, ok := t.pairs[uri]; ok {
		p.Alive = false
	}
	t.mu.Unlock()

	t.notify()
}

// SetPayload updates this instance's own published payload (e.g. {ready:
// true} or {error: "..."}) and wakes every subscriber so the failover
// worker and any local observers see the change.
func (t *Table) SetPayload(p Payload) {
	t.mu.Lock()
	t.self.Payload = p
	t.mu.Unlock()

	t.notify()
}

// Subscribe returns a channel that receives a notification (capacity 1,
// non-blocking send) every time membership changes, and a cancel function
// that unsubscribes. This stands in for the condition variable named in
// §9's design notes.
func (t *Table) Subscribe() (ch <-chan struct{}, cancel func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	id := t.nextSubID
	t.nextSubID++
	c := make(chan struct{}, 1)
	t.subscribers[id] = c

	return c, func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		if existing, ok := t.subscribers[id]; ok {
			close(existing)
			delete(t.subscribers, id)
		}
	}
}

func (t *Table) notify() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// AliveFunc adapts the table to topology.AliveFunc: a server UUID is alive
// if some membership pair reports that UUID in its payload and is marked
// alive.
func (t *Table) AliveFunc() func(uuid string) bool {
	return func(uuid string) bool {
		t.mu.RLock()
		defer t.mu.RUnlock()
		if t.self.Payload.UUID == uuid {
			return t.self.Alive
		}
		for _, p := range t.pairs {
			if p.Payload.UUID == uuid {
				return p.Alive
			}
		}
		return false
	}
}
