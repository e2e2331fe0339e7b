// Package directory holds the per-node peer and room registries that the
// gossip protocol keeps eventually consistent. Merging is a deterministic
// last-write-wins overwrite keyed by worker URL and room hash; no consensus,
// no vector clocks. Every node constructs its own Directory; there are no
// process-wide registries.
package directory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxConsecutiveFailures is the eviction threshold for non-genesis workers.
const MaxConsecutiveFailures = 5

// WorkerEntry tracks one known relay node and its push health.
type WorkerEntry struct {
	URL       string    `json:"url"`
	LastSeen  time.Time `json:"last_seen"`
	LastOK    time.Time `json:"last_ok,omitzero"`
	FailCount int       `json:"fail_count,omitempty"`
	Genesis   bool      `json:"is_genesis,omitempty"`
}

// RoomEntry is room ownership metadata, never room content. The message log
// lives only on the owner node.
type RoomEntry struct {
	Hash        string    `json:"hash"`
	Emojis      string    `json:"emojis,omitempty"`
	Description string    `json:"description,omitempty"`
	OwnerURL    string    `json:"owner_url"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the entry's room is past its deadline.
func (e RoomEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Config wires a Directory.
type Config struct {
	Log     *zap.Logger
	SelfURL string
	// Genesis peers are seeded at construction and immune to eviction.
	Genesis []string
	Metrics *Metrics
}

// Directory is the node's view of the overlay: known workers and known rooms.
type Directory struct {
	log     *zap.Logger
	selfURL string
	metrics *Metrics

	mu      sync.RWMutex
	workers map[string]WorkerEntry
	rooms   map[string]RoomEntry
	nowFn   func() time.Time
}

// New seeds the directory with self plus the genesis list.
func New(cfg Config) *Directory {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	d := &Directory{
		log:     cfg.Log,
		selfURL: normalizeURL(cfg.SelfURL),
		metrics: cfg.Metrics,
		workers: make(map[string]WorkerEntry),
		rooms:   make(map[string]RoomEntry),
		nowFn:   time.Now,
	}

	now := d.nowFn()
	if d.selfURL != "" {
		d.workers[d.selfURL] = WorkerEntry{URL: d.selfURL, LastSeen: now, LastOK: now}
	}
	for _, raw := range cfg.Genesis {
		url := normalizeURL(raw)
		if url == "" {
			continue
		}
		entry := WorkerEntry{URL: url, LastSeen: now, Genesis: true}
		if url == d.selfURL {
			entry.LastOK = now
		}
		d.workers[url] = entry
	}
	d.metrics.SetKnownWorkers(len(d.workers))
	return d
}

// SelfURL returns the URL this node advertises to peers.
func (d *Directory) SelfURL() string {
	return d.selfURL
}

// Workers returns all known worker entries sorted by URL.
func (d *Directory) Workers() []WorkerEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]WorkerEntry, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Peers returns push targets: every known worker except self.
func (d *Directory) Peers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.workers))
	for url := range d.workers {
		if url != d.selfURL {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out
}

// GenesisPeers returns the eviction-immune bootstrap targets, excluding self.
func (d *Directory) GenesisPeers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.workers))
	for url, w := range d.workers {
		if w.Genesis && url != d.selfURL {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out
}

// Rooms returns all non-expired room entries sorted by hash.
func (d *Directory) Rooms() []RoomEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFn()
	out := make([]RoomEntry, 0, len(d.rooms))
	for hash, r := range d.rooms {
		if r.Expired(now) {
			delete(d.rooms, hash)
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	d.metrics.SetKnownRooms(len(d.rooms))
	return out
}

// MergeWorkers applies remote worker entries last-write-wins by URL.
// Local health bookkeeping (fail count) and the genesis flag survive the
// overwrite so a peer cannot talk us out of evicting it, or into evicting a
// genesis node.
func (d *Directory) MergeWorkers(incoming []WorkerEntry) (added, updated int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, in := range incoming {
		in.URL = normalizeURL(in.URL)
		if in.URL == "" {
			continue
		}
		existing, ok := d.workers[in.URL]
		if !ok {
			in.Genesis = false
			in.FailCount = 0
			d.workers[in.URL] = in
			added++
			continue
		}
		if !in.LastSeen.After(existing.LastSeen) {
			continue
		}
		existing.LastSeen = in.LastSeen
		if in.LastOK.After(existing.LastOK) {
			existing.LastOK = in.LastOK
		}
		d.workers[in.URL] = existing
		updated++
	}
	d.metrics.SetKnownWorkers(len(d.workers))
	return added, updated
}

// MergeRooms applies remote room entries last-write-wins by hash, dropping
// anything already expired. Applying the same entry twice is a no-op.
func (d *Directory) MergeRooms(incoming []RoomEntry) (added, updated int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFn()
	for _, in := range incoming {
		if in.Hash == "" || in.OwnerURL == "" || in.Expired(now) {
			continue
		}
		in.OwnerURL = normalizeURL(in.OwnerURL)
		existing, ok := d.rooms[in.Hash]
		if !ok {
			d.rooms[in.Hash] = in
			added++
			continue
		}
		if in.CreatedAt.After(existing.CreatedAt) {
			d.rooms[in.Hash] = in
			updated++
		}
	}
	d.metrics.SetKnownRooms(len(d.rooms))
	return added, updated
}

// RegisterRoom records a room this node owns. Propagation to the rest of the
// overlay happens on the next gossip rounds; there is no broadcast.
func (d *Directory) RegisterRoom(entry RoomEntry) {
	if entry.Hash == "" {
		return
	}
	if entry.OwnerURL == "" {
		entry.OwnerURL = d.selfURL
	}
	entry.OwnerURL = normalizeURL(entry.OwnerURL)

	d.mu.Lock()
	d.rooms[entry.Hash] = entry
	size := len(d.rooms)
	d.mu.Unlock()

	d.metrics.SetKnownRooms(size)
}

// ResolveRoom looks up ownership metadata for a hash. Expired entries are
// dropped on read, so a hit always points at a live room as far as this node
// knows.
func (d *Directory) ResolveRoom(hash string) (RoomEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.rooms[hash]
	if !ok {
		return RoomEntry{}, false
	}
	if entry.Expired(d.nowFn()) {
		delete(d.rooms, hash)
		d.metrics.SetKnownRooms(len(d.rooms))
		return RoomEntry{}, false
	}
	return entry, true
}

// DropRoom removes a room entry, used when the owner reports it gone.
func (d *Directory) DropRoom(hash string) {
	d.mu.Lock()
	delete(d.rooms, hash)
	size := len(d.rooms)
	d.mu.Unlock()
	d.metrics.SetKnownRooms(size)
}

// RecordSuccess resets a worker's failure streak after a successful push.
func (d *Directory) RecordSuccess(url string) {
	url = normalizeURL(url)

	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[url]
	if !ok {
		return
	}
	now := d.nowFn()
	w.FailCount = 0
	w.LastOK = now
	w.LastSeen = now
	d.workers[url] = w
}

// RecordFailure bumps a worker's failure streak. After MaxConsecutiveFailures
// a non-genesis worker is evicted so its stale metadata stops propagating;
// genesis workers are never evicted.
func (d *Directory) RecordFailure(url string) (evicted bool) {
	url = normalizeURL(url)

	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[url]
	if !ok {
		return false
	}
	w.FailCount++
	if w.FailCount >= MaxConsecutiveFailures && !w.Genesis {
		delete(d.workers, url)
		d.metrics.SetKnownWorkers(len(d.workers))
		d.metrics.RecordEviction()
		d.log.Info("evicted unreachable worker", zap.String("url", url), zap.Int("failures", w.FailCount))
		return true
	}
	d.workers[url] = w
	return false
}

// TouchSelf refreshes this node's own entry before a push so receivers'
// last-write-wins merge accepts it.
func (d *Directory) TouchSelf() {
	if d.selfURL == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[d.selfURL]
	if !ok {
		w = WorkerEntry{URL: d.selfURL}
	}
	now := d.nowFn()
	w.LastSeen = now
	w.LastOK = now
	d.workers[d.selfURL] = w
}

// Worker fetches a single entry, primarily for tests and the workers endpoint.
func (d *Directory) Worker(url string) (WorkerEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workers[normalizeURL(url)]
	return w, ok
}

func normalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}
