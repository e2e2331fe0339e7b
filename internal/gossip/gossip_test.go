package gossip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sos-chat/sos-relay/internal/directory"
)

// gossipSink records every payload POSTed to /gossip.
type gossipSink struct {
	mu       sync.Mutex
	payloads []Payload
	status   int
}

func (g *gossipSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/gossip" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var p Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.mu.Lock()
	g.payloads = append(g.payloads, p)
	status := g.status
	g.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (g *gossipSink) received() []Payload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Payload(nil), g.payloads...)
}

func newScheduler(t *testing.T, dir *directory.Directory) *Scheduler {
	t.Helper()
	sched, err := NewScheduler(SchedulerConfig{
		Log:         zaptest.NewLogger(t),
		Directory:   dir,
		Interval:    time.Hour, // tests drive pushes directly
		PushTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("build scheduler: %v", err)
	}
	return sched
}

func TestAnnouncePushesSelfToGenesis(t *testing.T) {
	sink := &gossipSink{}
	seed := httptest.NewServer(sink)
	defer seed.Close()

	dir := directory.New(directory.Config{
		Log:     zaptest.NewLogger(t),
		SelfURL: "http://self:8080",
		Genesis: []string{seed.URL},
	})
	sched := newScheduler(t, dir)

	sched.Announce(context.Background())

	payloads := sink.received()
	if len(payloads) != 1 {
		t.Fatalf("expected 1 announce, got %d", len(payloads))
	}
	if len(payloads[0].Workers) != 1 || payloads[0].Workers[0].URL != "http://self:8080" {
		t.Fatalf("expected only the self entry, got %+v", payloads[0].Workers)
	}
	if len(payloads[0].Rooms) != 0 {
		t.Fatalf("expected no rooms in an announce, got %d", len(payloads[0].Rooms))
	}
}

func TestPushAllSendsFullViewToEveryPeer(t *testing.T) {
	sinkA, sinkB := &gossipSink{}, &gossipSink{}
	peerA := httptest.NewServer(sinkA)
	defer peerA.Close()
	peerB := httptest.NewServer(sinkB)
	defer peerB.Close()

	dir := directory.New(directory.Config{
		Log:     zaptest.NewLogger(t),
		SelfURL: "http://self:8080",
		Genesis: []string{peerA.URL, peerB.URL},
	})
	now := time.Now()
	dir.RegisterRoom(directory.RoomEntry{
		Hash:      "abc123",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})

	sched := newScheduler(t, dir)
	sched.PushAll(context.Background())

	for name, sink := range map[string]*gossipSink{"peerA": sinkA, "peerB": sinkB} {
		payloads := sink.received()
		if len(payloads) != 1 {
			t.Fatalf("%s: expected 1 push, got %d", name, len(payloads))
		}
		if len(payloads[0].Workers) != 3 {
			t.Fatalf("%s: expected full worker view, got %d entries", name, len(payloads[0].Workers))
		}
		if len(payloads[0].Rooms) != 1 || payloads[0].Rooms[0].Hash != "abc123" {
			t.Fatalf("%s: expected the registered room, got %+v", name, payloads[0].Rooms)
		}
	}

	// Successful pushes reset the failure bookkeeping.
	w, ok := dir.Worker(peerA.URL)
	if !ok || w.FailCount != 0 || w.LastOK.IsZero() {
		t.Fatalf("expected healthy worker entry, got %+v ok=%v", w, ok)
	}
}

func TestPushFailuresEvictNonGenesisPeer(t *testing.T) {
	dir := directory.New(directory.Config{
		Log:     zaptest.NewLogger(t),
		SelfURL: "http://self:8080",
	})
	// Unreachable non-genesis peer learned via merge.
	dir.MergeWorkers([]directory.WorkerEntry{
		{URL: "http://127.0.0.1:1", LastSeen: time.Now()},
	})

	sched := newScheduler(t, dir)
	sched.pushTimeout = 200 * time.Millisecond

	for i := 0; i < directory.MaxConsecutiveFailures; i++ {
		sched.PushAll(context.Background())
	}
	if _, ok := dir.Worker("http://127.0.0.1:1"); ok {
		t.Fatal("expected unreachable peer evicted after repeated failures")
	}
}

func TestNon2xxCountsAsFailure(t *testing.T) {
	sink := &gossipSink{status: http.StatusInternalServerError}
	peer := httptest.NewServer(sink)
	defer peer.Close()

	dir := directory.New(directory.Config{
		Log:     zaptest.NewLogger(t),
		SelfURL: "http://self:8080",
	})
	dir.MergeWorkers([]directory.WorkerEntry{
		{URL: peer.URL, LastSeen: time.Now()},
	})

	sched := newScheduler(t, dir)
	sched.PushAll(context.Background())

	w, ok := dir.Worker(peer.URL)
	if !ok {
		t.Fatal("expected worker still present after one failure")
	}
	if w.FailCount != 1 {
		t.Fatalf("expected fail count 1, got %d", w.FailCount)
	}
}

func TestSchedulerRequiresDirectory(t *testing.T) {
	if _, err := NewScheduler(SchedulerConfig{}); err == nil {
		t.Fatal("expected error without a directory")
	}
}
