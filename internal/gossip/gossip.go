// Package gossip runs the background directory exchange. Each node
// periodically pushes its entire worker and room view to every peer it knows;
// receivers merge with last-write-wins semantics. A push failing only affects
// that peer's failure streak; there is no all-or-nothing broadcast.
package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sos-chat/sos-relay/internal/directory"
)

// Payload is the wire body of a gossip push, and the shape POST /gossip ingests.
type Payload struct {
	Workers []directory.WorkerEntry `json:"workers"`
	Rooms   []directory.RoomEntry   `json:"rooms"`
}

// SchedulerConfig wires dependencies and cadence for the push loop.
type SchedulerConfig struct {
	Log         *zap.Logger
	Directory   *directory.Directory
	Metrics     *directory.Metrics
	Interval    time.Duration
	PushTimeout time.Duration
	// Client overrides the HTTP client, primarily for tests.
	Client *http.Client
}

// Scheduler owns the periodic push loop for one node.
type Scheduler struct {
	log         *zap.Logger
	dir         *directory.Directory
	metrics     *directory.Metrics
	interval    time.Duration
	pushTimeout time.Duration
	client      *http.Client
}

// NewScheduler builds a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Directory == nil {
		return nil, errors.New("directory is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 3 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Scheduler{
		log:         cfg.Log,
		dir:         cfg.Directory,
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		pushTimeout: cfg.PushTimeout,
		client:      cfg.Client,
	}, nil
}

// Start announces to the genesis peers immediately, then pushes on the
// configured cadence until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	s.Announce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PushAll(ctx)
		}
	}
}

// Announce pushes this node's own entry to every genesis peer so a fresh node
// is discoverable before the first periodic cycle.
func (s *Scheduler) Announce(ctx context.Context) {
	s.dir.TouchSelf()
	self, ok := s.dir.Worker(s.dir.SelfURL())
	if !ok {
		return
	}
	payload := Payload{Workers: []directory.WorkerEntry{self}}

	for _, peer := range s.dir.GenesisPeers() {
		if err := s.push(ctx, peer, payload); err != nil {
			s.log.Warn("announce to genesis peer failed", zap.String("peer", peer), zap.Error(err))
			continue
		}
		s.metrics.RecordAnnounce()
		s.log.Info("announced to genesis peer", zap.String("peer", peer))
	}
}

// PushAll sends the full directory view to every known peer. Failures are
// recorded per peer and can evict; they never abort the round.
func (s *Scheduler) PushAll(ctx context.Context) {
	s.dir.TouchSelf()
	payload := Payload{
		Workers: s.dir.Workers(),
		Rooms:   s.dir.Rooms(),
	}

	for _, peer := range s.dir.Peers() {
		if ctx.Err() != nil {
			return
		}
		if err := s.push(ctx, peer, payload); err != nil {
			s.metrics.RecordPushFailure()
			evicted := s.dir.RecordFailure(peer)
			s.log.Warn("gossip push failed",
				zap.String("peer", peer),
				zap.Bool("evicted", evicted),
				zap.Error(err))
			continue
		}
		s.metrics.RecordPushSuccess()
		s.dir.RecordSuccess(peer)
	}
}

func (s *Scheduler) push(ctx context.Context, peer string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode gossip payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/gossip", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build gossip request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push to %s: %w", peer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("peer %s returned status %d", peer, resp.StatusCode)
	}
	return nil
}
