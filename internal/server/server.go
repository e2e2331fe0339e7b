package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sos-chat/sos-relay/internal/config"
	"github.com/sos-chat/sos-relay/internal/directory"
	"github.com/sos-chat/sos-relay/internal/gossip"
	"github.com/sos-chat/sos-relay/internal/room"
)

// NodeServer wires one relay node: room store, directories, gossip scheduler,
// public HTTP surface, and the admin endpoint.
type NodeServer struct {
	cfg       config.Config
	log       *zap.Logger
	rooms     *room.Store
	dir       *directory.Directory
	sched     *gossip.Scheduler
	httpSrv   *http.Server
	adminHTTP *http.Server
	metrics   *apiMetrics
	ready     atomic.Bool
}

// NewNodeServer constructs a node and all of its explicitly owned state.
// Nothing here is a process-wide singleton; tests run several nodes side by
// side.
func NewNodeServer(cfg config.Config, logger *zap.Logger) (*NodeServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	dirMetrics := directory.NewMetrics(reg)
	dir := directory.New(directory.Config{
		Log:     logger,
		SelfURL: cfg.AdvertiseURL,
		Genesis: cfg.GenesisPeers,
		Metrics: dirMetrics,
	})

	sched, err := gossip.NewScheduler(gossip.SchedulerConfig{
		Log:         logger,
		Directory:   dir,
		Metrics:     dirMetrics,
		Interval:    cfg.Gossip.Interval,
		PushTimeout: cfg.Gossip.PushTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build gossip scheduler: %w", err)
	}

	srv := &NodeServer{
		cfg:     cfg,
		log:     logger,
		rooms:   room.NewStore(cfg.Room.TTL),
		dir:     dir,
		sched:   sched,
		metrics: newAPIMetrics(reg),
	}
	srv.startAdminServer(reg)
	return srv, nil
}

// Start boots the HTTP surface, the gossip loop, and the hygiene sweep, then
// blocks until ctx is canceled or the listener fails.
func (s *NodeServer) Start(ctx context.Context) error {
	api := NewRelayAPI(RelayAPIConfig{
		Log:       s.log,
		Rooms:     s.rooms,
		Directory: s.dir,
		Forwarder: NewForwarder(s.log, s.cfg.ForwardTimeout),
		Metrics:   s.metrics,
	})

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.sched.Start(ctx)
	s.startSweep(ctx)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay node listening",
		zap.String("address", s.cfg.ListenAddress),
		zap.String("advertise_url", s.cfg.AdvertiseURL),
		zap.Strings("genesis_peers", s.cfg.GenesisPeers))
	s.ready.Store(true)

	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve relay api: %w", err)
	}
	return nil
}

// startSweep runs the low-frequency expired-room sweep. Memory hygiene only;
// lazy expiry in the store keeps correctness regardless.
func (s *NodeServer) startSweep(ctx context.Context) {
	if s.cfg.Room.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.Room.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.rooms.Sweep(); removed > 0 {
					s.metrics.setActiveRooms(s.rooms.Count())
					s.log.Debug("swept expired rooms", zap.Int("removed", removed))
				}
			}
		}
	}()
}

func (s *NodeServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown attempts a graceful stop before the grace period lapses.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("graceful shutdown timed out; forcing close", zap.Error(err))
		_ = s.httpSrv.Close()
		return
	}
	s.log.Info("relay node stopped")
}
