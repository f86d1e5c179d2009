package ingest

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/protei/telemetry-ingest/internal/config"
	"github.com/protei/telemetry-ingest/internal/logger"
	"github.com/protei/telemetry-ingest/internal/metrics"
	"github.com/protei/telemetry-ingest/internal/store"
)

// Supervisor owns the TCP accept loops and every live Handler. Run blocks
// until ctx is cancelled, then stops accepting and drains connections for
// up to the configured shutdown grace period before force-closing them.
type Supervisor struct {
	cfg     *config.Config
	store   store.Gateway
	metrics *metrics.Metrics
	log     *logger.Logger

	registry  *Registry
	listeners []net.Listener
}

func NewSupervisor(cfg *config.Config, st store.Gateway, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		store:    st,
		metrics:  m,
		log:      logger.Get().WithComponent("supervisor"),
		registry: NewRegistry(),
	}
}

// ActiveConnections reports the registry size: the number of identified
// connections currently registered.
func (s *Supervisor) ActiveConnections() int {
	return s.registry.Count()
}

// Run binds every configured address and accepts until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	addrs := s.bindAddresses()
	if len(addrs) == 0 {
		return fmt.Errorf("ingest: no listen addresses configured")
	}

	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeAll()
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
		s.log.Info("listening", "addr", addr)
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, ln := range s.listeners {
		ln := ln
		group.Go(func() error {
			return s.acceptLoop(gctx, ln)
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		s.closeAll()
		return nil
	})

	err := group.Wait()
	s.drainConnections()
	return err
}

// bindAddresses resolves the shared-vs-split listen configuration: either
// one shared content-routed port, or dedicated per-protocol ports, or both.
func (s *Supervisor) bindAddresses() []string {
	var addrs []string
	if s.cfg.Listen.Shared != "" {
		addrs = append(addrs, s.cfg.Listen.Shared)
	}
	if s.cfg.Listen.TFMS90 != "" {
		addrs = append(addrs, s.cfg.Listen.TFMS90)
	}
	if s.cfg.Listen.Teltonika != "" {
		addrs = append(addrs, s.cfg.Listen.Teltonika)
	}
	return addrs
}

func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn("accept failed", "error", err.Error())
				return err
			}
		}
		h := NewHandler(conn, s.store, s.metrics, s.cfg, s.registry)
		go h.Serve(ctx)
	}
}

func (s *Supervisor) closeAll() {
	for _, ln := range s.listeners {
		ln.Close()
	}
}

// drainConnections waits up to the configured grace period for in-flight
// connections to close on their own, then force-closes whatever remains.
func (s *Supervisor) drainConnections() {
	if s.registry.Count() == 0 {
		return
	}
	s.log.Info("waiting for connections to drain", "count", s.registry.Count())
	deadline := time.Now().Add(s.cfg.ShutdownGrace())
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if s.registry.Count() == 0 {
			return
		}
		<-ticker.C
	}
	if n := s.registry.Count(); n > 0 {
		s.log.Warn("force-closing connections after grace period", "count", n)
		s.registry.CloseAll()
	}
}
