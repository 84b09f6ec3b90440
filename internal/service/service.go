// Package service wires the daemon together: storage, event bus, reply
// gateway, worker pipeline, retention sweeper, and the admin HTTP surface,
// all scoped to one Run call that releases everything on exit.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/finchley/autoreply/internal/api"
	"github.com/finchley/autoreply/internal/classify"
	"github.com/finchley/autoreply/internal/config"
	"github.com/finchley/autoreply/internal/events"
	"github.com/finchley/autoreply/internal/pipeline"
	"github.com/finchley/autoreply/internal/reply"
	"github.com/finchley/autoreply/internal/retention"
	"github.com/finchley/autoreply/internal/send"
	"github.com/finchley/autoreply/internal/store"
	"github.com/finchley/autoreply/internal/uiauto"
)

type Service struct {
	cfg    config.Config
	logger *slog.Logger

	// in carries NDJSON UI events from the host bridge; out carries
	// set-text and click actions back.
	in  io.Reader
	out io.Writer

	httpDisabled bool
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithoutHTTP skips the admin listener, for embedding in tests.
func WithoutHTTP() Option {
	return func(s *Service) {
		s.httpDisabled = true
	}
}

func New(cfg config.Config, in io.Reader, out io.Writer, opts ...Option) *Service {
	s := &Service{cfg: cfg, logger: slog.Default(), in: in, out: out}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// rootHolder tracks the most recent UI snapshot so the sender always acts on
// the tree the host last reported. Written by the event loop, read by
// workers.
type rootHolder struct {
	mu   sync.RWMutex
	root uiauto.Node
}

func (h *rootHolder) set(root uiauto.Node) {
	h.mu.Lock()
	h.root = root
	h.mu.Unlock()
}

func (h *rootHolder) get() uiauto.Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.root
}

// Run operates the pipeline until ctx is canceled or the event stream ends.
// All resources are released before it returns.
func (s *Service) Run(ctx context.Context) error {
	db, err := store.Open(s.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	st := store.NewStore(db)
	bus := events.NewBus(db)
	gateway := s.buildGateway()

	actions := uiauto.NewActionWriter(s.out)
	source := uiauto.NewSource(s.in, actions)
	holder := &rootHolder{}
	sender := send.NewSender(s.cfg.App, holder.get, s.logger)
	classifier := classify.New(s.cfg.App, nil, s.logger)

	pipe := pipeline.New(st, gateway, sender, classifier,
		pipeline.WithWorkers(s.cfg.Pipeline.Workers),
		pipeline.WithBus(bus),
		pipeline.WithLogger(s.logger),
	)
	pipe.Start(ctx)
	defer pipe.Close()

	sweeper := retention.NewSweeper(st,
		retention.WithSchedule(s.cfg.Retention.Schedule),
		retention.WithMaxInactive(s.cfg.Retention.MaxInactive.Std()),
		retention.WithBus(bus),
		retention.WithLogger(s.logger),
	)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	if !s.httpDisabled {
		shutdown, err := s.serveHTTP(ctx, st, gateway, bus, sweeper, pipe)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	return s.eventLoop(ctx, source, holder, pipe)
}

func (s *Service) buildGateway() *reply.Gateway {
	gateway := reply.NewGateway(s.logger)
	gateway.Register(reply.NewLocalBackend())
	if s.cfg.Backend.BaseURL != "" {
		gateway.Register(reply.NewOpenAIBackend(reply.OpenAIConfig{
			BaseURL:     s.cfg.Backend.BaseURL,
			APIKey:      s.cfg.Backend.APIKey,
			Model:       s.cfg.Backend.Model,
			MaxTokens:   s.cfg.Backend.MaxTokens,
			Temperature: s.cfg.Backend.Temperature,
		}, nil))
	}
	if s.cfg.Backend.Active != "" {
		if err := gateway.Select(s.cfg.Backend.Active); err != nil {
			s.logger.Warn("backend selection failed, canned replies only", "backend", s.cfg.Backend.Active, "error", err)
		}
	}
	return gateway
}

func (s *Service) serveHTTP(ctx context.Context, st *store.Store, gateway *reply.Gateway, bus *events.Bus, sweeper *retention.Sweeper, pipe *pipeline.Pipeline) (func(), error) {
	apiServer := &api.Server{
		Store:     st,
		Gateway:   gateway,
		Bus:       bus,
		Sweeper:   sweeper,
		Pipeline:  pipe,
		StartedAt: time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:   s.cfg.HTTPAddr,
			DataDir:    s.cfg.DataDir,
			DBPath:     s.cfg.DBPath,
			AppPackage: s.cfg.App.PackageName,
			Model:      s.cfg.Backend.Model,
		},
	}

	listener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddr, err)
	}

	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		s.logger.Info("admin api listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
	}, nil
}

// eventLoop is the single event-delivery goroutine: it reads host events,
// tracks the latest UI snapshot, and feeds the pipeline. Malformed lines are
// logged and skipped; a transport error ends the loop.
func (s *Service) eventLoop(ctx context.Context, source *uiauto.Source, holder *rootHolder, pipe *pipeline.Pipeline) error {
	type step struct {
		evt uiauto.Event
		err error
	}
	steps := make(chan step)
	go func() {
		defer close(steps)
		for {
			evt, err := source.Next()
			select {
			case steps <- step{evt: evt, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, uiauto.ErrBadEvent) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down")
			return nil
		case st, ok := <-steps:
			if !ok {
				return nil
			}
			if st.err != nil {
				if errors.Is(st.err, uiauto.ErrBadEvent) {
					s.logger.Warn("bad event skipped", "error", st.err)
					continue
				}
				if errors.Is(st.err, io.EOF) {
					s.logger.Info("event stream ended")
					return nil
				}
				return fmt.Errorf("event stream: %w", st.err)
			}
			if st.evt.Root != nil {
				holder.set(st.evt.Root)
			}
			pipe.HandleEvent(st.evt)
		}
	}
}
