// Package server drives the reconcile loop turning conntrack events into
// committed nginx configuration.
package server

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/qnnnnez/fullcone-nginx/pkg/conntrack"
	"github.com/qnnnnez/fullcone-nginx/pkg/exposure"
	"github.com/qnnnnez/fullcone-nginx/pkg/flowtable"
	"github.com/qnnnnez/fullcone-nginx/pkg/metrics"
	"github.com/qnnnnez/fullcone-nginx/pkg/nginx"
)

// EventSource supplies the raw flow record stream. conntrack.Monitor is
// the production implementation; tests inject scripted fakes.
type EventSource interface {
	// Start launches the stream. It may be called at most once.
	Start() error
	// Next blocks until the next raw record is available.
	Next() ([]byte, error)
	// RequestStop asks the source process to exit, which unblocks a
	// pending Next once the stream ends.
	RequestStop()
}

// State tracks where the server is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds the collaborators the server drives.
type Config struct {
	Source    EventSource
	Policy    *exposure.Policy
	Renderer  *nginx.Renderer
	Committer *nginx.Committer
	Metrics   *metrics.Metrics
	Health    *metrics.Health
	Logger    *zap.Logger
}

// Server owns the flow table and runs the event loop: pull one record,
// decode it, fold it into the table and, when the triggering event is
// exposable, render and commit a fresh config. The loop is strictly
// sequential; the table has no other writers.
type Server struct {
	source    EventSource
	policy    *exposure.Policy
	renderer  *nginx.Renderer
	committer *nginx.Committer
	table     *flowtable.Table
	metrics   *metrics.Metrics
	health    *metrics.Health
	logger    *zap.Logger

	mu    sync.Mutex
	state State
}

// New validates the config and returns an idle server. Metrics, Health
// and Logger may be left unset.
func New(cfg Config) (*Server, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("event source is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("exposure policy is required")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.Committer == nil {
		return nil, fmt.Errorf("committer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	instruments := cfg.Metrics
	if instruments == nil {
		instruments = metrics.NewMetrics()
	}
	health := cfg.Health
	if health == nil {
		health = metrics.NewHealth(logger)
	}

	server := &Server{
		source:    cfg.Source,
		policy:    cfg.Policy,
		renderer:  cfg.Renderer,
		committer: cfg.Committer,
		metrics:   instruments,
		health:    health,
		logger:    logger,
		state:     StateIdle,
	}
	// The server reacts to its own table's changes.
	server.table = flowtable.New(server)

	return server, nil
}

// Run starts the event source and consumes records until a stop request
// or a fatal error. Decode and commit failures are fatal; a stream error
// is fatal unless the server is already stopping. A server runs at most
// once.
func (s *Server) Run(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.finish()

	if err := s.source.Start(); err != nil {
		return fmt.Errorf("failed to start event source: %w", err)
	}
	s.health.SetStreamAttached()

	// Watch the context for the lifetime of the loop; on cancel, move
	// to Stopping and ask the source to exit so a blocked read returns.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.requestStop(true)
		case <-watchDone:
		}
	}()

	s.logger.Info("reconcile loop started")
	for s.State() == StateRunning {
		raw, err := s.source.Next()
		if err != nil {
			if s.State() == StateStopping {
				s.logger.Info("event stream closed during shutdown")
				break
			}
			return fmt.Errorf("event stream failed: %w", err)
		}
		// A record that arrives after a stop request is still applied;
		// the stop takes effect before the next pull.
		if err := s.handleRecord(raw); err != nil {
			return err
		}
	}

	s.logger.Info("reconcile loop stopped")
	return nil
}

// Abandon stops the loop before its next pull without signaling the
// source process. If the loop is blocked waiting for a record it stays
// blocked until a record arrives or the process exits on its own; use
// context cancellation for a shutdown that also stops the source.
func (s *Server) Abandon() {
	s.requestStop(false)
}

// State returns the server's lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnFlowChange implements flowtable.Observer. A change whose triggering
// event is exposable re-renders the whole table and commits the result.
// Changes caused by non-exposable events never trigger a commit, even
// when they remove a flow that contributed to the current config; that
// config stays in place until the next exposable event.
func (s *Server) OnFlowChange(change flowtable.Change) error {
	s.metrics.IncrementFlowChanges(change.Op.String())
	if !s.policy.Exposable(change.Event) {
		return nil
	}

	conf := s.renderer.Render(s.table.Snapshot())
	listeners := strings.Count(conf, "\n")
	s.metrics.IncrementRenders()
	s.metrics.SetExposedListeners(listeners)

	if err := s.committer.Commit(conf); err != nil {
		s.metrics.IncrementCommitFailures()
		return err
	}
	s.metrics.IncrementCommits()
	s.logger.Info("proxy config updated",
		zap.Int("flows", s.table.Len()),
		zap.Int("listeners", listeners))
	return nil
}

// handleRecord decodes one raw record and folds it into the table.
func (s *Server) handleRecord(raw []byte) error {
	event, err := conntrack.DecodeEvent(raw)
	if err != nil {
		s.metrics.IncrementDecodeErrors()
		return err
	}
	s.metrics.IncrementEvents(event.Kind.String())
	s.logger.Debug("flow event",
		zap.String("id", event.ID),
		zap.Stringer("kind", event.Kind),
		zap.Stringer("original", event.Original),
		zap.Stringer("reply", event.Reply))

	if _, err := s.table.Apply(event); err != nil {
		return err
	}
	s.metrics.SetTrackedFlows(s.table.Len())
	return nil
}

// begin moves Idle to Running. The loop is not restartable: running a
// stopped server is an error, mirroring that the event stream itself
// cannot be resumed.
func (s *Server) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("server cannot run from state %q", s.state)
	}
	s.state = StateRunning
	return nil
}

func (s *Server) finish() {
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
}

// requestStop moves Running to Stopping. With signalSource the event
// source process is asked to exit as well, which is what unblocks a
// pending read.
func (s *Server) requestStop(signalSource bool) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()

	if signalSource {
		s.logger.Info("stop requested, asking event source to exit")
		s.source.RequestStop()
		return
	}
	s.logger.Info("stop requested, leaving event source running")
}
