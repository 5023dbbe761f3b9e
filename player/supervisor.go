package player

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/warble-fm/warble/nests"
	"github.com/warble-fm/warble/queue"
)

const (
	pollInterval = 5 * time.Second
	reapInterval = 60 * time.Second
)

// Supervisor keeps one playhead worker alive per registered nest, and
// reaps nests that have gone idle past their TTL.
type Supervisor struct {
	player *Player
	nests  *nests.Manager
	queue  *queue.Engine
	logger zerolog.Logger

	workers map[string]*worker
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSupervisor(p *Player, nm *nests.Manager, qe *queue.Engine, logger zerolog.Logger) *Supervisor {
	return &Supervisor{player: p, nests: nm, queue: qe, logger: logger, workers: make(map[string]*worker)}
}

// Run polls the registry and reconciles the worker set until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := s.reconcile(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("supervisor cycle failed")
		}
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) error {
	if err := s.nests.EnsureMain(ctx); err != nil {
		return err
	}
	registered, err := s.nests.List(ctx)
	if err != nil {
		return err
	}

	live := make(map[string]bool, len(registered))
	for _, nest := range registered {
		live[nest.NestID] = true
	}

	// cancel workers for deleted nests, clear out finished ones
	for nestID, w := range s.workers {
		select {
		case <-w.done:
			delete(s.workers, nestID)
			continue
		default:
		}
		if !live[nestID] {
			s.logger.Info().Str("nest", nestID).Msg("stopping worker for deleted nest")
			w.cancel()
			delete(s.workers, nestID)
		}
	}

	// spawn workers for nests without one
	for _, nest := range registered {
		if _, running := s.workers[nest.NestID]; running {
			continue
		}
		s.spawn(ctx, nest.NestID)
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, nestID string) {
	workerCtx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	s.workers[nestID] = w

	go func() {
		defer close(w.done)
		if err := s.player.Run(workerCtx, nestID); err != nil && workerCtx.Err() == nil {
			s.logger.Error().Err(err).Str("nest", nestID).Msg("playhead worker died")
		}
	}()
	s.logger.Info().Str("nest", nestID).Msg("spawned playhead worker")
}

func (s *Supervisor) stopAll() {
	for _, w := range s.workers {
		w.cancel()
	}
	for _, w := range s.workers {
		<-w.done
	}
}

// RunReaper deletes idle non-main nests on a slow cadence.
func (s *Supervisor) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.reapOnce(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("reap cycle failed")
		}
	}
}

func (s *Supervisor) reapOnce(ctx context.Context) error {
	registered, err := s.nests.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, nest := range registered {
		if nest.IsMain {
			continue
		}
		members, err := s.nests.CountActiveMembers(ctx, nest.NestID)
		if err != nil {
			return err
		}
		size, err := s.queue.Size(ctx, nest.NestID)
		if err != nil {
			return err
		}
		if !nests.ShouldDelete(nest, members, size, now) {
			continue
		}
		s.logger.Info().Str("nest", nest.NestID).Str("name", nest.Name).Msg("reaping idle nest")
		if err := s.nests.Delete(ctx, nest.NestID); err != nil {
			s.logger.Warn().Err(err).Str("nest", nest.NestID).Msg("reap failed")
		}
	}
	return nil
}
