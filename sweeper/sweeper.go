// Package sweeper runs the two periodic background sweeps: the liveness
// sweep (workers past the inactivity threshold) and the task-reclamation
// sweep (stalled assigned/in_progress tasks returned to pending). Each
// loop self-leases via pg_try_advisory_lock so that a second dispatcher
// replica never runs the same sweep concurrently.
package sweeper

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dispatcherd.io/common"
)

// livenessMarker is the subset of registry.Registry the liveness sweep
// needs.
type livenessMarker interface {
	MarkInactive(ctx context.Context, threshold time.Duration) (int64, error)
}

// reclaimer is the subset of dispatch.Dispatcher the reclamation sweep
// needs.
type reclaimer interface {
	ReclaimStalled(ctx context.Context, livenessTimeout time.Duration) (int64, error)
}

// advisory lock keys, arbitrary but stable int64s distinguishing the two
// sweep kinds so they can run on the same Postgres instance without
// colliding with each other or with unrelated advisory lock users.
const (
	lockKeyLiveness    = 7_411_001
	lockKeyReclamation = 7_411_002
)

// Config controls sweep intervals and thresholds.
type Config struct {
	LivenessInterval  time.Duration // default T_heartbeat_expected / 2
	InactiveThreshold time.Duration // default 3 * T_heartbeat_expected
	ReclaimInterval   time.Duration // default T_heartbeat_expected
	ReclaimThreshold  time.Duration // default 3 * T_heartbeat_expected
}

// Sweeper owns the two background goroutines.
type Sweeper struct {
	pool   *pgxpool.Pool
	reg    livenessMarker
	disp   reclaimer
	cfg    Config
	logger *common.ContextLogger
	stop   chan struct{}
}

// New builds a Sweeper. pool is used directly (not through store.Gateway)
// so advisory-lock acquisition and release happen on the same connection,
// which pg_try_advisory_lock requires.
func New(pool *pgxpool.Pool, reg livenessMarker, disp reclaimer, cfg Config, logger *common.ContextLogger) *Sweeper {
	return &Sweeper{pool: pool, reg: reg, disp: disp, cfg: cfg, logger: logger, stop: make(chan struct{})}
}

// Start launches both sweep loops in their own goroutines. They run
// until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx, s.cfg.LivenessInterval, lockKeyLiveness, s.runLivenessSweep)
	go s.loop(ctx, s.cfg.ReclaimInterval, lockKeyReclamation, s.runReclamationSweep)
}

// Stop signals both loops to exit.
func (s *Sweeper) Stop() { close(s.stop) }

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, lockKey int64, run func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.withLease(ctx, lockKey, run)
		}
	}
}

// withLease acquires a session-level advisory lock for the duration of
// run, so that only one dispatcher replica executes a given sweep at a
// time. Failure to acquire is the common, expected case (another replica
// already holds it) and is silently skipped, not logged as an error.
func (s *Sweeper) withLease(ctx context.Context, lockKey int64, run func(ctx context.Context)) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("sweeper: failed to acquire connection")
		return
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&acquired); err != nil {
		s.logger.WithError(err).Warn("sweeper: advisory lock query failed")
		return
	}
	if !acquired {
		return
	}
	defer func() {
		var released bool
		_ = conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", lockKey).Scan(&released)
	}()

	run(ctx)
}

func (s *Sweeper) runLivenessSweep(ctx context.Context) {
	n, err := s.reg.MarkInactive(ctx, s.cfg.InactiveThreshold)
	if err != nil {
		s.logger.WithError(err).Error("liveness sweep failed")
		return
	}
	if n > 0 {
		s.logger.WithField("count", n).Info("liveness sweep marked workers inactive")
	}
}

func (s *Sweeper) runReclamationSweep(ctx context.Context) {
	n, err := s.disp.ReclaimStalled(ctx, s.cfg.ReclaimThreshold)
	if err != nil {
		s.logger.WithError(err).Error("reclamation sweep failed")
		return
	}
	if n > 0 {
		s.logger.WithField("count", n).Info("reclamation sweep returned stalled tasks to pending")
	}
}
