// Package registry handles worker registration, heartbeat ingestion, and
// the liveness state machine for remote download workers.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dispatcherd.io/apperr"
	"dispatcherd.io/store"
)

// txRunner is the shape of store.Gateway this package depends on, so tests
// can substitute a fake without a live Postgres connection.
type txRunner interface {
	WithTx(ctx context.Context, fn func(store.Querier) error) error
}

// Registry implements worker registration, heartbeats, and the liveness
// sweep's inactivity transition.
type Registry struct {
	db txRunner
}

// New builds a Registry over the given Store Gateway.
func New(db *store.Gateway) *Registry { return &Registry{db: db} }

// Register resolves (name, secret) to a worker: reusing an existing row
// when name and secret match (both null counts as a match), else creating
// a fresh one. Returns the worker and the secret to hand back to the
// caller.
func (r *Registry) Register(ctx context.Context, name string, host, secret *string) (*store.Worker, error) {
	if name == "" {
		return nil, apperr.New(apperr.BadRequest, "name is required")
	}

	var worker store.Worker
	err := r.db.WithTx(ctx, func(q store.Querier) error {
		row := q.QueryRow(ctx, `
			SELECT id, name, host, api_key_secret, status, last_heartbeat, session_started_at,
			       total_tasks_completed, total_tasks_failed, total_documents_downloaded,
			       created_at, updated_at
			FROM workers
			WHERE name = $1 AND api_key_secret IS NOT DISTINCT FROM $2
			LIMIT 1`, name, secret)
		if scanErr := scanWorker(row, &worker); scanErr == nil {
			return nil
		}

		newSecret := secret
		if newSecret == nil {
			generated := uuid.NewString()
			newSecret = &generated
		}

		insertRow := q.QueryRow(ctx, `
			INSERT INTO workers (id, name, host, api_key_secret, status, last_heartbeat, session_started_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), NOW(), NOW())
			RETURNING id, name, host, api_key_secret, status, last_heartbeat, session_started_at,
			          total_tasks_completed, total_tasks_failed, total_documents_downloaded,
			          created_at, updated_at`,
			uuid.NewString(), name, host, newSecret, store.WorkerActive)
		return scanWorker(insertRow, &worker)
	})
	if err != nil {
		return nil, store.MapError(err)
	}
	return &worker, nil
}

// Heartbeat refreshes a worker's liveness and forces status=active.
// Idempotent: repeated calls within the same logical instant simply
// advance last_heartbeat monotonically, since NOW() never moves backward.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	return r.db.WithTx(ctx, func(q store.Querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE workers SET status = $1, last_heartbeat = NOW(), updated_at = NOW(),
			       session_started_at = CASE WHEN status <> $1 THEN NOW() ELSE session_started_at END
			WHERE id = $2`, store.WorkerActive, workerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.NotFound, "worker not found")
		}
		return nil
	})
}

// MarkInactive is the liveness sweep body: any active worker whose
// last_heartbeat is older than threshold transitions
// to inactive. Returns the number of workers transitioned. Does not touch
// task assignments; reclamation (dispatch.ReclaimStalled) is the separate
// mechanism that returns their tasks to pending.
func (r *Registry) MarkInactive(ctx context.Context, threshold time.Duration) (int64, error) {
	var affected int64
	err := r.db.WithTx(ctx, func(q store.Querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE workers SET status = $1, updated_at = NOW()
			WHERE status = $2 AND last_heartbeat < NOW() - $3 * INTERVAL '1 second'`,
			store.WorkerInactive, store.WorkerActive, threshold.Seconds())
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, store.MapError(err)
	}
	return affected, nil
}

// MarkError transitions a worker to the error state when it reports a
// fatal failure.
func (r *Registry) MarkError(ctx context.Context, workerID string) error {
	return r.db.WithTx(ctx, func(q store.Querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE workers SET status = $1, updated_at = NOW() WHERE id = $2`,
			store.WorkerError, workerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.NotFound, "worker not found")
		}
		return nil
	})
}

// Get fetches a worker by ID.
func (r *Registry) Get(ctx context.Context, workerID string) (*store.Worker, error) {
	var worker store.Worker
	err := r.db.WithTx(ctx, func(q store.Querier) error {
		row := q.QueryRow(ctx, `
			SELECT id, name, host, api_key_secret, status, last_heartbeat, session_started_at,
			       total_tasks_completed, total_tasks_failed, total_documents_downloaded,
			       created_at, updated_at
			FROM workers WHERE id = $1`, workerID)
		return scanWorker(row, &worker)
	})
	if err != nil {
		return nil, store.MapError(err)
	}
	return &worker, nil
}

// ByAPIKeySecret resolves a worker from its opaque credential, used by
// the credential gate. Returns NotFound if no worker carries it.
func (r *Registry) ByAPIKeySecret(ctx context.Context, secret string) (*store.Worker, error) {
	var worker store.Worker
	err := r.db.WithTx(ctx, func(q store.Querier) error {
		row := q.QueryRow(ctx, `
			SELECT id, name, host, api_key_secret, status, last_heartbeat, session_started_at,
			       total_tasks_completed, total_tasks_failed, total_documents_downloaded,
			       created_at, updated_at
			FROM workers WHERE api_key_secret = $1`, secret)
		return scanWorker(row, &worker)
	})
	if err != nil {
		return nil, store.MapError(err)
	}
	return &worker, nil
}

// List returns every registered worker, ordered by name, for the admin
// /clients endpoint.
func (r *Registry) List(ctx context.Context) ([]store.Worker, error) {
	var workers []store.Worker
	err := r.db.WithTx(ctx, func(q store.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT id, name, host, api_key_secret, status, last_heartbeat, session_started_at,
			       total_tasks_completed, total_tasks_failed, total_documents_downloaded,
			       created_at, updated_at
			FROM workers ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var w store.Worker
			if err := scanWorkerRows(rows, &w); err != nil {
				return err
			}
			workers = append(workers, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, store.MapError(err)
	}
	return workers, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner, w *store.Worker) error {
	return row.Scan(
		&w.ID, &w.Name, &w.Host, &w.APIKeySecret, &w.Status, &w.LastHeartbeat, &w.SessionStartedAt,
		&w.TotalTasksCompleted, &w.TotalTasksFailed, &w.TotalDocumentsDownloaded,
		&w.CreatedAt, &w.UpdatedAt,
	)
}

func scanWorkerRows(rows scanner, w *store.Worker) error { return scanWorker(rows, w) }
