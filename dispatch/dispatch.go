// Package dispatch implements the task lifecycle state machine:
// exclusive assignment under concurrent worker polling, timeout
// reclamation, and completion accounting.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dispatcherd.io/apperr"
	"dispatcherd.io/cache"
	"dispatcherd.io/store"
)

// txRunner is the shape of store.Gateway this package depends on.
type txRunner interface {
	WithTx(ctx context.Context, fn func(store.Querier) error) error
}

// Dispatcher implements task creation, exclusive assignment, progress
// reporting, completion, failure, stall reclamation, and cancellation.
// Every transition is a conditional UPDATE gated on the current status
// and holder; zero rows affected means the transition is not permitted.
type Dispatcher struct {
	db    txRunner
	cache cache.Layer
}

// New builds a Dispatcher over the given Store Gateway and cache layer.
func New(db *store.Gateway, cacheLayer cache.Layer) *Dispatcher {
	return &Dispatcher{db: db, cache: cacheLayer}
}

// Counters are the three cumulative per-task counters tracked throughout
// a task's execution.
type Counters struct {
	Downloaded int
	Failed     int
	Skipped    int
}

// Create inserts a new pending task. Duplicates are allowed and expected
// for re-runs; there is no uniqueness constraint.
func (d *Dispatcher) Create(ctx context.Context, params store.SearchParams, startPage, maxDocuments int, concurrentConnections *int) (*store.Task, error) {
	if startPage < 1 {
		return nil, apperr.New(apperr.BadRequest, "start_page must be >= 1")
	}
	if maxDocuments < 1 {
		return nil, apperr.New(apperr.BadRequest, "max_documents must be >= 1")
	}
	connections := 5
	if concurrentConnections != nil {
		if *concurrentConnections < 1 {
			return nil, apperr.New(apperr.BadRequest, "concurrent_connections must be >= 1")
		}
		connections = *concurrentConnections
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to marshal search params")
	}

	var task store.Task
	err = d.db.WithTx(ctx, func(q store.Querier) error {
		row := q.QueryRow(ctx, `
			INSERT INTO tasks (id, search_params, start_page, max_documents, concurrent_connections, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			RETURNING id, search_params, start_page, max_documents, concurrent_connections,
			          client_id, status, created_at, assigned_at, started_at, completed_at,
			          downloaded, failed, skipped, error_message, result_summary`,
			uuid.NewString(), paramsJSON, startPage, maxDocuments, connections, store.TaskPending)
		return scanTask(row, &task)
	})
	if err != nil {
		return nil, store.MapError(err)
	}

	d.invalidateListViews(ctx)
	return &task, nil
}

// Request atomically claims one pending task for worker_id. Selection
// policy: oldest created_at first, ties broken by task UUID. Implemented
// as a single conditional UPDATE ... WHERE id = (SELECT ... FOR UPDATE
// SKIP LOCKED), so two concurrent requesters never receive the same
// task; an empty pending queue returns (nil, nil), never an error.
func (d *Dispatcher) Request(ctx context.Context, workerID string) (*store.Task, error) {
	var task store.Task
	var found bool
	err := d.db.WithTx(ctx, func(q store.Querier) error {
		row := q.QueryRow(ctx, `
			UPDATE tasks SET status = $1, client_id = $2, assigned_at = NOW()
			WHERE id = (
				SELECT id FROM tasks
				WHERE status = $3
				ORDER BY created_at, id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, search_params, start_page, max_documents, concurrent_connections,
			          client_id, status, created_at, assigned_at, started_at, completed_at,
			          downloaded, failed, skipped, error_message, result_summary`,
			store.TaskAssigned, workerID, store.TaskPending)
		scanErr := scanTask(row, &task)
		if scanErr == nil {
			found = true
			return nil
		}
		if store.IsNoRows(scanErr) {
			return nil
		}
		return scanErr
	})
	if err != nil {
		return nil, store.MapError(err)
	}
	if !found {
		return nil, nil
	}
	d.invalidateListViews(ctx)
	return &task, nil
}

// ReportProgress updates a task's running counters. Permitted only while
// the task is assigned/in_progress and held by worker_id. On first
// report, transitions assigned -> in_progress and sets started_at.
// Counter regressions are rejected as a Conflict.
func (d *Dispatcher) ReportProgress(ctx context.Context, taskID, workerID string, counters Counters) error {
	return d.db.WithTx(ctx, func(q store.Querier) error {
		var current store.Task
		row := q.QueryRow(ctx, `
			SELECT id, search_params, start_page, max_documents, concurrent_connections,
			       client_id, status, created_at, assigned_at, started_at, completed_at,
			       downloaded, failed, skipped, error_message, result_summary
			FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
		if err := scanTask(row, &current); err != nil {
			if store.IsNoRows(err) {
				return apperr.New(apperr.NotFound, "task not found")
			}
			return err
		}

		if current.ClientID == nil || *current.ClientID != workerID {
			return store.RowsAffectedConflict("task not held by worker")
		}
		if current.Status != store.TaskAssigned && current.Status != store.TaskInProgress {
			return store.RowsAffectedConflict("task not assigned or in progress")
		}
		if counters.Downloaded < current.Downloaded || counters.Failed < current.Failed || counters.Skipped < current.Skipped {
			return apperr.New(apperr.Conflict, "progress counters must be monotonically non-decreasing")
		}

		newStatus := current.Status
		setStarted := ""
		if current.Status == store.TaskAssigned {
			newStatus = store.TaskInProgress
			setStarted = ", started_at = NOW()"
		}

		tag, err := q.Exec(ctx, `
			UPDATE tasks SET status = $1, downloaded = $2, failed = $3, skipped = $4`+setStarted+`
			WHERE id = $5 AND client_id = $6 AND status IN ($7, $8)`,
			newStatus, counters.Downloaded, counters.Failed, counters.Skipped,
			taskID, workerID, store.TaskAssigned, store.TaskInProgress)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.RowsAffectedConflict("task not held by worker")
		}
		return nil
	})
}

// Complete finalizes a task as completed, writing final counters and, in
// the same transaction, incrementing the worker's total_tasks_completed
// and total_documents_downloaded. Permitted only from
// assigned/in_progress held by worker_id.
func (d *Dispatcher) Complete(ctx context.Context, taskID, workerID string, final Counters, resultSummary map[string]interface{}) error {
	var summaryJSON []byte
	if resultSummary != nil {
		var err error
		summaryJSON, err = json.Marshal(resultSummary)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "failed to marshal result summary")
		}
	}

	err := d.db.WithTx(ctx, func(q store.Querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE tasks SET status = $1, completed_at = NOW(),
			       downloaded = $2, failed = $3, skipped = $4, result_summary = $5
			WHERE id = $6 AND client_id = $7 AND status IN ($8, $9)`,
			store.TaskCompleted, final.Downloaded, final.Failed, final.Skipped, summaryJSON,
			taskID, workerID, store.TaskAssigned, store.TaskInProgress)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.RowsAffectedConflict("task not held by worker")
		}

		tag, err = q.Exec(ctx, `
			UPDATE workers SET total_tasks_completed = total_tasks_completed + 1,
			       total_documents_downloaded = total_documents_downloaded + $1,
			       updated_at = NOW()
			WHERE id = $2`, final.Downloaded, workerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.NotFound, "worker not found")
		}
		return nil
	})
	if err != nil {
		return store.MapError(err)
	}
	d.invalidateListViews(ctx)
	d.cache.InvalidateWorkerStatistics(ctx, workerID)
	return nil
}

// Fail transitions a task to failed, recording the error and
// incrementing the worker's failed-tasks counter.
func (d *Dispatcher) Fail(ctx context.Context, taskID, workerID, errorMessage string) error {
	err := d.db.WithTx(ctx, func(q store.Querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE tasks SET status = $1, completed_at = NOW(), error_message = $2
			WHERE id = $3 AND client_id = $4 AND status IN ($5, $6)`,
			store.TaskFailed, errorMessage, taskID, workerID, store.TaskAssigned, store.TaskInProgress)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.RowsAffectedConflict("task not held by worker")
		}

		tag, err = q.Exec(ctx, `
			UPDATE workers SET total_tasks_failed = total_tasks_failed + 1, updated_at = NOW()
			WHERE id = $1`, workerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.NotFound, "worker not found")
		}
		return nil
	})
	if err != nil {
		return store.MapError(err)
	}
	d.invalidateListViews(ctx)
	return nil
}

// Cancel transitions a task to cancelled from any non-terminal state.
// Admin-only; enforced by the credential gate at the edge, not here.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	err := d.db.WithTx(ctx, func(q store.Querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE tasks SET status = $1, completed_at = NOW()
			WHERE id = $2 AND status IN ($3, $4, $5)`,
			store.TaskCancelled, taskID, store.TaskPending, store.TaskAssigned, store.TaskInProgress)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.Conflict, "task already terminal or not found")
		}
		return nil
	})
	if err != nil {
		return store.MapError(err)
	}
	d.invalidateListViews(ctx)
	return nil
}

// ReclaimStalled is the reclamation sweep body: any assigned/in_progress
// task whose holding worker's last_heartbeat is older than the liveness
// timeout is returned to pending with client_id/assigned_at cleared. The
// previous worker is not penalized. Returns the number of tasks
// reclaimed.
func (d *Dispatcher) ReclaimStalled(ctx context.Context, livenessTimeout time.Duration) (int64, error) {
	var affected int64
	err := d.db.WithTx(ctx, func(q store.Querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE tasks SET status = $1, client_id = NULL, assigned_at = NULL
			WHERE status IN ($2, $3)
			  AND client_id IN (
			    SELECT id FROM workers WHERE last_heartbeat < NOW() - $4 * INTERVAL '1 second'
			  )`,
			store.TaskPending, store.TaskAssigned, store.TaskInProgress, livenessTimeout.Seconds())
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, store.MapError(err)
	}
	if affected > 0 {
		d.invalidateListViews(ctx)
	}
	return affected, nil
}

// Get fetches a single task by ID.
func (d *Dispatcher) Get(ctx context.Context, taskID string) (*store.Task, error) {
	var task store.Task
	err := d.db.WithTx(ctx, func(q store.Querier) error {
		row := q.QueryRow(ctx, `
			SELECT id, search_params, start_page, max_documents, concurrent_connections,
			       client_id, status, created_at, assigned_at, started_at, completed_at,
			       downloaded, failed, skipped, error_message, result_summary
			FROM tasks WHERE id = $1`, taskID)
		return scanTask(row, &task)
	})
	if err != nil {
		return nil, store.MapError(err)
	}
	return &task, nil
}

// List returns tasks optionally filtered by status, newest first, capped
// at limit, for the admin task listing.
func (d *Dispatcher) List(ctx context.Context, statusFilter string, limit int) ([]store.Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var cached []store.Task
	if err := d.cache.GetTaskList(ctx, statusFilter, limit, &cached); err == nil {
		return cached, nil
	}
	var tasks []store.Task
	err := d.db.WithTx(ctx, func(q store.Querier) error {
		var rows pgx.Rows
		var err error
		if statusFilter != "" {
			rows, err = q.Query(ctx, `
				SELECT id, search_params, start_page, max_documents, concurrent_connections,
				       client_id, status, created_at, assigned_at, started_at, completed_at,
				       downloaded, failed, skipped, error_message, result_summary
				FROM tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, statusFilter, limit)
		} else {
			rows, err = q.Query(ctx, `
				SELECT id, search_params, start_page, max_documents, concurrent_connections,
				       client_id, status, created_at, assigned_at, started_at, completed_at,
				       downloaded, failed, skipped, error_message, result_summary
				FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t store.Task
			if err := scanTask(rows, &t); err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, store.MapError(err)
	}
	_ = d.cache.SetTaskList(ctx, statusFilter, limit, tasks)
	return tasks, nil
}

func (d *Dispatcher) invalidateListViews(ctx context.Context) {
	d.cache.InvalidateTaskLists(ctx)
	d.cache.InvalidateTaskSummary(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner, t *store.Task) error {
	var paramsJSON []byte
	var summaryJSON []byte
	if err := row.Scan(
		&t.ID, &paramsJSON, &t.StartPage, &t.MaxDocuments, &t.ConcurrentConnections,
		&t.ClientID, &t.Status, &t.CreatedAt, &t.AssignedAt, &t.StartedAt, &t.CompletedAt,
		&t.Downloaded, &t.Failed, &t.Skipped, &t.ErrorMessage, &summaryJSON,
	); err != nil {
		return err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
			return apperr.Wrap(apperr.Internal, err, "failed to unmarshal search params")
		}
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &t.ResultSummary); err != nil {
			return apperr.Wrap(apperr.Internal, err, "failed to unmarshal result summary")
		}
	}
	return nil
}
