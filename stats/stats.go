// Package stats computes the derived aggregate views the admin dashboard
// reads: per-worker statistics, live activity snapshots with throughput
// and ETA, the overall task summary, and the per-(region, instance,
// date-range) task indexes. Everything here is recomputed on read from
// committed store state, with the cache layer absorbing dashboard load.
package stats

import (
	"context"
	"encoding/json"
	"time"

	"dispatcherd.io/apperr"
	"dispatcherd.io/cache"
	"dispatcherd.io/store"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(store.Querier) error) error
}

// Stats serves the read-side aggregates over tasks, workers, documents,
// and document-progress rows.
type Stats struct {
	db    txRunner
	cache cache.Layer
}

// New builds a Stats reader over the given Store Gateway and cache layer.
func New(db *store.Gateway, cacheLayer cache.Layer) *Stats {
	return &Stats{db: db, cache: cacheLayer}
}

// StatusCounts buckets tasks by lifecycle status.
type StatusCounts struct {
	Pending    int64 `json:"pending"`
	Assigned   int64 `json:"assigned"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// Total sums every bucket.
func (s StatusCounts) Total() int64 {
	return s.Pending + s.Assigned + s.InProgress + s.Completed + s.Failed + s.Cancelled
}

// WorkerStatistics is the per-worker aggregate view.
type WorkerStatistics struct {
	WorkerID            string       `json:"worker_id"`
	Tasks               StatusCounts `json:"tasks"`
	DocumentsDownloaded int64        `json:"documents_downloaded"`
	DocumentsFailed     int64        `json:"documents_failed"`
	DocumentsSkipped    int64        `json:"documents_skipped"`
	FirstTaskAt         *time.Time   `json:"first_task_at,omitempty"`
	LastTaskAt          *time.Time   `json:"last_task_at,omitempty"`
	DistinctRegions     int64        `json:"distinct_regions"`
	DistinctInstances   int64        `json:"distinct_instance_types"`
	DistinctCaseTypes   int64        `json:"distinct_case_types"`
	ClassifiedDocuments int64        `json:"classified_documents"`
}

// WorkerStatistics computes the aggregate view for one worker, reading
// through the worker:<id>:statistics cache key. Document sums come from
// the worker's completed tasks; distinct counts from its registered
// documents.
func (s *Stats) WorkerStatistics(ctx context.Context, workerID string) (*WorkerStatistics, error) {
	var cached WorkerStatistics
	if err := s.cache.GetWorkerStatistics(ctx, workerID, &cached); err == nil {
		return &cached, nil
	}

	result := WorkerStatistics{WorkerID: workerID}
	err := s.db.WithTx(ctx, func(q store.Querier) error {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workers WHERE id = $1)`, workerID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.New(apperr.NotFound, "worker not found")
		}

		row := q.QueryRow(ctx, `
			SELECT COUNT(*) FILTER (WHERE status = 'pending'),
			       COUNT(*) FILTER (WHERE status = 'assigned'),
			       COUNT(*) FILTER (WHERE status = 'in_progress'),
			       COUNT(*) FILTER (WHERE status = 'completed'),
			       COUNT(*) FILTER (WHERE status = 'failed'),
			       COUNT(*) FILTER (WHERE status = 'cancelled'),
			       COALESCE(SUM(downloaded) FILTER (WHERE status = 'completed'), 0),
			       COALESCE(SUM(failed) FILTER (WHERE status = 'completed'), 0),
			       COALESCE(SUM(skipped) FILTER (WHERE status = 'completed'), 0),
			       MIN(created_at), MAX(completed_at)
			FROM tasks WHERE client_id = $1`, workerID)
		if err := row.Scan(
			&result.Tasks.Pending, &result.Tasks.Assigned, &result.Tasks.InProgress,
			&result.Tasks.Completed, &result.Tasks.Failed, &result.Tasks.Cancelled,
			&result.DocumentsDownloaded, &result.DocumentsFailed, &result.DocumentsSkipped,
			&result.FirstTaskAt, &result.LastTaskAt,
		); err != nil {
			return err
		}

		row = q.QueryRow(ctx, `
			SELECT COUNT(DISTINCT court_region), COUNT(DISTINCT instance_type),
			       COUNT(DISTINCT case_type),
			       COUNT(*) FILTER (WHERE classification_source IS NOT NULL)
			FROM documents WHERE worker_id = $1`, workerID)
		return row.Scan(
			&result.DistinctRegions, &result.DistinctInstances,
			&result.DistinctCaseTypes, &result.ClassifiedDocuments,
		)
	})
	if err != nil {
		return nil, store.MapError(err)
	}

	_ = s.cache.SetWorkerStatistics(ctx, workerID, result)
	return &result, nil
}

// PeriodStats aggregates a worker's output over a time window.
type PeriodStats struct {
	TasksCompleted      int64 `json:"tasks_completed"`
	TasksFailed         int64 `json:"tasks_failed"`
	DocumentsDownloaded int64 `json:"documents_downloaded"`
}

// CurrentTask is the in-flight task slice of an activity snapshot.
// ThroughputPerSec and ETASeconds are nil until at least one document of
// the task has completed.
type CurrentTask struct {
	Task             store.Task `json:"task"`
	CompletedDocs    int64      `json:"completed_documents"`
	ThroughputPerSec *float64   `json:"throughput_per_sec,omitempty"`
	ETASeconds       *float64   `json:"eta_seconds,omitempty"`
}

// WorkerActivity is the live snapshot the admin UI polls for one worker.
type WorkerActivity struct {
	WorkerID      string       `json:"worker_id"`
	Name          string       `json:"name"`
	Status        string       `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	CurrentTask   *CurrentTask `json:"current_task,omitempty"`
	Session       PeriodStats  `json:"session"`
	Lifetime      PeriodStats  `json:"lifetime"`
	RecentErrors  []string     `json:"recent_errors"`
}

// recentErrorLimit bounds the ring of recent error messages in an
// activity snapshot.
const recentErrorLimit = 10

// WorkerActivity builds the live snapshot: the worker's current task (if
// any) with a throughput estimate, session stats since it last entered
// the active state, lifetime counters, and its most recent task errors.
// Not cached: the snapshot is only useful fresh.
func (s *Stats) WorkerActivity(ctx context.Context, workerID string) (*WorkerActivity, error) {
	var activity WorkerActivity
	err := s.db.WithTx(ctx, func(q store.Querier) error {
		var sessionStart time.Time
		row := q.QueryRow(ctx, `
			SELECT id, name, status, last_heartbeat, session_started_at,
			       total_tasks_completed, total_tasks_failed, total_documents_downloaded
			FROM workers WHERE id = $1`, workerID)
		if err := row.Scan(
			&activity.WorkerID, &activity.Name, &activity.Status, &activity.LastHeartbeat,
			&sessionStart, &activity.Lifetime.TasksCompleted, &activity.Lifetime.TasksFailed,
			&activity.Lifetime.DocumentsDownloaded,
		); err != nil {
			return err
		}

		row = q.QueryRow(ctx, `
			SELECT COUNT(*) FILTER (WHERE status = 'completed'),
			       COUNT(*) FILTER (WHERE status = 'failed'),
			       COALESCE(SUM(downloaded) FILTER (WHERE status = 'completed'), 0)
			FROM tasks WHERE client_id = $1 AND completed_at >= $2`, workerID, sessionStart)
		if err := row.Scan(
			&activity.Session.TasksCompleted, &activity.Session.TasksFailed,
			&activity.Session.DocumentsDownloaded,
		); err != nil {
			return err
		}

		current, err := s.currentTask(ctx, q, workerID)
		if err != nil {
			return err
		}
		activity.CurrentTask = current

		rows, err := q.Query(ctx, `
			SELECT error_message FROM tasks
			WHERE client_id = $1 AND status = 'failed' AND error_message IS NOT NULL
			ORDER BY completed_at DESC LIMIT $2`, workerID, recentErrorLimit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var msg string
			if err := rows.Scan(&msg); err != nil {
				return err
			}
			activity.RecentErrors = append(activity.RecentErrors, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, store.MapError(err)
	}
	return &activity, nil
}

func (s *Stats) currentTask(ctx context.Context, q store.Querier, workerID string) (*CurrentTask, error) {
	var current CurrentTask
	row := q.QueryRow(ctx, `
		SELECT id, search_params, start_page, max_documents, concurrent_connections,
		       client_id, status, created_at, assigned_at, started_at, completed_at,
		       downloaded, failed, skipped, error_message, result_summary
		FROM tasks
		WHERE client_id = $1 AND status IN ('assigned', 'in_progress')
		ORDER BY assigned_at DESC LIMIT 1`, workerID)
	if err := scanTask(row, &current.Task); err != nil {
		if store.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}

	row = q.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'completed')
		FROM document_progress WHERE task_id = $1`, current.Task.ID)
	if err := row.Scan(&current.CompletedDocs); err != nil {
		return nil, err
	}

	throughput, eta := estimate(&current.Task, current.CompletedDocs, time.Now())
	current.ThroughputPerSec = throughput
	current.ETASeconds = eta
	return &current, nil
}

// estimate derives throughput (completed documents per second over the
// task's lifetime so far) and the ETA to reach max_documents. Both are
// undefined until at least one document has completed and the task has
// a started_at.
func estimate(task *store.Task, completedDocs int64, now time.Time) (throughput, eta *float64) {
	if completedDocs < 1 || task.StartedAt == nil {
		return nil, nil
	}
	elapsed := now.Sub(*task.StartedAt).Seconds()
	if elapsed <= 0 {
		return nil, nil
	}
	rate := float64(completedDocs) / elapsed
	throughput = &rate

	remaining := float64(task.MaxDocuments - task.Downloaded)
	if remaining < 0 {
		remaining = 0
	}
	etaVal := remaining / rate
	eta = &etaVal
	return throughput, eta
}

// TaskSummary counts every task by status, reading through the
// tasks:summary cache key.
func (s *Stats) TaskSummary(ctx context.Context) (*StatusCounts, error) {
	var cached StatusCounts
	if err := s.cache.GetTaskSummary(ctx, &cached); err == nil {
		return &cached, nil
	}

	var summary StatusCounts
	err := s.db.WithTx(ctx, func(q store.Querier) error {
		row := q.QueryRow(ctx, `
			SELECT COUNT(*) FILTER (WHERE status = 'pending'),
			       COUNT(*) FILTER (WHERE status = 'assigned'),
			       COUNT(*) FILTER (WHERE status = 'in_progress'),
			       COUNT(*) FILTER (WHERE status = 'completed'),
			       COUNT(*) FILTER (WHERE status = 'failed'),
			       COUNT(*) FILTER (WHERE status = 'cancelled')
			FROM tasks`)
		return row.Scan(
			&summary.Pending, &summary.Assigned, &summary.InProgress,
			&summary.Completed, &summary.Failed, &summary.Cancelled,
		)
	})
	if err != nil {
		return nil, store.MapError(err)
	}

	_ = s.cache.SetTaskSummary(ctx, summary)
	return &summary, nil
}

// IndexBucket is one entry of the task index: all tasks sharing a
// (court_region, instance_type, date_range) triple derived from their
// search parameters, with totals per status. Empty strings mean the
// tasks in the bucket carry no value for that dimension.
type IndexBucket struct {
	CourtRegion  string       `json:"court_region"`
	InstanceType string       `json:"instance_type"`
	DateStart    string       `json:"date_start"`
	DateEnd      string       `json:"date_end"`
	Counts       StatusCounts `json:"counts"`
}

// indexDimensionsSQL derives the bucket triple from a task's stored
// search parameters: region and instance come straight from the
// recognized keys, the date range prefers the decision-date window
// (DateFrom/DateTo) and falls back to the registration-date window.
const indexDimensionsSQL = `
	COALESCE(NULLIF(search_params->>'CourtRegion', ''), '') AS court_region,
	COALESCE(NULLIF(search_params->>'INSType', ''), '') AS instance_type,
	COALESCE(NULLIF(search_params->>'DateFrom', ''), NULLIF(search_params->>'RegDateBegin', ''), '') AS date_start,
	COALESCE(NULLIF(search_params->>'DateTo', ''), NULLIF(search_params->>'RegDateEnd', ''), '') AS date_end`

// TaskIndexes groups every task into its (court_region, instance_type,
// date_range) bucket — the canonical map of work the admin UI paginates
// through.
func (s *Stats) TaskIndexes(ctx context.Context) ([]IndexBucket, error) {
	var buckets []IndexBucket
	err := s.db.WithTx(ctx, func(q store.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT `+indexDimensionsSQL+`,
			       COUNT(*) FILTER (WHERE status = 'pending'),
			       COUNT(*) FILTER (WHERE status = 'assigned'),
			       COUNT(*) FILTER (WHERE status = 'in_progress'),
			       COUNT(*) FILTER (WHERE status = 'completed'),
			       COUNT(*) FILTER (WHERE status = 'failed'),
			       COUNT(*) FILTER (WHERE status = 'cancelled')
			FROM tasks
			GROUP BY 1, 2, 3, 4
			ORDER BY 1, 2, 3, 4`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var b IndexBucket
			if err := rows.Scan(
				&b.CourtRegion, &b.InstanceType, &b.DateStart, &b.DateEnd,
				&b.Counts.Pending, &b.Counts.Assigned, &b.Counts.InProgress,
				&b.Counts.Completed, &b.Counts.Failed, &b.Counts.Cancelled,
			); err != nil {
				return err
			}
			buckets = append(buckets, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, store.MapError(err)
	}
	return buckets, nil
}

// TasksByIndex lists the tasks of a single index bucket, oldest first.
func (s *Stats) TasksByIndex(ctx context.Context, courtRegion, instanceType, dateStart, dateEnd string) ([]store.Task, error) {
	var tasks []store.Task
	err := s.db.WithTx(ctx, func(q store.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT id, search_params, start_page, max_documents, concurrent_connections,
			       client_id, status, created_at, assigned_at, started_at, completed_at,
			       downloaded, failed, skipped, error_message, result_summary
			FROM (SELECT *, `+indexDimensionsSQL+` FROM tasks) t
			WHERE court_region = $1 AND instance_type = $2 AND date_start = $3 AND date_end = $4
			ORDER BY created_at, id`,
			courtRegion, instanceType, dateStart, dateEnd)
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
	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner, t *store.Task) error {
	var paramsJSON, summaryJSON []byte
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
