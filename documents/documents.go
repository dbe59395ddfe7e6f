// Package documents implements idempotent document registration with
// system-ID assignment, two-stage classification, and per-(task,
// document) progress records.
package documents

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dispatcherd.io/apperr"
	"dispatcherd.io/cache"
	"dispatcherd.io/store"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(store.Querier) error) error
}

// Registrar implements document registration and progress records. The
// upsert merges via COALESCE(stored, incoming) in the SET clause: null
// stored fields are filled, non-null stored scalars are never
// overwritten.
type Registrar struct {
	db    txRunner
	cache cache.Layer
}

// New builds a Registrar over the given Store Gateway and cache layer.
func New(db *store.Gateway, cacheLayer cache.Layer) *Registrar {
	return &Registrar{db: db, cache: cacheLayer}
}

// RegisterResult is what register returns to the API Surface.
type RegisterResult struct {
	SystemID       string
	Classified     bool
	CourtRegion    *string
	InstanceType   *string
	Source         string
	ClassifiedDate *time.Time
}

// Register upserts a document by external ID. On conflict, non-null
// stored fields win; null fields are filled from the incoming metadata.
// Classification runs inside the same transaction and is persisted only
// when it produces at least one field.
func (r *Registrar) Register(ctx context.Context, externalID string, meta store.DocumentMetadata, taskID, workerID *string, params *store.SearchParams) (*RegisterResult, error) {
	if externalID == "" {
		return nil, apperr.New(apperr.BadRequest, "external_id is required")
	}

	region, instance, source, classifiedAt := classify(params, meta.CourtName)

	var result RegisterResult
	err := r.db.WithTx(ctx, func(q store.Querier) error {
		row := q.QueryRow(ctx, `
			INSERT INTO documents (
				system_id, external_id, registration_number, url_path, decision_type,
				decision_date, law_date, case_type, case_number, court_name, judge_name,
				court_region, instance_type, classification_source, classification_date,
				worker_id, task_id, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW()
			)
			ON CONFLICT (external_id) DO UPDATE SET
				registration_number  = COALESCE(documents.registration_number, EXCLUDED.registration_number),
				url_path             = COALESCE(documents.url_path, EXCLUDED.url_path),
				decision_type        = COALESCE(documents.decision_type, EXCLUDED.decision_type),
				decision_date        = COALESCE(documents.decision_date, EXCLUDED.decision_date),
				law_date             = COALESCE(documents.law_date, EXCLUDED.law_date),
				case_type            = COALESCE(documents.case_type, EXCLUDED.case_type),
				case_number          = COALESCE(documents.case_number, EXCLUDED.case_number),
				court_name           = COALESCE(documents.court_name, EXCLUDED.court_name),
				judge_name           = COALESCE(documents.judge_name, EXCLUDED.judge_name),
				court_region         = COALESCE(documents.court_region, EXCLUDED.court_region),
				instance_type        = COALESCE(documents.instance_type, EXCLUDED.instance_type),
				classification_source = COALESCE(documents.classification_source, EXCLUDED.classification_source),
				classification_date  = COALESCE(documents.classification_date, EXCLUDED.classification_date),
				task_id              = COALESCE(documents.task_id, EXCLUDED.task_id),
				updated_at           = NOW()
			RETURNING system_id, court_region, instance_type, COALESCE(classification_source, ''), classification_date`,
			uuid.NewString(), externalID, meta.RegistrationNumber, meta.URLPath, meta.DecisionType,
			meta.DecisionDate, meta.LawDate, meta.CaseType, meta.CaseNumber, meta.CourtName, meta.JudgeName,
			region, instance, nilIfNone(source), classifiedAt, workerID, taskID)

		if err := row.Scan(&result.SystemID, &result.CourtRegion, &result.InstanceType, &result.Source, &result.ClassifiedDate); err != nil {
			return err
		}
		if result.Source == "" {
			result.Source = sourceNone
		}
		result.Classified = result.Source != sourceNone

		if workerID != nil {
			tag, err := q.Exec(ctx, `
				UPDATE workers SET total_documents_downloaded = total_documents_downloaded + 1, updated_at = NOW()
				WHERE id = $1`, *workerID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return apperr.New(apperr.NotFound, "worker not found")
			}
		}
		return nil
	})
	if err != nil {
		return nil, store.MapError(err)
	}

	r.cache.InvalidateDocument(ctx, result.SystemID)
	return &result, nil
}

func nilIfNone(source string) *string {
	if source == sourceNone || source == "" {
		return nil
	}
	return &source
}

// Get fetches a document by its system ID, reading through the cache.
func (r *Registrar) Get(ctx context.Context, systemID string) (*store.Document, error) {
	var doc store.Document
	if err := r.cache.GetDocument(ctx, systemID, &doc); err == nil {
		return &doc, nil
	}

	err := r.db.WithTx(ctx, func(q store.Querier) error {
		row := q.QueryRow(ctx, `
			SELECT system_id, external_id, registration_number, url_path, decision_type,
			       decision_date, law_date, case_type, case_number, court_name, judge_name,
			       court_region, instance_type, COALESCE(classification_source, 'none'), classification_date,
			       worker_id, task_id, created_at, updated_at
			FROM documents WHERE system_id = $1`, systemID)
		return scanDocument(row, &doc)
	})
	if err != nil {
		return nil, store.MapError(err)
	}

	_ = r.cache.SetDocument(ctx, systemID, doc)
	return &doc, nil
}

// OpenProgress upserts a progress record in in_progress, unique on
// (task_id, external_id).
func (r *Registrar) OpenProgress(ctx context.Context, taskID, externalID, workerID string) error {
	return r.db.WithTx(ctx, func(q store.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO document_progress (task_id, external_id, worker_id, status, started_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (task_id, external_id) DO UPDATE SET
				worker_id  = EXCLUDED.worker_id,
				status     = EXCLUDED.status,
				started_at = document_progress.started_at`,
			taskID, externalID, workerID, store.ProgressInProgress)
		return err
	})
}

// CloseProgress finalizes a progress record's status and completed_at.
// Failure to close is not fatal to the caller's overall registration
// flow, but this method still surfaces the error so the caller can log it.
func (r *Registrar) CloseProgress(ctx context.Context, taskID, externalID, status string) error {
	err := r.db.WithTx(ctx, func(q store.Querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE document_progress SET status = $1, completed_at = NOW()
			WHERE task_id = $2 AND external_id = $3`, status, taskID, externalID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.NotFound, "progress record not found")
		}
		return nil
	})
	if err != nil {
		return store.MapError(err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner, d *store.Document) error {
	return row.Scan(
		&d.SystemID, &d.ExternalID, &d.RegistrationNumber, &d.URLPath, &d.DecisionType,
		&d.DecisionDate, &d.LawDate, &d.CaseType, &d.CaseNumber, &d.CourtName, &d.JudgeName,
		&d.CourtRegion, &d.InstanceType, &d.Source, &d.ClassifiedDate,
		&d.WorkerID, &d.TaskID, &d.CreatedAt, &d.UpdatedAt,
	)
}
