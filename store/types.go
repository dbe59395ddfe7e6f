// Package store is the Store Gateway: pooled Postgres connections, transaction
// primitives, and the row types every other component reads and writes.
package store

import "time"

// Worker status values.
const (
	WorkerActive   = "active"
	WorkerInactive = "inactive"
	WorkerError    = "error"
)

// Task status values.
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// Classification source values.
const (
	ClassifiedFromSearchParams = "search_params"
	ClassifiedFromExtracted    = "extracted"
	ClassifiedNone             = "none"
)

// Document-progress status values.
const (
	ProgressInProgress = "in_progress"
	ProgressCompleted  = "completed"
	ProgressFailed     = "failed"
)

// Worker is a registered remote download process. SessionStartedAt marks
// the moment the worker last entered the active state; per-session
// statistics are derived from the window it opens.
type Worker struct {
	ID                      string
	Name                    string
	Host                    *string
	APIKeySecret            string
	Status                  string
	LastHeartbeat           time.Time
	SessionStartedAt        time.Time
	TotalTasksCompleted     int64
	TotalTasksFailed        int64
	TotalDocumentsDownloaded int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// SearchParams is the recognized subset of a task's free-form search
// query. Unrecognized keys are discarded at the API surface before a
// SearchParams value is constructed.
type SearchParams struct {
	CourtRegion      string `json:"CourtRegion,omitempty"`
	INSType          string `json:"INSType,omitempty"`
	ChairmenName     string `json:"ChairmenName,omitempty"`
	SearchExpression string `json:"SearchExpression,omitempty"`
	RegDateBegin     string `json:"RegDateBegin,omitempty"`
	RegDateEnd       string `json:"RegDateEnd,omitempty"`
	DateFrom         string `json:"DateFrom,omitempty"`
	DateTo           string `json:"DateTo,omitempty"`
}

// Task is a unit of work: fetch up to MaxDocuments documents starting at
// StartPage with search parameters Params.
type Task struct {
	ID                    string
	Params                SearchParams
	StartPage             int
	MaxDocuments          int
	ConcurrentConnections int
	ClientID              *string
	Status                string
	CreatedAt             time.Time
	AssignedAt            *time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	Downloaded            int
	Failed                int
	Skipped               int
	ErrorMessage          *string
	ResultSummary         map[string]interface{}
}

// Classification is the (court_region, instance_type) pair with its source.
type Classification struct {
	CourtRegion    *string
	InstanceType   *string
	Source         string
	ClassifiedDate *time.Time
}

// Document is a registered artifact downloaded from the registry.
type Document struct {
	SystemID           string
	ExternalID         string
	RegistrationNumber *string
	URLPath            *string
	DecisionType       *string
	DecisionDate       *time.Time
	LawDate            *time.Time
	CaseType           *string
	CaseNumber         *string
	CourtName          *string
	JudgeName          *string
	Classification
	WorkerID  *string
	TaskID    *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentMetadata carries the fields a worker supplies on registration;
// nil pointers mean "not supplied" and never overwrite a stored non-null
// value.
type DocumentMetadata struct {
	RegistrationNumber *string
	URLPath            *string
	DecisionType       *string
	DecisionDate       *time.Time
	LawDate            *time.Time
	CaseType           *string
	CaseNumber         *string
	CourtName          *string
	JudgeName          *string
}

// DocumentProgress is one row per (task, document) download attempt.
type DocumentProgress struct {
	TaskID             string
	ExternalID         string
	RegistrationNumber *string
	StartedAt          time.Time
	CompletedAt        *time.Time
	Status             string
	WorkerID           string
}
