package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"dispatcherd.io/apperr"
	"dispatcherd.io/auth"
	"dispatcherd.io/common"
	"dispatcherd.io/config"
	"dispatcherd.io/dispatch"
	"dispatcherd.io/documents"
	"dispatcherd.io/stats"
	"dispatcherd.io/store"
)

// TaskService is the Task Dispatcher surface the API depends on.
type TaskService interface {
	Create(ctx context.Context, params store.SearchParams, startPage, maxDocuments int, concurrentConnections *int) (*store.Task, error)
	Request(ctx context.Context, workerID string) (*store.Task, error)
	ReportProgress(ctx context.Context, taskID, workerID string, counters dispatch.Counters) error
	Complete(ctx context.Context, taskID, workerID string, final dispatch.Counters, resultSummary map[string]interface{}) error
	Fail(ctx context.Context, taskID, workerID, errorMessage string) error
	Cancel(ctx context.Context, taskID string) error
	Get(ctx context.Context, taskID string) (*store.Task, error)
	List(ctx context.Context, statusFilter string, limit int) ([]store.Task, error)
}

// WorkerService is the Worker Registry surface the API depends on.
type WorkerService interface {
	Register(ctx context.Context, name string, host, secret *string) (*store.Worker, error)
	Heartbeat(ctx context.Context, workerID string) error
	List(ctx context.Context) ([]store.Worker, error)
}

// DocumentService is the Document Registrar surface the API depends on.
type DocumentService interface {
	Register(ctx context.Context, externalID string, meta store.DocumentMetadata, taskID, workerID *string, params *store.SearchParams) (*documents.RegisterResult, error)
	Get(ctx context.Context, systemID string) (*store.Document, error)
	OpenProgress(ctx context.Context, taskID, externalID, workerID string) error
	CloseProgress(ctx context.Context, taskID, externalID, status string) error
}

// StatsService is the Statistics & Indexes surface the API depends on.
type StatsService interface {
	WorkerStatistics(ctx context.Context, workerID string) (*stats.WorkerStatistics, error)
	WorkerActivity(ctx context.Context, workerID string) (*stats.WorkerActivity, error)
	TaskSummary(ctx context.Context) (*stats.StatusCounts, error)
	TaskIndexes(ctx context.Context) ([]stats.IndexBucket, error)
	TasksByIndex(ctx context.Context, courtRegion, instanceType, dateStart, dateEnd string) ([]store.Task, error)
}

// API wires the credential gate and the core services into the /api/v1
// route table.
type API struct {
	gate      *auth.Gate
	tasks     TaskService
	workers   WorkerService
	documents DocumentService
	stats     StatsService
	cfg       config.ServerConfig
}

// NewAPI builds the API surface over the given components.
func NewAPI(gate *auth.Gate, tasks TaskService, workers WorkerService, documents DocumentService, statsService StatsService, cfg config.ServerConfig) *API {
	return &API{gate: gate, tasks: tasks, workers: workers, documents: documents, stats: statsService, cfg: cfg}
}

// RegisterRoutes attaches every endpoint to e. The tighter polling and
// statistics rate limits sit on their individual routes on top of the server's
// global limiter.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", HealthCheckHandler())
	e.GET("/docs", DocumentationHandler(a.cfg))

	v1 := e.Group("/api/v1")
	v1.GET("/health", HealthCheckHandler())

	pollLimit := optionalRateLimit(a.cfg.RateLimitPoll)
	statsLimit := optionalRateLimit(a.cfg.RateLimitStats)

	v1.POST("/tasks/create", a.handleTaskCreate, a.gate.RequireAdmin)
	v1.POST("/tasks/request", a.handleTaskRequest, a.gate.RequireWorker, pollLimit)
	v1.POST("/tasks/progress", a.handleTaskProgress, a.gate.RequireWorker)
	v1.POST("/tasks/complete", a.handleTaskComplete, a.gate.RequireWorker)
	v1.POST("/tasks/fail", a.handleTaskFail, a.gate.RequireWorker)
	v1.POST("/tasks/cancel", a.handleTaskCancel, a.gate.RequireAdmin)
	v1.GET("/tasks", a.handleTaskList, a.gate.RequireAdmin)
	v1.GET("/tasks/indexes", a.handleTaskIndexes, a.gate.RequireAdmin)
	v1.GET("/tasks/by-index", a.handleTasksByIndex, a.gate.RequireAdmin)
	v1.GET("/tasks/:id", a.handleTaskGet, a.gate.RequireAdmin)

	v1.POST("/documents/register", a.handleDocumentRegister, a.gate.RequireWorker)
	v1.POST("/documents/progress/open", a.handleProgressOpen, a.gate.RequireWorker)
	v1.POST("/documents/progress/close", a.handleProgressClose, a.gate.RequireWorker)
	v1.GET("/documents/:system_id", a.handleDocumentGet, a.gate.RequireWorkerOrAdmin)

	v1.POST("/clients/register", a.handleClientRegister)
	v1.POST("/clients/heartbeat", a.handleClientHeartbeat, a.gate.RequireWorker)
	v1.GET("/clients", a.handleClientList, a.gate.RequireAdmin)
	v1.GET("/clients/:id/statistics", a.handleClientStatistics, a.gate.RequireWorkerOrAdmin, statsLimit)
	v1.GET("/clients/:id/activity", a.handleClientActivity, a.gate.RequireAdmin, statsLimit)
}

// optionalRateLimit returns a pass-through middleware when the limit is
// unset, so disabling a limit is a configuration change only.
func optionalRateLimit(perSecond float64) echo.MiddlewareFunc {
	if perSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return RateLimitMiddleware(perSecond)
}

// searchParamsBody is the wire shape of search parameters. Unknown keys
// are dropped by decoding; empty strings are treated as absent.
type searchParamsBody struct {
	CourtRegion      string `json:"CourtRegion"`
	INSType          string `json:"INSType"`
	ChairmenName     string `json:"ChairmenName"`
	SearchExpression string `json:"SearchExpression"`
	RegDateBegin     string `json:"RegDateBegin"`
	RegDateEnd       string `json:"RegDateEnd"`
	DateFrom         string `json:"DateFrom"`
	DateTo           string `json:"DateTo"`
}

func (b searchParamsBody) toParams() store.SearchParams {
	return store.SearchParams{
		CourtRegion:      b.CourtRegion,
		INSType:          b.INSType,
		ChairmenName:     b.ChairmenName,
		SearchExpression: b.SearchExpression,
		RegDateBegin:     b.RegDateBegin,
		RegDateEnd:       b.RegDateEnd,
		DateFrom:         b.DateFrom,
		DateTo:           b.DateTo,
	}
}

type createTaskRequest struct {
	SearchParams          searchParamsBody `json:"search_params"`
	StartPage             int              `json:"start_page"`
	MaxDocuments          int              `json:"max_documents"`
	ConcurrentConnections *int             `json:"concurrent_connections"`
}

func (a *API) handleTaskCreate(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}

	task, err := a.tasks.Create(c.Request().Context(), req.SearchParams.toParams(),
		req.StartPage, req.MaxDocuments, req.ConcurrentConnections)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{"task_id": task.ID})
}

// taskView is the wire shape of a task descriptor.
type taskView struct {
	TaskID                string                 `json:"task_id"`
	SearchParams          store.SearchParams     `json:"search_params"`
	StartPage             int                    `json:"start_page"`
	MaxDocuments          int                    `json:"max_documents"`
	ConcurrentConnections int                    `json:"concurrent_connections"`
	ClientID              *string                `json:"client_id,omitempty"`
	Status                string                 `json:"status"`
	CreatedAt             time.Time              `json:"created_at"`
	AssignedAt            *time.Time             `json:"assigned_at,omitempty"`
	StartedAt             *time.Time             `json:"started_at,omitempty"`
	CompletedAt           *time.Time             `json:"completed_at,omitempty"`
	Downloaded            int                    `json:"documents_downloaded"`
	Failed                int                    `json:"documents_failed"`
	Skipped               int                    `json:"documents_skipped"`
	ErrorMessage          *string                `json:"error_message,omitempty"`
	ResultSummary         map[string]interface{} `json:"result_summary,omitempty"`
}

func viewOfTask(t *store.Task) taskView {
	return taskView{
		TaskID:                t.ID,
		SearchParams:          t.Params,
		StartPage:             t.StartPage,
		MaxDocuments:          t.MaxDocuments,
		ConcurrentConnections: t.ConcurrentConnections,
		ClientID:              t.ClientID,
		Status:                t.Status,
		CreatedAt:             t.CreatedAt,
		AssignedAt:            t.AssignedAt,
		StartedAt:             t.StartedAt,
		CompletedAt:           t.CompletedAt,
		Downloaded:            t.Downloaded,
		Failed:                t.Failed,
		Skipped:               t.Skipped,
		ErrorMessage:          t.ErrorMessage,
		ResultSummary:         t.ResultSummary,
	}
}

func viewsOfTasks(tasks []store.Task) []taskView {
	views := make([]taskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, viewOfTask(&tasks[i]))
	}
	return views
}

func (a *API) handleTaskRequest(c echo.Context) error {
	principal := auth.FromContext(c)
	task, err := a.tasks.Request(c.Request().Context(), principal.WorkerID)
	if err != nil {
		return err
	}
	if task == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, viewOfTask(task))
}

type progressRequest struct {
	TaskID     string `json:"task_id"`
	Downloaded int    `json:"downloaded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
}

func (a *API) handleTaskProgress(c echo.Context) error {
	var req progressRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}
	if req.TaskID == "" {
		return apperr.New(apperr.BadRequest, "task_id is required")
	}

	principal := auth.FromContext(c)
	err := a.tasks.ReportProgress(c.Request().Context(), req.TaskID, principal.WorkerID,
		dispatch.Counters{Downloaded: req.Downloaded, Failed: req.Failed, Skipped: req.Skipped})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{})
}

type completeRequest struct {
	TaskID             string                 `json:"task_id"`
	DocumentsDownloaded int                   `json:"documents_downloaded"`
	DocumentsFailed    int                    `json:"documents_failed"`
	DocumentsSkipped   int                    `json:"documents_skipped"`
	ResultSummary      map[string]interface{} `json:"result_summary"`
}

func (a *API) handleTaskComplete(c echo.Context) error {
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}
	if req.TaskID == "" {
		return apperr.New(apperr.BadRequest, "task_id is required")
	}

	principal := auth.FromContext(c)
	err := a.tasks.Complete(c.Request().Context(), req.TaskID, principal.WorkerID,
		dispatch.Counters{Downloaded: req.DocumentsDownloaded, Failed: req.DocumentsFailed, Skipped: req.DocumentsSkipped},
		req.ResultSummary)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{})
}

type failRequest struct {
	TaskID       string `json:"task_id"`
	ErrorMessage string `json:"error_message"`
}

func (a *API) handleTaskFail(c echo.Context) error {
	var req failRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}
	if req.TaskID == "" {
		return apperr.New(apperr.BadRequest, "task_id is required")
	}

	principal := auth.FromContext(c)
	if err := a.tasks.Fail(c.Request().Context(), req.TaskID, principal.WorkerID, req.ErrorMessage); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{})
}

type cancelRequest struct {
	TaskID string `json:"task_id"`
}

func (a *API) handleTaskCancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}
	if req.TaskID == "" {
		return apperr.New(apperr.BadRequest, "task_id is required")
	}

	if err := a.tasks.Cancel(c.Request().Context(), req.TaskID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{})
}

func (a *API) handleTaskList(c echo.Context) error {
	statusFilter := c.QueryParam("status_filter")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			return apperr.New(apperr.BadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}

	ctx := c.Request().Context()
	summary, err := a.stats.TaskSummary(ctx)
	if err != nil {
		return err
	}
	tasks, err := a.tasks.List(ctx, statusFilter, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"summary": summary, "tasks": viewsOfTasks(tasks)})
}

func (a *API) handleTaskGet(c echo.Context) error {
	task, err := a.tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOfTask(task))
}

func (a *API) handleTaskIndexes(c echo.Context) error {
	buckets, err := a.stats.TaskIndexes(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"indexes": buckets})
}

func (a *API) handleTasksByIndex(c echo.Context) error {
	tasks, err := a.stats.TasksByIndex(c.Request().Context(),
		c.QueryParam("court_region"), c.QueryParam("instance_type"),
		c.QueryParam("date_start"), c.QueryParam("date_end"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"tasks": viewsOfTasks(tasks)})
}

// documentMetadataBody is the wire shape of the register payload's
// metadata. Dates are DD.MM.YYYY strings; empty strings are absent.
type documentMetadataBody struct {
	ExternalID         string `json:"external_id"`
	RegistrationNumber string `json:"registration_number"`
	URLPath            string `json:"url_path"`
	DecisionType       string `json:"decision_type"`
	DecisionDate       string `json:"decision_date"`
	LawDate            string `json:"law_date"`
	CaseType           string `json:"case_type"`
	CaseNumber         string `json:"case_number"`
	CourtName          string `json:"court_name"`
	JudgeName          string `json:"judge_name"`
}

type registerDocumentRequest struct {
	Metadata     documentMetadataBody `json:"metadata"`
	TaskID       string               `json:"task_id"`
	SearchParams *searchParamsBody    `json:"search_params"`
}

// dateLayout is the registry's date format throughout the API.
const dateLayout = "02.01.2006"

func parseDate(value, field string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, apperr.Newf(apperr.BadRequest, "%s must be a DD.MM.YYYY date", field)
	}
	return &parsed, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func (a *API) handleDocumentRegister(c echo.Context) error {
	var req registerDocumentRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}
	if req.Metadata.ExternalID == "" {
		return apperr.New(apperr.BadRequest, "metadata.external_id is required")
	}

	decisionDate, err := parseDate(req.Metadata.DecisionDate, "metadata.decision_date")
	if err != nil {
		return err
	}
	lawDate, err := parseDate(req.Metadata.LawDate, "metadata.law_date")
	if err != nil {
		return err
	}

	meta := store.DocumentMetadata{
		RegistrationNumber: optionalString(req.Metadata.RegistrationNumber),
		URLPath:            optionalString(req.Metadata.URLPath),
		DecisionType:       optionalString(req.Metadata.DecisionType),
		DecisionDate:       decisionDate,
		LawDate:            lawDate,
		CaseType:           optionalString(req.Metadata.CaseType),
		CaseNumber:         optionalString(req.Metadata.CaseNumber),
		CourtName:          optionalString(req.Metadata.CourtName),
		JudgeName:          optionalString(req.Metadata.JudgeName),
	}

	var params *store.SearchParams
	if req.SearchParams != nil {
		p := req.SearchParams.toParams()
		params = &p
	}

	principal := auth.FromContext(c)
	workerID := principal.WorkerID
	result, err := a.documents.Register(c.Request().Context(), req.Metadata.ExternalID, meta,
		optionalString(req.TaskID), &workerID, params)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, echo.Map{
		"system_id":  result.SystemID,
		"classified": result.Classified,
		"classification": echo.Map{
			"court_region":  result.CourtRegion,
			"instance_type": result.InstanceType,
			"source":        result.Source,
		},
	})
}

func (a *API) handleDocumentGet(c echo.Context) error {
	doc, err := a.documents.Get(c.Request().Context(), c.Param("system_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

type progressOpenRequest struct {
	TaskID     string `json:"task_id"`
	ExternalID string `json:"external_id"`
}

func (a *API) handleProgressOpen(c echo.Context) error {
	var req progressOpenRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}
	if req.TaskID == "" || req.ExternalID == "" {
		return apperr.New(apperr.BadRequest, "task_id and external_id are required")
	}

	principal := auth.FromContext(c)
	if err := a.documents.OpenProgress(c.Request().Context(), req.TaskID, req.ExternalID, principal.WorkerID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{})
}

type progressCloseRequest struct {
	TaskID     string `json:"task_id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

func (a *API) handleProgressClose(c echo.Context) error {
	var req progressCloseRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}
	if req.TaskID == "" || req.ExternalID == "" {
		return apperr.New(apperr.BadRequest, "task_id and external_id are required")
	}
	if req.Status != store.ProgressCompleted && req.Status != store.ProgressFailed {
		return apperr.New(apperr.BadRequest, "status must be completed or failed")
	}

	if err := a.documents.CloseProgress(c.Request().Context(), req.TaskID, req.ExternalID, req.Status); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{})
}

type registerClientRequest struct {
	ClientName string `json:"client_name"`
	ClientHost string `json:"client_host"`
	APIKey     string `json:"api_key"`
}

func (a *API) handleClientRegister(c echo.Context) error {
	var req registerClientRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}
	if req.ClientName == "" {
		return apperr.New(apperr.BadRequest, "client_name is required")
	}

	worker, err := a.workers.Register(c.Request().Context(), req.ClientName,
		optionalString(req.ClientHost), optionalString(req.APIKey))
	if err != nil {
		return err
	}
	common.Logger.WithFields(logrus.Fields{
		"client_id": worker.ID,
		"name":      worker.Name,
		"api_key":   common.MaskSecret(worker.APIKeySecret),
	}).Info("worker registered")
	return c.JSON(http.StatusCreated, echo.Map{
		"client_id": worker.ID,
		"api_key":   worker.APIKeySecret,
	})
}

func (a *API) handleClientHeartbeat(c echo.Context) error {
	principal := auth.FromContext(c)
	if err := a.workers.Heartbeat(c.Request().Context(), principal.WorkerID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{})
}

// workerView is the wire shape of a worker; the stored secret is never
// serialized.
type workerView struct {
	ClientID                 string    `json:"client_id"`
	Name                     string    `json:"name"`
	Host                     *string   `json:"host,omitempty"`
	Status                   string    `json:"status"`
	LastHeartbeat            time.Time `json:"last_heartbeat"`
	TotalTasksCompleted      int64     `json:"total_tasks_completed"`
	TotalTasksFailed         int64     `json:"total_tasks_failed"`
	TotalDocumentsDownloaded int64     `json:"total_documents_downloaded"`
	CreatedAt                time.Time `json:"created_at"`
}

func (a *API) handleClientList(c echo.Context) error {
	workers, err := a.workers.List(c.Request().Context())
	if err != nil {
		return err
	}
	views := make([]workerView, 0, len(workers))
	for _, w := range workers {
		views = append(views, workerView{
			ClientID:                 w.ID,
			Name:                     w.Name,
			Host:                     w.Host,
			Status:                   w.Status,
			LastHeartbeat:            w.LastHeartbeat,
			TotalTasksCompleted:      w.TotalTasksCompleted,
			TotalTasksFailed:         w.TotalTasksFailed,
			TotalDocumentsDownloaded: w.TotalDocumentsDownloaded,
			CreatedAt:                w.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"clients": views})
}

func (a *API) handleClientStatistics(c echo.Context) error {
	id := c.Param("id")
	principal := auth.FromContext(c)
	if principal.IsWorker() && principal.WorkerID != id {
		return apperr.New(apperr.Forbidden, "workers may only read their own statistics")
	}

	workerStats, err := a.stats.WorkerStatistics(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workerStats)
}

func (a *API) handleClientActivity(c echo.Context) error {
	activity, err := a.stats.WorkerActivity(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, activity)
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.New(apperr.BadRequest, "not a positive integer")
	}
	return n, nil
}
