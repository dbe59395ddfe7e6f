package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"dispatcherd.io/config"
	"dispatcherd.io/version"
)

// EndpointDoc describes one API endpoint on the documentation page.
type EndpointDoc struct {
	Method      string
	Path        string
	Caller      string
	Description string
}

// endpointDocs is the service's endpoint table, rendered at /docs.
var endpointDocs = []EndpointDoc{
	{"POST", "/api/v1/tasks/create", "admin", "Create a pending download task"},
	{"POST", "/api/v1/tasks/request", "worker", "Claim one pending task; 204 when the queue is empty"},
	{"POST", "/api/v1/tasks/progress", "worker", "Report running counters for a held task"},
	{"POST", "/api/v1/tasks/complete", "worker", "Finalize a held task with its counters"},
	{"POST", "/api/v1/tasks/fail", "worker", "Mark a held task failed with an error message"},
	{"POST", "/api/v1/tasks/cancel", "admin", "Cancel a non-terminal task"},
	{"GET", "/api/v1/tasks", "admin", "Task summary and list, filterable by status"},
	{"GET", "/api/v1/tasks/indexes", "admin", "Tasks bucketed by (region, instance, date range)"},
	{"GET", "/api/v1/tasks/by-index", "admin", "Tasks of one index bucket"},
	{"GET", "/api/v1/tasks/{id}", "admin", "One task by id"},
	{"POST", "/api/v1/documents/register", "worker", "Register a downloaded document"},
	{"POST", "/api/v1/documents/progress/open", "worker", "Open a per-document download record"},
	{"POST", "/api/v1/documents/progress/close", "worker", "Close a per-document download record"},
	{"GET", "/api/v1/documents/{system_id}", "worker/admin", "One document by system id"},
	{"POST", "/api/v1/clients/register", "anonymous", "Register a worker; returns its id and key"},
	{"POST", "/api/v1/clients/heartbeat", "worker", "Refresh worker liveness"},
	{"GET", "/api/v1/clients", "admin", "Registered worker list"},
	{"GET", "/api/v1/clients/{id}/statistics", "admin/self", "Per-worker aggregate statistics"},
	{"GET", "/api/v1/clients/{id}/activity", "admin", "Live activity snapshot"},
	{"GET", "/api/v1/health", "anonymous", "Health probe"},
}

// DocumentationHandler renders a human-readable endpoint table. Handy when
// pointing a new worker deployment at the service for the first time.
func DocumentationHandler(cfg config.ServerConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.HTML(http.StatusOK, generateDocHTML(cfg))
	}
}

func generateDocHTML(cfg config.ServerConfig) string {
	build := version.GetBuildInfo()

	var rows strings.Builder
	for _, ep := range endpointDocs {
		rows.WriteString(fmt.Sprintf(
			"\t\t<tr><td><span class=\"method method-%s\">%s</span></td><td><code>%s</code></td><td>%s</td><td>%s</td></tr>\n",
			strings.ToLower(ep.Method), ep.Method, ep.Path, ep.Caller, ep.Description))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>dispatcherd - API Documentation</title>
	<style>
		body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; color: #333; background: #f5f5f5; margin: 0; }
		.header { background: #2c3e50; color: white; padding: 1.5rem 2rem; }
		.container { max-width: 1100px; margin: 0 auto; padding: 2rem; }
		table { width: 100%%; background: white; border-collapse: collapse; box-shadow: 0 1px 3px rgba(0,0,0,0.1); }
		th, td { padding: 0.6rem 1rem; text-align: left; border-bottom: 1px solid #eee; }
		thead { background: #2c3e50; color: white; }
		code { background: #f4f4f4; padding: 0.15rem 0.35rem; border-radius: 3px; font-size: 0.9rem; }
		.method { padding: 0.2rem 0.5rem; border-radius: 4px; font-weight: bold; font-size: 0.75rem; }
		.method-get { background: #28a745; color: white; }
		.method-post { background: #007bff; color: white; }
		.build { opacity: 0.7; font-size: 0.85rem; }
	</style>
</head>
<body>
	<div class="header">
		<h1>dispatcherd</h1>
		<p>Court-registry download task dispatcher and document registration service, port %d</p>
		<p class="build">%s &middot; built with %s &middot; %d dependencies</p>
	</div>
	<div class="container">
		<p>Authentication: <code>X-API-Key</code> header. Admin endpoints need the admin key;
		worker endpoints need the key returned by <code>/api/v1/clients/register</code>.</p>
		<table>
			<thead><tr><th>Method</th><th>Path</th><th>Caller</th><th>Description</th></tr></thead>
			<tbody>
%s			</tbody>
		</table>
	</div>
</body>
</html>`, cfg.Port, version.GetModuleVersion(), build.GoVersion, len(build.Dependencies), rows.String())
}
