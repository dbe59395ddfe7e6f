// Package http is the API Surface: Echo server setup, the credential-gated
// route table, request validation, and the typed error envelope every
// failure is shaped into.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"dispatcherd.io/apperr"
	"dispatcherd.io/common"
	"dispatcherd.io/config"
)

// NewEchoServer creates an Echo server with the standard middleware stack:
// logging, panic recovery, request IDs, CORS, security headers, a body
// limit, the global per-IP rate limit, and a per-request wall-clock
// deadline propagated to every store operation.
func NewEchoServer(cfg config.ServerConfig) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.HTTPErrorHandler = CustomHTTPErrorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("10M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "X-API-Key"},
	}))
	e.Use(SecurityHeadersMiddleware())
	e.Use(RequestDeadlineMiddleware(cfg.WriteTimeout))

	if cfg.RateLimitGlobal > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimitGlobal),
		)))
	}

	return e
}

// RateLimitMiddleware builds a per-IP limiter for a route subset, used to
// apply the tighter polling and statistics limits on top of the global one.
func RateLimitMiddleware(perSecond float64) echo.MiddlewareFunc {
	return middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(perSecond)))
}

// RequestDeadlineMiddleware attaches a wall-clock deadline to every request
// context so store operations fail with Timeout instead of running
// unbounded once the client has given up.
func RequestDeadlineMiddleware(deadline time.Duration) echo.MiddlewareFunc {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), deadline)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// SecurityHeadersMiddleware adds the standard response hardening headers.
func SecurityHeadersMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			return next(c)
		}
	}
}

// ErrorEnvelope is the response body every failed request carries.
type ErrorEnvelope struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// CustomHTTPErrorHandler shapes every error into the typed envelope. A
// *apperr.Error keeps its kind and mapped status; Echo's own HTTP errors
// (404 on unknown routes, 405, body-limit 413) are translated into the
// nearest kind; anything else is Internal with the message suppressed.
func CustomHTTPErrorHandler(err error, c echo.Context) {
	status := http.StatusInternalServerError
	envelope := ErrorEnvelope{Kind: string(apperr.Internal), Message: "internal error"}

	var appErr *apperr.Error
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &appErr):
		status = appErr.HTTPStatus()
		envelope.Kind = string(appErr.Kind)
		envelope.Message = appErr.Message
		envelope.Details = appErr.Details
	case errors.As(err, &httpErr):
		status = httpErr.Code
		envelope.Kind = string(kindForStatus(httpErr.Code))
		if msg, ok := httpErr.Message.(string); ok {
			envelope.Message = msg
		} else {
			envelope.Message = http.StatusText(httpErr.Code)
		}
	}

	if status >= http.StatusInternalServerError {
		common.Logger.WithError(err).Error("request failed")
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if err := c.JSON(status, envelope); err != nil {
		common.Logger.WithError(err).Error("failed to write error response")
	}
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return apperr.BadRequest
	case http.StatusUnauthorized:
		return apperr.Unauthorized
	case http.StatusForbidden:
		return apperr.Forbidden
	case http.StatusNotFound:
		return apperr.NotFound
	case http.StatusConflict:
		return apperr.Conflict
	case http.StatusRequestTimeout:
		return apperr.Timeout
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return apperr.StoreUnavailable
	default:
		return apperr.Internal
	}
}

// HealthResponse is the anonymous health probe's body.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheckHandler answers the anonymous health probe.
func HealthCheckHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
	}
}
