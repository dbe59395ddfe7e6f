// Package auth resolves every inbound call to {admin, worker, anonymous}
// from the X-API-Key header: one static admin key plus per-worker
// secrets resolved through the registry.
package auth

import (
	"context"
	"crypto/subtle"

	"github.com/labstack/echo/v4"

	"dispatcherd.io/apperr"
	"dispatcherd.io/store"
)

// Role identifies the resolved caller kind.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleWorker    Role = "worker"
	RoleAnonymous Role = "anonymous"
)

// Principal is the resolved identity attached to the request context.
// Downstream components see only this; the raw credential never leaves
// the gate.
type Principal struct {
	Role     Role
	WorkerID string // set only when Role == RoleWorker
}

func (p Principal) IsAdmin() bool  { return p.Role == RoleAdmin }
func (p Principal) IsWorker() bool { return p.Role == RoleWorker }

// workerResolver is the subset of registry.Registry the gate needs, kept
// narrow so auth never imports the full registry API surface.
type workerResolver interface {
	ByAPIKeySecret(ctx context.Context, secret string) (*store.Worker, error)
}

// Gate resolves the X-API-Key header into a Principal.
type Gate struct {
	adminKey string
	workers  workerResolver
	enabled  bool
}

// New builds a Gate. adminKey is the static admin credential; workers
// resolves per-worker secrets. When enabled is false every call resolves
// to an admin principal, an escape hatch for local development.
func New(adminKey string, workers workerResolver, enabled bool) *Gate {
	return &Gate{adminKey: adminKey, workers: workers, enabled: enabled}
}

const principalContextKey = "principal"

// Resolve inspects the request's X-API-Key header and returns the
// matching Principal, or Unauthorized if the header is present but
// matches neither the admin key nor any worker secret.
func (g *Gate) Resolve(ctx context.Context, apiKey string) (Principal, error) {
	if !g.enabled {
		return Principal{Role: RoleAdmin}, nil
	}
	if apiKey == "" {
		return Principal{Role: RoleAnonymous}, nil
	}
	if g.adminKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(g.adminKey)) == 1 {
		return Principal{Role: RoleAdmin}, nil
	}
	worker, err := g.workers.ByAPIKeySecret(ctx, apiKey)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return Principal{}, apperr.New(apperr.Unauthorized, "invalid API key")
		}
		return Principal{}, err
	}
	return Principal{Role: RoleWorker, WorkerID: worker.ID}, nil
}

// RequireWorker is Echo middleware for worker-facing endpoints: resolves
// the caller and rejects anything but a worker principal.
func (g *Gate) RequireWorker(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := g.resolveFromRequest(c)
		if err != nil {
			return err
		}
		if !principal.IsWorker() {
			if principal.Role == RoleAnonymous {
				return apperr.New(apperr.Unauthorized, "worker credential required")
			}
			return apperr.New(apperr.Forbidden, "worker credential required")
		}
		c.Set(principalContextKey, principal)
		return next(c)
	}
}

// RequireAdmin is Echo middleware for admin-only endpoints.
func (g *Gate) RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := g.resolveFromRequest(c)
		if err != nil {
			return err
		}
		if !principal.IsAdmin() {
			if principal.Role == RoleAnonymous {
				return apperr.New(apperr.Unauthorized, "admin credential required")
			}
			return apperr.New(apperr.Forbidden, "admin credential required")
		}
		c.Set(principalContextKey, principal)
		return next(c)
	}
}

// RequireWorkerOrAdmin is Echo middleware for endpoints either caller may
// access (e.g. document lookup, self statistics).
func (g *Gate) RequireWorkerOrAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := g.resolveFromRequest(c)
		if err != nil {
			return err
		}
		if !principal.IsAdmin() && !principal.IsWorker() {
			return apperr.New(apperr.Unauthorized, "credential required")
		}
		c.Set(principalContextKey, principal)
		return next(c)
	}
}

func (g *Gate) resolveFromRequest(c echo.Context) (Principal, error) {
	key := c.Request().Header.Get("X-API-Key")
	principal, err := g.Resolve(c.Request().Context(), key)
	if err != nil {
		return Principal{}, err
	}
	return principal, nil
}

// FromContext retrieves the Principal a middleware attached to the Echo
// context, for handlers that need to branch on caller identity (e.g. a
// worker reading only its own statistics).
func FromContext(c echo.Context) Principal {
	p, _ := c.Get(principalContextKey).(Principal)
	return p
}
