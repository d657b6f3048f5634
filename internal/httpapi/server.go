package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"scribes/internal/assistant"
	"scribes/internal/ingest"
	"scribes/internal/vectorstore"
)

// UserResolver maps a request to the authenticated user id. Authentication
// itself is an upstream concern; the default resolver trusts the bearer
// token as an opaque user id for development setups.
type UserResolver func(c echo.Context) (string, error)

// DefaultUserResolver reads the bearer token as the user id.
func DefaultUserResolver(c echo.Context) (string, error) {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" || token == auth {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	return token, nil
}

// Server exposes the assistant over HTTP.
type Server struct {
	echo        *echo.Echo
	assistant   *assistant.Assistant
	pipeline    *ingest.Pipeline
	store       vectorstore.Store
	resolveUser UserResolver
}

// NewServer wires routes onto a fresh echo instance.
func NewServer(a *assistant.Assistant, pipeline *ingest.Pipeline, store vectorstore.Store, resolver UserResolver) *Server {
	if resolver == nil {
		resolver = DefaultUserResolver
	}
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	s := &Server{echo: e, assistant: a, pipeline: pipeline, store: store, resolveUser: resolver}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.POST("/assistant/query", s.handleQuery)
	s.echo.GET("/assistant/health/circuit-breaker", s.handleCircuitHealth)
	s.echo.POST("/assistant/health/circuit-breaker/reset", s.handleCircuitReset)
	s.echo.GET("/assistant/cache-stats", s.handleCacheStats)
	s.echo.GET("/assistant/stats", s.handleUserStats)
	s.echo.POST("/assistant/notes", s.handleNoteWritten)
	s.echo.DELETE("/assistant/notes/:id", s.handleNoteDeleted)
}

// ServeHTTP satisfies http.Handler for tests and embedding.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start blocks serving on addr.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
