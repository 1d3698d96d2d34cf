package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/velasquezlegal/timeledger/internal/auth"
	"github.com/velasquezlegal/timeledger/internal/config"
	"github.com/velasquezlegal/timeledger/internal/handlers"
	"github.com/velasquezlegal/timeledger/internal/service"
	"github.com/velasquezlegal/timeledger/internal/store"
)

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /ready
// Authenticated: /time-entries and its workflow transitions
func NewRouter(cfg config.Config, st *store.Store, svc *service.TimeEntryService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Auth group binds the principal context via X-API-Key.
	authGroup := r.Group("/")
	authGroup.Use(auth.PrincipalMiddleware(cfg.APIKeys))

	handlers.RegisterTimeEntryRoutes(authGroup, svc)

	return r
}
