package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/retrack/internal/api/handlers"
	"github.com/your-org/retrack/internal/api/ws"
	"github.com/your-org/retrack/internal/auth"
)

// Store is the database surface the API needs.
type Store interface {
	handlers.SessionStore
	handlers.EventStore
	handlers.Pinger
}

type RouterConfig struct {
	APIKey  string
	DB      Store
	MinIO   handlers.ObjectStore
	Control handlers.ControlPublisher
	Hub     *ws.Hub
	// Checks are reported by /readyz in addition to the database.
	Checks map[string]handlers.Pinger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	checks := map[string]handlers.Pinger{"postgres": cfg.DB}
	for name, p := range cfg.Checks {
		checks[name] = p
	}

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	// Sessions
	sessionH := handlers.NewSessionHandler(cfg.DB, cfg.Control)
	v1.POST("/sessions", sessionH.Create)
	v1.GET("/sessions", sessionH.List)
	v1.GET("/sessions/:id", sessionH.Get)
	v1.POST("/sessions/:id/start", sessionH.Start)
	v1.POST("/sessions/:id/stop", sessionH.Stop)
	v1.DELETE("/sessions/:id", sessionH.Delete)
	v1.POST("/sessions/:id/tracks", sessionH.AddTrack)
	v1.DELETE("/sessions/:id/tracks/:trackId", sessionH.RemoveTrack)
	v1.POST("/sessions/:id/acquire", sessionH.Acquire)

	// Events
	eventH := handlers.NewEventHandler(cfg.DB, cfg.MinIO)
	v1.GET("/sessions/:id/events", eventH.List)
	v1.GET("/events/:id/snapshot", eventH.Snapshot)
	v1.GET("/events/:id/similar", eventH.Similar)

	return r
}
