package httpapi

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halcyon-ai/casefile/internal/config"
	"github.com/halcyon-ai/casefile/internal/logger"
	"github.com/halcyon-ai/casefile/internal/session"
)

// NewRouter builds the gin engine with all routes and middleware wired.
func NewRouter(cfg *config.Config, mgr *session.Manager, log *logger.Logger) *gin.Engine {
	gin.SetMode(cfg.GinMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware(cfg.CORSAllowedOrigins))

	h := NewHandlers(cfg, mgr, log)

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/sessions/:id/stream", h.StreamSession)
	r.POST("/sessions/:id/cancel", h.CancelSession)
	r.POST("/sessions/:id/message", h.SendMessage)
	r.DELETE("/sessions/:id", h.DeleteSession)

	return r
}

// requestIDMiddleware assigns each request an id, honouring one supplied by
// the caller, and stamps it on the context for log correlation.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// corsMiddleware reflects the request origin when it is in the configured
// allow-list (comma separated; "*" allows any).
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	allowAll := allowedOrigins == "*"
	allowed := map[string]bool{}
	for _, origin := range strings.Split(allowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
