package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/appguard-agent/internal/agent"
	"github.com/smallbiznis/appguard-agent/internal/config"
	httpmiddleware "github.com/smallbiznis/appguard-agent/internal/http/middleware"
)

// NewRouter wires the protected sample application. Everything below /app
// goes through the guard; /healthz reports the agent state unguarded.
func NewRouter(cfg config.Config, a *agent.Agent, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"control_state": a.State().String()}
		if at, ok := a.LastHeartbeat(); ok {
			body["last_heartbeat"] = at.UTC().Format(time.RFC3339)
		}
		defaults := a.Defaults()
		body["default_policy"] = defaults.Policy.String()
		body["cache_enabled"] = defaults.CacheEnabled
		c.JSON(http.StatusOK, body)
	})

	app := r.Group("/app", httpmiddleware.Guard(a, logger))
	{
		app.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "pong"})
		})
		app.Any("/echo/*path", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"method": c.Request.Method,
				"path":   c.Param("path"),
				"query":  c.Request.URL.Query(),
			})
		})
	}

	return r
}
