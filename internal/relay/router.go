package relay

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the relay HTTP surface: the websocket upgrade, health,
// Prometheus metrics and a room stats endpoint.
func NewRouter(server *Server, registry *Registry, metricsEnabled bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", func(c *gin.Context) {
		server.HandleWebSocket(c.Writer, c.Request)
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
		})
	})

	router.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": registry.Stats()})
	})

	if metricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return router
}
