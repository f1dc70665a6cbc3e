package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes mounts the probe endpoints on the router.
func RegisterHTTPRoutes(r *gin.Engine, aggregator *Aggregator) {
	// readiness probe
	r.GET("/health/ready", func(c *gin.Context) {
		ctx := c.Request.Context()
		if !aggregator.Ready(ctx) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ready": true})
	})

	// liveness probe: answering at all means the process is alive
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"alive": true})
	})

	// full report; degraded still returns 200
	r.GET("/health", func(c *gin.Context) {
		report := aggregator.Report(c.Request.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})
}
