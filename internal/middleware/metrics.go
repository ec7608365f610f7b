package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"vault-ingest/internal/metrics"
)

// PrometheusMiddleware is a Gin middleware that records HTTP metrics
func PrometheusMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		m.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
