package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const CorrelationIDKey = "correlation_id"

type correlationKey struct{}

func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Try to get correlation ID from header
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Set in context and response header
		c.Set(CorrelationIDKey, correlationID)
		c.Header("X-Correlation-ID", correlationID)

		ctx := context.WithValue(c.Request.Context(), correlationKey{}, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// CorrelationIDFrom returns the correlation id stored by CorrelationID, or "".
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// GetCorrelationID returns the correlation id of the current gin request.
func GetCorrelationID(c *gin.Context) string {
	return c.GetString(CorrelationIDKey)
}
