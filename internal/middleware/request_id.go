package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qcloud-go/capi/internal/logging"
)

const (
	RequestIDKey    = "request_id"
	LoggerKey       = "logger"
	RequestIDHeader = "X-Request-ID"
)

// RequestID injects a request ID into the context and logger for each request.
func RequestID(baseLogger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set(RequestIDKey, reqID)
		c.Writer.Header().Set(RequestIDHeader, reqID)
		c.Set(LoggerKey, logging.WithRequestID(baseLogger, reqID))

		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or fallback when RequestID
// did not run.
func LoggerFrom(c *gin.Context, fallback *zap.Logger) *zap.Logger {
	if v, ok := c.Get(LoggerKey); ok {
		if l, ok := v.(*zap.Logger); ok {
			return l
		}
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}
