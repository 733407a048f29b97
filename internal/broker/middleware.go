package broker

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

// loggingMiddleware logs every request with method, path, client address,
// status, and latency. Successes log at debug to keep steady-state output
// quiet; failures log at warn or error by severity.
func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		clientIP := c.ClientIP()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.String("client_ip", clientIP),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}

		switch {
		case status >= 500:
			logger.Error("Request failed", fields...)
		case status >= 400:
			logger.Warn("Request rejected", fields...)
		default:
			logger.Debug("Request handled", fields...)
		}
	}
}

// recoveryMiddleware catches panics at the outermost handler boundary, logs
// them with context, and answers with a generic internal error so no
// internals leak to the caller.
func recoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Handler panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					newError(CodeInternal, "internal server error"))
			}
		}()
		c.Next()
	}
}

// bodyLimitMiddleware caps request bodies at the frame ceiling. Oversized
// bodies surface as read errors inside the handler and are rejected as
// validation failures.
func bodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, protocol.MaxFrameBytes)
		c.Next()
	}
}
