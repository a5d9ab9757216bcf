package logger

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Middleware returns a Gin middleware function that logs requests
func Middleware(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		reqLogger := logger.WithRequestID(requestID)
		if userID, ok := c.Get("userId"); ok && userID != nil {
			reqLogger = reqLogger.WithUserID(fmt.Sprintf("%v", userID))
		}

		c.Set("logger", reqLogger)

		start := time.Now()
		c.Next()

		method := c.Request.Method
		path := c.Request.URL.Path
		reqLogger.LogRequest(method, path, c.Writer.Status(), time.Since(start))

		for _, err := range c.Errors {
			reqLogger.LogError(err.Err, "request error",
				"method", method,
				"path", path,
				"error_type", err.Type,
			)
		}
	}
}

// FromContext returns the request-scoped logger stored by Middleware, or the global one
func FromContext(c *gin.Context) *Logger {
	if l, ok := c.Get("logger"); ok {
		if logger, ok := l.(*Logger); ok {
			return logger
		}
	}
	return GetGlobal()
}
