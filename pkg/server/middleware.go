package server

import (
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/m-mizutani/parley/pkg/metrics"
	"github.com/m-mizutani/parley/pkg/utils/logging"
)

const requestIDHeader = "X-Request-Id"

// requestLogger attaches a request scoped logger to the request context and
// logs the outcome of every request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		logger := logging.From(c.Request.Context()).With(
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
		c.Request = c.Request.WithContext(logging.With(c.Request.Context(), logger))

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{"status", status, "latency", time.Since(start)}
		switch {
		case status >= 500:
			logger.Error("request served", attrs...)
		case status >= 400:
			logger.Warn("request served", attrs...)
		default:
			logger.Debug("request served", attrs...)
		}
	}
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		logging.From(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"stack", string(debug.Stack()),
		)
		respondError(c, http.StatusInternalServerError, "internal server error")
	})
}

func requestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestServed(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
