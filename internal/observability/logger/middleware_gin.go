package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/arbiter/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	headerRequestID  = "X-Request-Id"
	ginKeyRequestID  = "request_id"
	ginKeyPhase      = "dispute_phase"
	httpRequestEvent = "http_request"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps the last handler error to (type, code) for the log line.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware scopes the request context with the request id and the
// :id route parameter, then logs one http_request line when the handler returns.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		if disputeID := strings.TrimSpace(c.Param("id")); disputeID != "" {
			ctx = obscontext.WithDisputeID(ctx, disputeID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := requestFields(c, route, status, time.Since(start))

		var errorType string
		if lastErr := c.Errors.Last(); lastErr != nil {
			var errorCode string
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(lastErr.Err)
			}
			fields = append(fields,
				zap.String("error_type", errorType),
				zap.String("error_code", errorCode),
			)
			if cfg.Debug {
				fields = append(fields, zap.Error(lastErr.Err))
			}
		}

		// The actor is attached by the auth middleware after this one runs.
		log := FromContext(c.Request.Context())
		if ce := log.Check(levelFor(route, status, errorType), httpRequestEvent); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestFields(c *gin.Context, route string, status int, elapsed time.Duration) []zap.Field {
	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("route", route),
		zap.Int("status", status),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
		zap.Int("bytes_out", max(c.Writer.Size(), 0)),
	}
	if phase := c.GetString(ginKeyPhase); phase != "" {
		fields = append(fields, zap.String(ginKeyPhase, phase))
	}
	return fields
}

func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
	if requestID == "" {
		requestID = strings.TrimSpace(c.GetString(ginKeyRequestID))
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(ginKeyRequestID, requestID)
	c.Header(headerRequestID, requestID)
	return requestID
}

// levelFor keeps probes quiet and reports the expected dispute races
// (stale phase, throttling, a non-party poking a dispute) at warn.
func levelFor(route string, status int, errorType string) zapcore.Level {
	switch {
	case route == "/metrics", route == "/health":
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status == http.StatusConflict && errorType == "conflict",
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
