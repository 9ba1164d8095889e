// Package api wires the conductor's HTTP and WebSocket surface
// (SPEC_FULL.md §6): a gin router over the REST/A2A/MCP routes of §6.2 and
// a JSON-RPC-over-WebSocket endpoint at /api/ws implementing §6.1.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/platform/apperror"
	"github.com/banterop/conductor/internal/platform/logging"
	"github.com/banterop/conductor/internal/platform/tracing"
)

// RequestID stamps every request with an X-Request-ID, generating one if
// the caller didn't supply it.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// RequestLogger logs each request's method, path, status, and duration.
func RequestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

// ErrorHandler renders any apperror.AppError left on the gin context as
// {"error":{"code","message"}} with its mapped HTTP status.
func ErrorHandler(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 {
			return
		}
		ae := apperror.As(c.Errors.Last().Err)
		if ae.HTTPStatus >= http.StatusInternalServerError {
			log.Error("request error", zap.String("code", string(ae.Code)), zap.Error(ae))
		}
		c.JSON(ae.HTTPStatus, gin.H{"error": gin.H{"code": ae.Code, "message": ae.Message}})
	}
}

// Recovery recovers from panics in a handler and renders a 500 instead of
// crashing the process.
func Recovery(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", zap.Any("panic", r), zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": apperror.CodeInternal, "message": "internal server error"},
				})
			}
		}()
		c.Next()
	}
}

// CORS allows cross-origin requests from any browser-hosted agent client.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Edit-Token, X-Banterop-Backend-Lease, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// OtelTracing wraps each request in an OTel span, named serverName for the
// tracer itself. A no-op tracer is installed when OTEL_EXPORTER_OTLP_ENDPOINT
// is unset, so this middleware costs nothing by default and requires no
// component to opt out of it.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		spanName := fmt.Sprintf("%s %s", c.Request.Method, path)

		ctx, span := tracer.Start(c.Request.Context(), spanName)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.Int("http.response.size", c.Writer.Size()),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// fail aborts the request with err, letting ErrorHandler render it.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
