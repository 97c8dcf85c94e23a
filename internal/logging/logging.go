package logging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. Development gets a console writer,
// everything else gets JSON lines with caller info.
func Init(serviceName, env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if env == "development" || env == "" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(output).With().Timestamp().Str("service", serviceName).Logger()
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Str("service", serviceName).Logger()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = logger
	return logger
}

// FromContext returns the request-scoped logger, falling back to the global one.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
			return l
		}
	}
	return &log.Logger
}

// WithTenant attaches the tenant id to the context logger.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	l := FromContext(ctx).With().Str("tenant_id", tenantID).Logger()
	return l.WithContext(ctx)
}

// HashIdentity shortens a phone number into a stable, non-reversible log field.
func HashIdentity(identity string) string {
	if identity == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.TrimPrefix(identity, "whatsapp:")))
	return hex.EncodeToString(sum[:])[:12]
}

// Middleware logs each request and stores a request-scoped logger on the request context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		reqLogger := log.Logger.With().Str("request_id", requestID).Logger()
		c.Request = c.Request.WithContext(reqLogger.WithContext(c.Request.Context()))

		c.Next()

		event := reqLogger.Info()
		if c.Writer.Status() >= 500 {
			event = reqLogger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
