// Package log provides structured logging shared by every component.
package log

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config configures the global logger.
type Config struct {
	Level   string
	Output  io.Writer
	Service string

	// ActivityLog, when set, receives recording-lifecycle events
	// (component=recording), kept separate from the general application
	// log; when unset they go to Output. The global log level filters
	// these events as well.
	ActivityLog io.Writer
}

var (
	mu          sync.RWMutex
	base        zerolog.Logger
	activity    zerolog.Logger
	initialized bool
)

// Configure initialises the global logger. Safe to call once at startup.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	service := cfg.Service
	if service == "" {
		service = "streamvault"
	}

	base = zerolog.New(writer).With().Timestamp().Str("service", service).Logger()

	actWriter := cfg.ActivityLog
	if actWriter == nil {
		actWriter = writer
	}
	activity = zerolog.New(actWriter).With().
		Timestamp().
		Str("service", service).
		Str("component", "recording").
		Logger()

	initialized = true
}

func ensureInitialized() {
	mu.RLock()
	if initialized {
		mu.RUnlock()
		return
	}
	mu.RUnlock()
	Configure(Config{})
}

func logger() zerolog.Logger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// L returns a pointer to the global logger.
func L() *zerolog.Logger {
	l := logger()
	return &l
}

// Activity returns the recording-activity logger.
func Activity() *zerolog.Logger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	l := activity
	return &l
}

// WithComponent returns a child logger tagged with the given component.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

type ctxKey int

const (
	ctxKeyCorrelationID ctxKey = iota
	ctxKeyLogger
)

// ContextWithCorrelationID attaches a correlation ID (typically the
// EventSub message-id or a generated UUID) to the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelationID, id)
}

// CorrelationIDFromContext extracts the correlation ID. When the context
// carries none it returns a freshly generated one; the context is not
// changed, so each such call yields a different ID.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyCorrelationID).(string); ok && v != "" {
		return v
	}
	return uuid.New().String()
}

// WithContext returns the supplied base logger annotated with the
// correlation ID from CorrelationIDFromContext (a generated one when the
// context carries none).
func WithContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	return base.With().Str("correlation_id", CorrelationIDFromContext(ctx)).Logger()
}

// ContextWithLogger embeds a ready-made logger in the context for retrieval
// by FromContext for request-scoped logging.
func ContextWithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, l)
}

// FromContext returns the logger embedded by ContextWithLogger, or the
// global base logger if none was embedded.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(zerolog.Logger); ok {
		return l
	}
	return logger()
}
