package ops

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openvine/vinesync/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// NewLogger creates a new structured logger based on config
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers

// LogSubscriptionAdmitted logs a new managed subscription
func (l *Logger) LogSubscriptionAdmitted(id, name string, priority, activeCount int) {
	l.Debug("subscription admitted",
		"id", id,
		"name", name,
		"priority", priority,
		"active", activeCount)
}

// LogSubscriptionEnded logs a subscription reaching a terminal state
func (l *Logger) LogSubscriptionEnded(id, state string) {
	l.Debug("subscription ended",
		"id", id,
		"state", state)
}

// LogEviction logs a priority displacement
func (l *Logger) LogEviction(evictedID string, evictedPriority int) {
	l.Info("subscription evicted under pressure",
		"id", evictedID,
		"priority", evictedPriority)
}

// LogRetryScheduled logs a pending re-subscription
func (l *Logger) LogRetryScheduled(name string, attempt int, delay time.Duration) {
	l.Warn("subscription retry scheduled",
		"name", name,
		"attempt", attempt,
		"delay", delay.String())
}

// LogRateLimitDrop logs a rate-limited event drop
func (l *Logger) LogRateLimitDrop(subscriptionID string, dropped uint64) {
	l.Debug("event dropped by rate limiter",
		"subscription", subscriptionID,
		"total_dropped", dropped)
}

// LogReconcileApplied logs a reconciled item mutation
func (l *Logger) LogReconcileApplied(collection, key string, createdAt int64) {
	l.Debug("reconciled item applied",
		"collection", collection,
		"key", key,
		"created_at", createdAt)
}

// LogCacheFlush logs a collection persist
func (l *Logger) LogCacheFlush(collection string, items int, err error) {
	if err != nil {
		l.Error("cache flush failed",
			"collection", collection,
			"items", items,
			"error", err)
	} else {
		l.Debug("cache flushed",
			"collection", collection,
			"items", items)
	}
}

// LogCacheLoad logs a collection cold-start load
func (l *Logger) LogCacheLoad(collection string, loaded, corrupt int, discarded bool) {
	if discarded {
		l.Warn("cached collection discarded",
			"collection", collection,
			"corrupt", corrupt)
		return
	}
	l.Info("cached collection loaded",
		"collection", collection,
		"loaded", loaded,
		"corrupt", corrupt)
}

// LogStorageOperation logs a storage operation
func (l *Logger) LogStorageOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("storage operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogRetentionPrune logs a retention pruning operation
func (l *Logger) LogRetentionPrune(deletedCount int, err error) {
	if err != nil {
		l.Error("retention pruning failed",
			"deleted", deletedCount,
			"error", err)
	} else {
		l.Info("retention pruning completed",
			"deleted", deletedCount)
	}
}

// LogStartup logs engine startup information
func (l *Logger) LogStartup(npub string, seeds int) {
	l.Info("vinesync engine starting",
		"identity", npub,
		"seed_relays", seeds)
}

// LogShutdown logs engine shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("vinesync engine shutting down",
		"reason", reason)
}

// Default logger configuration
var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}
