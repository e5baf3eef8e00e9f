// Package log provides structured logging for the delegate daemon.
// Entries are leveled, category-tagged key=value lines written to a
// rotating file, and simultaneously published on a broker so live
// subscribers can tail the daemon from the UI.
package log

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zjrosen/delegate/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category groups related log messages.
type Category string

const (
	CatDaemon   Category = "daemon"   // Lifecycle, lock, pidfile
	CatSched    Category = "sched"    // Scheduler loop, turn batches, nudges
	CatSession  Category = "session"  // Model sessions and rotation
	CatWorkflow Category = "workflow" // Stage transitions and hooks
	CatMerge    Category = "merge"    // Merge worker
	CatGit      Category = "git"      // Worktree and branch operations
	CatSandbox  Category = "sandbox"  // Guard decisions and denials
	CatTool     Category = "tool"     // In-process tool server
	CatBus      Category = "bus"      // Event log and fan-out
	CatDB       Category = "db"       // Persistence and migrations
	CatHTTP     Category = "http"     // HTTP surface
	CatConfig   Category = "config"   // Configuration loading
	CatTeam     Category = "team"     // Team lifecycle
)

// Logger provides structured logging.
type Logger struct {
	mu       sync.Mutex
	writer   io.WriteCloser
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[string]
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger with size-based rotation.
// Returns a cleanup function to close the log sink.
func Init(path string) (func(), error) {
	once.Do(func() {
		defaultLogger = &Logger{
			writer: &lumberjack.Logger{
				Filename:   path,
				MaxSize:    20, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			},
			enabled:  true,
			minLevel: LevelInfo,
			broker:   pubsub.NewBroker[string](),
		}
	})
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil && defaultLogger.writer != nil {
			_ = defaultLogger.writer.Close()
		}
	}, nil
}

// InitWithWriter initializes the global logger against an arbitrary
// writer. Used by tests and by `start --foreground`.
func InitWithWriter(w io.WriteCloser) func() {
	defaultLogger = &Logger{
		writer:   w,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
	}
	return func() { _ = w.Close() }
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	write(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	write(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	write(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	write(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value appended as a field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	write(LevelError, cat, msg, fields...)
}

func write(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil || !defaultLogger.enabled {
		return
	}
	if level < defaultLogger.minLevel {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	// Format: 2025-12-06T10:45:00 [ERROR] [merge] message key=value
	entry := fmt.Sprintf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02T15:04:05"), level, cat, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		entry += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		entry += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	entry += "\n"

	if defaultLogger.writer != nil {
		_, _ = defaultLogger.writer.Write([]byte(entry))
	}
	if defaultLogger.broker != nil {
		defaultLogger.broker.Publish(pubsub.CreatedEvent, entry)
	}
}

// Subscribe returns a channel of formatted log lines. The channel is
// closed when ctx is cancelled. Returns nil when logging is not
// initialized.
func Subscribe(ctx context.Context) <-chan pubsub.Event[string] {
	if defaultLogger == nil || defaultLogger.broker == nil {
		return nil
	}
	return defaultLogger.broker.Subscribe(ctx)
}
