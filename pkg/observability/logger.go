package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/platinummonkey/warden/pkg/contextkeys"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	return []string{"DEBUG", "INFO", "WARN", "ERROR"}[l]
}

// ParseLogLevel maps a level name to a LogLevel. Unknown names are InfoLevel.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger writes one JSON object per line through slog
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a logger that drops messages below level. A nil output is stdout.
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level.slogLevel()})
	return &Logger{logger: slog.New(handler)}
}

func (l *Logger) with(args ...interface{}) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// WithField adds a field to every message of the returned logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(key, value)
}

// WithFields adds several fields at once
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.with(args...)
}

// WithError adds err as the error field. A nil error returns l unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

// ForTenant scopes the logger to a caller in an organization. Empty values are left out.
func (l *Logger) ForTenant(userID, organizationID string) *Logger {
	args := make([]interface{}, 0, 4)
	if userID != "" {
		args = append(args, "user_id", userID)
	}
	if organizationID != "" {
		args = append(args, "organization_id", organizationID)
	}
	if len(args) == 0 {
		return l
	}
	return l.with(args...)
}

func (l *Logger) Debug(message string) {
	l.logger.Debug(message)
}

func (l *Logger) Info(message string) {
	l.logger.Info(message)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(message string) {
	l.logger.Warn(message)
}

func (l *Logger) Error(message string) {
	l.logger.Error(message)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// WithRequestID stores the request ID for logs and audit events
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextkeys.RequestIDKey, requestID)
}

// GetRequestID returns the request ID stored in ctx, or ""
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextkeys.RequestIDKey).(string)
	return id
}

// WithTenant stores the caller and its organization for logs
func WithTenant(ctx context.Context, userID, organizationID string) context.Context {
	ctx = context.WithValue(ctx, contextkeys.UserIDKey, userID)
	if organizationID != "" {
		ctx = context.WithValue(ctx, contextkeys.OrganizationIDKey, organizationID)
	}
	return ctx
}

// GetUserID returns the caller stored in ctx, or ""
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(contextkeys.UserIDKey).(string)
	return id
}

// GetOrganizationID returns the organization stored in ctx, or ""
func GetOrganizationID(ctx context.Context) string {
	id, _ := ctx.Value(contextkeys.OrganizationIDKey).(string)
	return id
}

// FromContext scopes base to the request: its ID, the caller, the
// organization and the active trace
func FromContext(ctx context.Context, base *Logger) *Logger {
	logger := base.ForTenant(GetUserID(ctx), GetOrganizationID(ctx))
	if id := GetRequestID(ctx); id != "" {
		logger = logger.WithField("request_id", id)
	}
	if fields := traceFields(ctx); fields != nil {
		logger = logger.WithFields(fields)
	}
	return logger
}
