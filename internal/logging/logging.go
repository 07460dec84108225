// Package logging provides the structured logger used by every component
// except the worker runtime's per-resource evaluation loop (pkg/worker
// uses rs/zerolog there for its allocation-free hot path).
package logging

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const (
	TraceIDKey  ctxKey = "trace_id"
	TenantIDKey ctxKey = "tenant_id"
	JobIDKey    ctxKey = "job_id"
)

// Logger wraps logrus.Logger with a fixed service name and context-aware
// field extraction.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a Logger. format is "json" or "text"; level is any logrus level name.
func New(service, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, service: service}
}

// NewFromEnv reads LOG_LEVEL/LOG_FORMAT (defaulting to info/json).
func NewFromEnv(service string) *Logger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns a logrus.Entry enriched with trace/tenant/job ids
// carried on ctx, when present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(TenantIDKey); v != nil {
		entry = entry.WithField("tenant_id", v)
	}
	if v := ctx.Value(JobIDKey); v != nil {
		entry = entry.WithField("job_id", v)
	}
	return entry
}

// WithJob returns an entry tagged with a job id, independent of context.
func (l *Logger) WithJob(jobID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "job_id": jobID})
}

// ContextWithTrace returns a context carrying a trace id for downstream logging.
func ContextWithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// ContextWithTenant returns a context carrying a tenant id for downstream logging.
func ContextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}
