// Package logging builds the shared logrus logger and operation-scoped entries.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/domain"
)

// Operation names used in structured log fields.
const (
	OperationAnalyze      = "analyze"
	OperationTrain        = "train"
	OperationInteractions = "check_interactions"
	OperationEnrich       = "enrich"
	OperationFetch        = "reference_fetch"
)

type correlationKey struct{}

// NewLogger creates a logger configured from cfg.
func NewLogger(cfg domain.LoggingConfig) *logrus.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg domain.LoggingConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	return logger
}

// WithCorrelationID stores id on ctx, generating one when id is empty.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored on ctx, if any.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// ForOperation returns an entry tagged with the operation and the
// correlation id carried by ctx.
func ForOperation(ctx context.Context, logger *logrus.Logger, operation string) *logrus.Entry {
	fields := logrus.Fields{"operation": operation}
	if id := CorrelationID(ctx); id != "" {
		fields["correlation_id"] = id
	}
	return logger.WithFields(fields)
}
