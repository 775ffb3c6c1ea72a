// Package notify emits batch-completion notifications so downstream
// consumers know a batch's export is ready to pick up.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

// Notifier receives one report per completed orchestration batch.
type Notifier interface {
	BatchDone(ctx context.Context, report backfill.BatchReport) error
}

// Config selects and parameterizes the notifier.
type Config struct {
	// Provider is one of "noop", "log", "pubsub".
	Provider  string
	ProjectID string
	TopicName string
}

// New constructs the configured notifier.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Notifier, error) {
	switch cfg.Provider {
	case "noop", "":
		return Noop{}, nil
	case "log":
		return &Log{logger: logger}, nil
	case "pubsub":
		return NewPubSub(ctx, cfg.ProjectID, cfg.TopicName)
	default:
		return nil, fmt.Errorf("unknown notify provider %q", cfg.Provider)
	}
}

// Noop swallows notifications.
type Noop struct{}

// BatchDone does nothing.
func (Noop) BatchDone(context.Context, backfill.BatchReport) error { return nil }

// Log writes each batch report to the service log.
type Log struct {
	logger *zap.Logger
}

// NewLog constructs a log-backed notifier.
func NewLog(logger *zap.Logger) *Log { return &Log{logger: logger} }

// BatchDone logs the report.
func (l *Log) BatchDone(_ context.Context, report backfill.BatchReport) error {
	l.logger.Info("batch complete",
		zap.String("session", report.SessionID),
		zap.Int("batch", report.Batch),
		zap.Int("endpoints", report.Endpoints),
		zap.Int("dids", report.DIDs),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("deadlettered", report.Deadlettered),
		zap.Int("requests", report.Requests))
	return nil
}
