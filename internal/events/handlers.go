package events

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/phrazzld/docbulk/internal/platform/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LogHandler writes one log line per outcome and a progress line every
// ProgressEvery events.
type LogHandler struct {
	logger        *slog.Logger
	progressEvery int64
	seen          atomic.Int64
	failed        atomic.Int64
}

// NewLogHandler creates a LogHandler. A progressEvery of zero disables the
// periodic progress line.
func NewLogHandler(log *slog.Logger, progressEvery int) *LogHandler {
	if log == nil {
		log = slog.Default()
	}
	return &LogHandler{
		logger:        log.With(slog.String("component", "outcome_log")),
		progressEvery: int64(progressEvery),
	}
}

// HandleEvent implements EventHandler.
func (h *LogHandler) HandleEvent(ctx context.Context, event *OutcomeEvent) error {
	log := logger.FromContextOrDefault(ctx, h.logger)

	attrs := []any{
		slog.String("identifier", event.Identifier),
		slog.String("stage", event.Stage.String()),
		slog.Duration("duration", event.Duration),
	}
	if event.OK {
		log.Info("stage succeeded", append(attrs, slog.String("remote_id", event.RemoteID))...)
	} else {
		h.failed.Add(1)
		log.Warn("stage failed", append(attrs, slog.String("kind", string(event.Kind)))...)
	}

	n := h.seen.Add(1)
	if h.progressEvery > 0 && n%h.progressEvery == 0 {
		log.Info("progress",
			slog.Int64("outcomes", n),
			slog.Int64("failures", h.failed.Load()))
	}
	return nil
}

// MetricsHandler records outcomes as OpenTelemetry instruments.
type MetricsHandler struct {
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetricsHandler creates the docbulk.stage.* instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	attempts, err := meter.Int64Counter(
		"docbulk.stage.attempts",
		metric.WithDescription("Stage attempts by stage, outcome and error kind"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"docbulk.stage.duration",
		metric.WithDescription("Wall time of one stage attempt including transport retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &MetricsHandler{attempts: attempts, duration: duration}, nil
}

// HandleEvent implements EventHandler.
func (h *MetricsHandler) HandleEvent(ctx context.Context, event *OutcomeEvent) error {
	set := metric.WithAttributes(
		attribute.String("stage", event.Stage.String()),
		attribute.String("outcome", event.Outcome()),
		attribute.String("kind", string(event.Kind)),
	)
	h.attempts.Add(ctx, 1, set)
	h.duration.Record(ctx, event.Duration.Seconds(), set)
	return nil
}
