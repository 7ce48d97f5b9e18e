package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/semanticallynull/ridecontrol/internal/o11y"
)

// Emitter encodes domain events and publishes them without failing the caller.
type Emitter struct {
	pub     Publisher
	topics  Topics
	timeout time.Duration
	logger  *slog.Logger
	metrics *o11y.Metrics
}

func NewEmitter(pub Publisher, topics Topics, timeout time.Duration, logger *slog.Logger, metrics *o11y.Metrics) *Emitter {
	return &Emitter{
		pub:     pub,
		topics:  topics,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

func (e *Emitter) LockCommand(ctx context.Context, c LockCommand) {
	e.emit(ctx, e.topics.LockCommand, c)
}

func (e *Emitter) Telemetry(ctx context.Context, t Telemetry) {
	e.emit(ctx, e.topics.BatteryTelemetry, t)
}

func (e *Emitter) Alert(ctx context.Context, a Alert) {
	e.metrics.BatteryAlerts.WithLabelValues(string(a.Kind)).Inc()
	e.emit(ctx, e.topics.BatteryAlert, a)
}

func (e *Emitter) emit(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("failed to encode event", slog.String("topic", topic), slog.Any("error", err))
		e.metrics.PublishFailures.WithLabelValues(topic).Inc()
		return
	}

	// The state change is already committed; an aborted request must not drop its event.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.pub.Publish(ctx, topic, payload); err != nil {
		e.logger.Warn("failed to publish event", slog.String("topic", topic), slog.Any("error", err))
		e.metrics.PublishFailures.WithLabelValues(topic).Inc()
	}
}
