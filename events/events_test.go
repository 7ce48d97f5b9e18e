package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semanticallynull/ridecontrol/internal/o11y"
)

func newEmitter(pub Publisher) (*Emitter, *o11y.Metrics) {
	m := o11y.NewMetrics(prometheus.NewRegistry())
	return NewEmitter(pub, DefaultTopics(), time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)), m), m
}

func TestEmitterEncodesLockCommand(t *testing.T) {
	rec := &Recorder{}
	e, _ := newEmitter(rec)

	cmd := LockCommand{
		VehicleID: uuid.New(),
		RideID:    uuid.New(),
		Command:   Unlock,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	e.LockCommand(context.Background(), cmd)

	msgs := rec.Messages(TopicLockCommand)
	require.Len(t, msgs, 1)
	got, err := Decode[LockCommand](msgs[0])
	require.NoError(t, err)
	assert.Equal(t, cmd, got)
	assert.Contains(t, string(msgs[0].Payload), `"command":"unlock"`)
}

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	rec := &Recorder{Err: errors.New("broker down")}
	e, m := newEmitter(rec)

	e.Alert(context.Background(), Alert{Kind: AlertLow, Level: 15})
	e.Telemetry(context.Background(), Telemetry{Level: 15})

	assert.Empty(t, rec.Messages(""))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues(TopicBatteryAlert)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues(TopicBatteryTelemetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatteryAlerts.WithLabelValues("low")))
}

func TestEmitterPublishesAfterCallerCancels(t *testing.T) {
	rec := &Recorder{}
	e, _ := newEmitter(rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Telemetry(ctx, Telemetry{Level: 3})

	assert.Len(t, rec.Messages(TopicBatteryTelemetry), 1)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &Recorder{}
	bad := &Recorder{Err: errors.New("nope")}

	err := Multi{ok, bad, Nop{}}.Publish(context.Background(), "t", []byte("x"))

	assert.EqualError(t, err, "nope")
	assert.Len(t, ok.Messages("t"), 1)
}

// contextSink records a message only if ctx is still live when it is called.
type contextSink struct {
	Recorder
}

func (s *contextSink) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Recorder.Publish(ctx, topic, payload)
}

type stalledPublisher struct{}

func (stalledPublisher) Publish(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestMultiStalledPublisherDoesNotStarveOthers(t *testing.T) {
	sink := &contextSink{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Multi{stalledPublisher{}, sink}.Publish(ctx, TopicBatteryTelemetry, []byte("x"))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, sink.Messages(TopicBatteryTelemetry), 1)
}
