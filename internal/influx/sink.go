// Package influx stores battery telemetry as a time series.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/semanticallynull/ridecontrol/events"
)

type Config struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// Sink is an events.Publisher that keeps only battery telemetry and writes each reading as a
// "battery" point tagged with the vehicle.
type Sink struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
	topic  string
}

func NewSink(cfg Config, telemetryTopic string) *Sink {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &Sink{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		topic:  telemetryTopic,
	}
}

// NewSinkWithFallback returns events.Nop when the Influx health check fails.
func NewSinkWithFallback(ctx context.Context, cfg Config, telemetryTopic string, logger *slog.Logger) events.Publisher {
	sink := NewSink(cfg, telemetryTopic)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			logger.Error("influx health check failed, telemetry will not be stored", slog.Any("error", err))
		} else {
			logger.Error("influx unhealthy, telemetry will not be stored", slog.String("status", string(health.Status)))
		}
		sink.client.Close()
		return events.Nop{}
	}
	return sink
}

func (s *Sink) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic != s.topic {
		return nil
	}
	var t events.Telemetry
	if err := json.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("decode telemetry: %w", err)
	}
	p := write.NewPointWithMeasurement("battery").
		AddTag("vehicle_id", t.VehicleID.String()).
		AddField("level", t.Level).
		SetTime(t.Timestamp)
	return s.writer.WritePoint(ctx, p)
}

func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
