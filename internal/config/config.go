// Package config loads the operating policy of the ride service from a YAML or JSON file, with
// RIDES_ environment variables layered on top. Nested keys are separated by a double underscore,
// so RIDES_BATTERY__INTERVAL_SECONDS overrides battery.interval_seconds.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/semanticallynull/ridecontrol/account"
	"github.com/semanticallynull/ridecontrol/battery"
	"github.com/semanticallynull/ridecontrol/billing"
	"github.com/semanticallynull/ridecontrol/events"
	"github.com/semanticallynull/ridecontrol/internal/influx"
	"github.com/semanticallynull/ridecontrol/internal/money"
	"github.com/semanticallynull/ridecontrol/internal/mqtt"
	"github.com/semanticallynull/ridecontrol/ride"
	"github.com/semanticallynull/ridecontrol/vehicle"
)

const envPrefix = "RIDES_"

type Config struct {
	Tariff     TariffConfig     `json:"tariff"`
	Battery    BatteryConfig    `json:"battery"`
	Settlement SettlementConfig `json:"settlement"`
	Loyalty    LoyaltyConfig    `json:"loyalty"`
	Recharge   RechargeConfig   `json:"recharge"`
	Events     EventsConfig     `json:"events"`
	Redis      RedisConfig      `json:"redis"`
	Logging    LoggingConfig    `json:"logging"`
	Tracing    TracingConfig    `json:"tracing"`
}

// TariffConfig holds prices in currency units. Vehicle types are keyed by their wire name.
type TariffConfig struct {
	FlatFee         float64            `json:"flat_fee"`
	FlatMinutes     int                `json:"flat_minutes"`
	PerMinute       map[string]float64 `json:"per_minute"`
	AverageSpeedKmh map[string]float64 `json:"average_speed_kmh"`
}

type BatteryConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
	Workers         int `json:"workers"`
	Low             int `json:"low"`
	Critical        int `json:"critical"`
}

type SettlementConfig struct {
	Mode              string `json:"mode"`
	ApplyBalanceGuard bool   `json:"apply_balance_guard"`
}

type LoyaltyConfig struct {
	PointValue        float64 `json:"point_value"`
	RedeemOnEnd       bool    `json:"redeem_on_end"`
	RedeemOnDepletion bool    `json:"redeem_on_depletion"`
}

type RechargeConfig struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type EventsConfig struct {
	Topics           events.Topics `json:"topics"`
	PublishTimeoutMS int           `json:"publish_timeout_ms"`
	MQTT             MQTTConfig    `json:"mqtt"`
	Influx           InfluxConfig  `json:"influx"`
}

type MQTTConfig struct {
	Enabled     bool `json:"enabled"`
	mqtt.Config `json:",squash"`
}

type InfluxConfig struct {
	Enabled       bool `json:"enabled"`
	influx.Config `json:",squash"`
}

type RedisConfig struct {
	Addr string `json:"addr"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type TracingConfig struct {
	Endpoint    string  `json:"endpoint"`
	SampleRatio float64 `json:"sample_ratio"`
}

// Default mirrors the built-in policies of the domain packages.
func Default() Config {
	return Config{
		Tariff: TariffConfig{
			FlatFee:     1.00,
			FlatMinutes: 30,
			PerMinute: map[string]float64{
				"muscular_bike": 0.15,
				"scooter":       0.20,
				"electric_bike": 0.25,
			},
			AverageSpeedKmh: map[string]float64{
				"muscular_bike": 12,
				"scooter":       15,
				"electric_bike": 20,
			},
		},
		Battery: BatteryConfig{
			IntervalSeconds: 60,
			Workers:         8,
			Low:             20,
			Critical:        10,
		},
		Settlement: SettlementConfig{Mode: string(ride.SettleDeferred)},
		Recharge:   RechargeConfig{Min: 1.00, Max: 500.00},
		Events: EventsConfig{
			Topics:           events.DefaultTopics(),
			PublishTimeoutMS: 2000,
			MQTT: MQTTConfig{Config: mqtt.Config{
				ClientID:         "ridecontrol",
				QoS:              1,
				QueueSize:        256,
				MaxRetries:       3,
				BackoffMS:        100,
				AttemptTimeoutMS: 1000,
				CloseTimeoutMS:   5000,
			}},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{Endpoint: "localhost:4318", SampleRatio: 1},
	}
}

// Load reads path on top of Default and applies environment overrides. An empty path loads
// only the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills fields whose zero value would make the service unusable.
func (c *Config) SetDefaults() {
	if c.Battery.Workers <= 0 {
		c.Battery.Workers = 1
	}
	if c.Events.PublishTimeoutMS <= 0 {
		c.Events.PublishTimeoutMS = 2000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Settlement.Mode == "" {
		c.Settlement.Mode = string(ride.SettleDeferred)
	}
}

func (c *Config) Validate() error {
	if _, err := c.BillingTariff(); err != nil {
		return err
	}
	if c.Battery.IntervalSeconds <= 0 {
		return fmt.Errorf("battery.interval_seconds must be positive")
	}
	if c.Battery.Critical < 0 || c.Battery.Low < c.Battery.Critical || c.Battery.Low > 100 {
		return fmt.Errorf("battery thresholds must satisfy 0 <= critical <= low <= 100")
	}
	switch ride.SettlementMode(c.Settlement.Mode) {
	case ride.SettleDeferred, ride.SettleImmediate, ride.SettleWaive:
	default:
		return fmt.Errorf("settlement.mode %q is not one of deferred, immediate, waive", c.Settlement.Mode)
	}
	if c.Loyalty.PointValue < 0 {
		return fmt.Errorf("loyalty.point_value must not be negative")
	}
	if c.Recharge.Min <= 0 || c.Recharge.Max < c.Recharge.Min {
		return fmt.Errorf("recharge bounds must satisfy 0 < min <= max")
	}
	if c.Events.MQTT.Enabled && c.Events.MQTT.Broker == "" {
		return fmt.Errorf("events.mqtt.broker is required when mqtt is enabled")
	}
	if c.Events.Influx.Enabled && (c.Events.Influx.URL == "" || c.Events.Influx.Bucket == "") {
		return fmt.Errorf("events.influx.url and bucket are required when influx is enabled")
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	return nil
}

func (c *Config) BillingTariff() (billing.Tariff, error) {
	t := billing.Tariff{
		FlatFee:         money.FromFloat(c.Tariff.FlatFee),
		FlatMinutes:     c.Tariff.FlatMinutes,
		PerMinute:       make(map[vehicle.Type]money.Amount, len(c.Tariff.PerMinute)),
		AverageSpeedKmh: make(map[vehicle.Type]float64, len(c.Tariff.AverageSpeedKmh)),
	}
	if t.FlatFee < 0 || t.FlatMinutes < 0 {
		return billing.Tariff{}, fmt.Errorf("tariff flat fee and minutes must not be negative")
	}
	for name, rate := range c.Tariff.PerMinute {
		vt, err := vehicle.ParseType(name)
		if err != nil {
			return billing.Tariff{}, fmt.Errorf("tariff.per_minute: %w", err)
		}
		if rate < 0 {
			return billing.Tariff{}, fmt.Errorf("tariff.per_minute.%s must not be negative", name)
		}
		t.PerMinute[vt] = money.FromFloat(rate)
	}
	for name, speed := range c.Tariff.AverageSpeedKmh {
		vt, err := vehicle.ParseType(name)
		if err != nil {
			return billing.Tariff{}, fmt.Errorf("tariff.average_speed_kmh: %w", err)
		}
		t.AverageSpeedKmh[vt] = speed
	}
	for _, vt := range vehicle.Types {
		if _, ok := t.PerMinute[vt]; !ok {
			return billing.Tariff{}, fmt.Errorf("tariff.per_minute has no rate for %s", vt)
		}
	}
	return t, nil
}

func (c *Config) AccountPolicy() account.Policy {
	return account.Policy{
		RechargeMin: money.FromFloat(c.Recharge.Min),
		RechargeMax: money.FromFloat(c.Recharge.Max),
		PointValue:  money.FromFloat(c.Loyalty.PointValue),
	}
}

func (c *Config) RidePolicy() ride.Policy {
	return ride.Policy{
		Settlement:               ride.SettlementMode(c.Settlement.Mode),
		ApplyBalanceGuard:        c.Settlement.ApplyBalanceGuard,
		RedeemLoyaltyOnEnd:       c.Loyalty.RedeemOnEnd,
		RedeemLoyaltyOnDepletion: c.Loyalty.RedeemOnDepletion,
	}
}

func (c *Config) BatteryConfig() battery.Config {
	b := battery.DefaultConfig()
	b.Interval = time.Duration(c.Battery.IntervalSeconds) * time.Second
	b.Workers = c.Battery.Workers
	b.Low = c.Battery.Low
	b.Critical = c.Battery.Critical
	return b
}

func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Events.PublishTimeoutMS) * time.Millisecond
}

func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}
