// Package mqtt publishes ride events to an MQTT broker over a single persistent connection.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/semanticallynull/ridecontrol/internal/o11y"
)

var (
	ErrClosed  = errors.New("mqtt publisher closed")
	errTimeout = errors.New("broker did not acknowledge in time")
)

type Config struct {
	Broker     string `json:"broker"`
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	QoS        byte   `json:"qos"`
	QueueSize  int    `json:"queue_size"`
	MaxRetries int    `json:"max_retries"`
	BackoffMS  int    `json:"backoff_ms"`
	// ConnectTimeoutMS bounds the initial connection attempt.
	ConnectTimeoutMS int `json:"connect_timeout_ms"`
	// AttemptTimeoutMS bounds the wait for one publish acknowledgement.
	AttemptTimeoutMS int `json:"attempt_timeout_ms"`
	// CloseTimeoutMS bounds how long Close waits for the queue to drain.
	CloseTimeoutMS int `json:"close_timeout_ms"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

type job struct {
	topic   string
	payload []byte
	done    chan error
}

// Publisher queues messages and hands them to a single worker that retries with exponential backoff.
type Publisher struct {
	cli            pahoClient
	qos            byte
	maxRetries     int
	backoff        time.Duration
	attemptTimeout time.Duration
	closeTimeout   time.Duration
	logger         *slog.Logger
	metrics        *o11y.Metrics

	queue chan job
	// closing is closed first so blocked senders let go of mu. stop aborts the worker's remaining jobs.
	closing   chan struct{}
	stop      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewClientOptions builds paho client options from cfg.
func NewClientOptions(cfg Config) *paho.ClientOptions {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	return opts
}

// NewPublisher connects to the broker and starts the queue worker.
func NewPublisher(cfg Config, logger *slog.Logger, metrics *o11y.Metrics) (*Publisher, error) {
	logger = logger.With(slog.String("component", "mqtt"))

	opts := NewClientOptions(cfg)
	opts.OnConnect = func(_ paho.Client) {
		logger.Info("mqtt connected", slog.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Error("mqtt connection lost", slog.Any("error", err))
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Warn("reconnecting to mqtt broker")
	}

	c := newMQTTClient(opts)
	timeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	token := c.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %s", cfg.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return newPublisher(c, cfg, logger, metrics), nil
}

func newPublisher(c pahoClient, cfg Config, logger *slog.Logger, metrics *o11y.Metrics) *Publisher {
	p := &Publisher{
		cli:            c,
		qos:            cfg.QoS,
		maxRetries:     cfg.MaxRetries,
		backoff:        time.Duration(cfg.BackoffMS) * time.Millisecond,
		attemptTimeout: time.Duration(cfg.AttemptTimeoutMS) * time.Millisecond,
		closeTimeout:   time.Duration(cfg.CloseTimeoutMS) * time.Millisecond,
		logger:         logger,
		metrics:        metrics,
		queue:          make(chan job, max(cfg.QueueSize, 1)),
		closing:        make(chan struct{}),
		stop:           make(chan struct{}),
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if p.backoff <= 0 {
		p.backoff = 100 * time.Millisecond
	}
	if p.attemptTimeout <= 0 {
		p.attemptTimeout = 5 * time.Second
	}
	if p.closeTimeout <= 0 {
		p.closeTimeout = 5 * time.Second
	}
	p.wg.Add(1)
	go p.work()
	return p
}

// Publish queues payload for topic and waits until the broker accepted it, retries ran out, or ctx ended.
// A message abandoned because ctx ended may still be delivered later.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	j := job{topic: topic, payload: payload, done: make(chan error, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	select {
	case p.queue <- j:
		p.metrics.PublishQueueDepth.Inc()
	case <-p.closing:
		p.mu.RUnlock()
		return ErrClosed
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) work() {
	defer p.wg.Done()
	for j := range p.queue {
		p.metrics.PublishQueueDepth.Dec()
		select {
		case <-p.stop:
			j.done <- ErrClosed
			continue
		default:
		}
		j.done <- p.send(j.topic, j.payload)
	}
}

func (p *Publisher) send(topic string, payload []byte) error {
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, p.qos, false, payload)
		if !token.WaitTimeout(p.attemptTimeout) {
			err = errTimeout
		} else if err = token.Error(); err == nil {
			p.logger.Debug("published", slog.String("topic", topic))
			return nil
		}
		p.logger.Warn("publish attempt failed",
			slog.String("topic", topic),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
		if attempt < p.maxRetries {
			select {
			case <-time.After(p.backoff * time.Duration(1<<attempt)):
			case <-p.stop:
				return ErrClosed
			}
		}
	}
	return fmt.Errorf("publish to %s: %w", topic, err)
}

// Close stops accepting messages, drains the queue for at most the close timeout and disconnects.
// Messages still queued after the timeout fail with ErrClosed.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.closing) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.closeTimeout):
		p.logger.Warn("mqtt queue not drained before close timeout", slog.Duration("timeout", p.closeTimeout))
		close(p.stop)
	}
	if p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
