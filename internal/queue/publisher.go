package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ExchangeName is the topic exchange all reservation events go through.
const ExchangeName = "reservations"

const (
	defaultDialTimeout   = 2 * time.Second
	defaultRedialBackoff = 5 * time.Second
	heartbeat            = 10 * time.Second
)

// ErrBrokerUnavailable is returned without dialing while the publisher is
// backing off after a failed connect.
var ErrBrokerUnavailable = errors.New("rabbitmq: broker unavailable")

// Publisher publishes ReservationEvents as persistent JSON messages.  It
// keeps one connection and channel open and redials lazily on the next
// publish after either is closed.  A failed dial is not retried until the
// redial backoff has passed; publishes in between fail immediately.
type Publisher struct {
	url           string
	logger        *zap.Logger
	dialTimeout   time.Duration
	redialBackoff time.Duration
	now           func() time.Time

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	retryAt time.Time
}

// PublisherOption tunes a Publisher.
type PublisherOption func(*Publisher)

// WithDialTimeout bounds the TCP connect and AMQP handshake of each dial.
func WithDialTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithRedialBackoff sets how long publishes fail fast after a failed dial.
func WithRedialBackoff(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d >= 0 {
			p.redialBackoff = d
		}
	}
}

// NewPublisher returns a Publisher for the broker at url.  No connection is
// made until the first Publish.
func NewPublisher(url string, logger *zap.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		url:           url,
		logger:        logger,
		dialTimeout:   defaultDialTimeout,
		redialBackoff: defaultRedialBackoff,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends ev with its Type as routing key.  Errors are logged and
// returned; callers treat publishing as best effort.
func (p *Publisher) Publish(ctx context.Context, ev ReservationEvent) error {
	msg, err := buildPublishing(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		if !errors.Is(err, ErrBrokerUnavailable) {
			p.logger.Warn("rabbitmq: connect failed", zap.String("event", ev.Type),
				zap.Duration("retry_in", p.redialBackoff), zap.Error(err))
		}
		return err
	}
	if err := ch.PublishWithContext(ctx, ExchangeName, ev.Type, false, false, msg); err != nil {
		p.logger.Warn("rabbitmq: publish failed",
			zap.String("event", ev.Type), zap.Int64("reservation_id", ev.ReservationID), zap.Error(err))
		p.reset()
		return err
	}
	return nil
}

// Close releases the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}

// channel returns an open channel, dialing when needed.  Caller holds mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	if now := p.now(); now.Before(p.retryAt) {
		return nil, fmt.Errorf("%w: next dial in %s", ErrBrokerUnavailable, p.retryAt.Sub(now).Round(time.Millisecond))
	}
	ch, err := p.dial()
	if err != nil {
		p.retryAt = p.now().Add(p.redialBackoff)
		return nil, err
	}
	p.retryAt = time.Time{}
	return ch, nil
}

func (p *Publisher) dial() (*amqp.Channel, error) {
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Dial:      amqp.DefaultDial(p.dialTimeout),
		Heartbeat: heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

func declareExchange(ch *amqp.Channel) error {
	// Durable so the topology survives broker restarts.
	if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	return nil
}

func buildPublishing(ev ReservationEvent) (amqp.Publishing, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         ev.Type,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}, nil
}
