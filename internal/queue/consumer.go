package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AuditQueueName is the durable queue bound to every reservation event.
const AuditQueueName = "reservation.audit"

// AuditConsumer appends every reservation event to <Dir>/reservations.log
// in a single-line, human-friendly format.
type AuditConsumer struct {
	URL    string
	Dir    string
	Logger *zap.Logger
}

// Run consumes until ctx is cancelled, reconnecting with exponential
// backoff (capped at 30s) whenever the broker goes away.  Messages that
// cannot be handled are rejected without requeue to avoid tight loops.
func (c *AuditConsumer) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			logger.Warn("audit-consumer: dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn, logger)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("audit-consumer: consume loop ended, reconnecting", zap.Error(err))
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *AuditConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection, logger *zap.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		logger.Warn("audit-consumer: set QoS failed", zap.Error(err))
	}
	if err := declareExchange(ch); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(AuditQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(AuditQueueName, "reservation.#", ExchangeName, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}
	msgs, err := ch.Consume(AuditQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handleMessage(d.Body); err != nil {
				logger.Error("audit-consumer: handle message failed", zap.String("message_id", d.MessageId), zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *AuditConsumer) handleMessage(body []byte) error {
	var ev ReservationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" || ev.ReservationID == 0 {
		return errors.New("event without type or reservation id")
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", c.Dir, err)
	}
	f, err := os.OpenFile(filepath.Join(c.Dir, "reservations.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s | reservation_id=%d | event_id=%d | slot=%s %s | tickets=%d",
		ev.OccurredAt.UTC().Format(time.RFC3339), ev.Type, ev.ReservationID, ev.EventID, ev.Date, ev.StartTime, ev.TicketCount)
	if ev.PaymentRef != "" {
		line += fmt.Sprintf(" | payment_ref=%q", ev.PaymentRef)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
