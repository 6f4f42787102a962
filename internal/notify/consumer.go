package notify

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

// Consumer drains the events queue into an append-only audit log, one line
// per event.
type Consumer struct {
	URL     string
	Queue   string
	LogPath string
	Log     *zap.Logger
}

// Run connects, consumes and reconnects with exponential backoff until ctx
// is cancelled.  Undecodable messages are rejected without requeue so a
// poison message cannot spin the loop.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join("logs", "payments.log")
	}
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			c.Log.Warn("audit consumer: dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Log.Warn("audit consumer: loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.Log.Warn("audit consumer: set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.Queue, "", false, false, false, false, nil)
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
			if err := c.handle(d.Body); err != nil {
				c.Log.Error("audit consumer: handle message failed", zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handle(body []byte) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(FormatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatLine renders ev as one human-friendly audit line.
func FormatLine(ev Event) string {
	line := fmt.Sprintf("[%s] %s", ev.OccurredAt.UTC().Format(time.RFC3339), ev.Type)
	add := func(k, v string) {
		if v != "" {
			line += fmt.Sprintf(" | %s=%s", k, v)
		}
	}
	add("event_id", ev.EventID)
	add("invoice_id", ev.InvoiceID)
	add("participant_id", ev.ParticipantID)
	add("payer_id", ev.PayerID)
	add("status", ev.Status)
	if ev.IsPaid != nil {
		add("is_paid", fmt.Sprint(*ev.IsPaid))
	}
	add("amount", ev.Amount)
	if ev.Statistics != nil {
		add("paid", ev.Statistics.PaidAmount.StringFixed(2))
		add("unpaid", ev.Statistics.UnpaidAmount.StringFixed(2))
	}
	if ev.Message != "" {
		line += fmt.Sprintf(" | message=%q", ev.Message)
	}
	return line + "\n"
}
