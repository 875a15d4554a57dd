package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer listens on the funnel queues.  Room closures are handed to
// OnRoomClosed; payouts are appended to LogDir/payouts.log.
type Consumer struct {
	URL          string
	LogDir       string
	OnRoomClosed func(ctx context.Context, roomSlug string) error
}

// Run connects and consumes until ctx is cancelled, reconnecting with
// backoff whenever the broker goes away.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			log.Printf("funnel-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("funnel-consumer: consume loop ended: %v; reconnecting", err)
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

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Printf("funnel-consumer: set QoS failed: %v", err)
	}

	for _, q := range []string{RoomClosedQueue, PayoutCreatedQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", q, err)
		}
	}
	closed, err := ch.Consume(RoomClosedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", RoomClosedQueue, err)
	}
	payouts, err := ch.Consume(PayoutCreatedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", PayoutCreatedQueue, err)
	}

	for {
		var d amqp.Delivery
		var ok bool
		var handle func(context.Context, []byte) error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok = <-closed:
			handle = c.HandleRoomClosed
		case d, ok = <-payouts:
			handle = c.HandlePayout
		}
		if !ok {
			return errors.New("deliveries channel closed")
		}
		if err := handle(ctx, d.Body); err != nil {
			log.Printf("funnel-consumer: handle message failed: %v", err)
			// not requeued; the resume job picks up unprocessed rooms
			_ = d.Nack(false, false)
			continue
		}
		_ = d.Ack(false)
	}
}

// HandleRoomClosed runs advancement for the room in the message.
func (c *Consumer) HandleRoomClosed(ctx context.Context, body []byte) error {
	var ev RoomClosedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.RoomSlug == "" {
		return errors.New("room closed event without room_slug")
	}
	if c.OnRoomClosed == nil {
		return nil
	}
	return c.OnRoomClosed(ctx, ev.RoomSlug)
}

// HandlePayout appends the payout to the payout log.
func (c *Consumer) HandlePayout(_ context.Context, body []byte) error {
	var ev PayoutCreatedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	dir := c.LogDir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "payouts.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] Payout created | payout_id=%s | room=%s | user_id=%s | rank=%d | tier=%d | amount=%s Pi\n",
		ev.CreatedAt, ev.PayoutID, ev.RoomSlug, ev.UserID, ev.Rank, ev.TierIndex, ev.Amount.String())
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}
