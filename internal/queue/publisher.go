package queue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/pi-funnel/internal/model"
)

// Publisher sends funnel events to RabbitMQ.  Every publish dials its own
// connection; errors are logged and returned so callers can fall back.
type Publisher struct {
	URL string
}

// NewPublisher returns a publisher for the broker at url.
func NewPublisher(url string) *Publisher {
	return &Publisher{URL: url}
}

// PublishRoomClosed announces a closed room.
func (p *Publisher) PublishRoomClosed(ctx context.Context, room model.Room) error {
	ev := RoomClosedEvent{
		RoomSlug:      room.Slug,
		Stage:         room.Stage,
		EntrantsCount: room.EntrantsCount,
	}
	if room.ClosedAt != nil {
		ev.ClosedAt = room.ClosedAt.UTC().Format(time.RFC3339)
	}
	return p.publish(ctx, RoomClosedQueue, ev)
}

// PublishPayout announces a final-stage prize.
func (p *Publisher) PublishPayout(ctx context.Context, rec model.PayoutRecord) error {
	return p.publish(ctx, PayoutCreatedQueue, PayoutCreatedEvent{
		PayoutID:  rec.ID,
		RoomSlug:  rec.RoomSlug,
		UserID:    rec.UserID,
		Rank:      rec.Rank,
		TierIndex: rec.TierIndex,
		Amount:    rec.Amount,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (p *Publisher) publish(ctx context.Context, queue string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("rabbitmq: marshal event failed: %v", err)
		return err
	}

	conn, err := amqp.Dial(p.URL)
	if err != nil {
		log.Printf("rabbitmq: dial failed: %v", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("rabbitmq: channel open failed: %v", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		log.Printf("rabbitmq: queue declare failed: %v", err)
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		log.Printf("rabbitmq: publish to %s failed: %v", queue, err)
		return err
	}
	return nil
}
