// Package notify publishes participation lifecycle messages for the external
// notification service. Delivery is at-least-once; messages carry the
// participation ID as their deduplication key.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
)

// Routing keys on the notification topic exchange.
const (
	KeyPromotionOffered = "participation.promoted"
	KeyPaymentConfirmed = "participation.confirmed"
	KeyCancelled        = "participation.cancelled"
)

// Message is the envelope published for every notification.
type Message struct {
	ParticipationID string     `json:"participation_id"`
	EventID         string     `json:"event_id"`
	UserID          string     `json:"user_id"`
	State           string     `json:"state"`
	PayBy           *time.Time `json:"pay_by,omitempty"`
}

// Notifier triggers user-facing notifications. Implementations must be safe
// for concurrent use; failures are logged by callers, never fatal.
type Notifier interface {
	PromotionOffered(ctx context.Context, p *model.Participation, deadline time.Time) error
	PaymentConfirmed(ctx context.Context, p *model.Participation, state model.State) error
	Cancelled(ctx context.Context, p *model.Participation) error
}

// AMQP publishes to a RabbitMQ topic exchange consumed by the notification
// service.
type AMQP struct {
	ch       *amqp.Channel
	conn     *amqp.Connection
	exchange string
}

// NewAMQP connects to RabbitMQ and declares the notification exchange.
func NewAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQP{ch: ch, conn: conn, exchange: exchange}, nil
}

// Close releases the channel and connection.
func (n *AMQP) Close() error {
	if err := n.ch.Close(); err != nil {
		return err
	}
	return n.conn.Close()
}

func (n *AMQP) publish(ctx context.Context, key string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	err = n.ch.PublishWithContext(ctx, n.exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.ParticipationID,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (n *AMQP) PromotionOffered(ctx context.Context, p *model.Participation, deadline time.Time) error {
	return n.publish(ctx, KeyPromotionOffered, Message{
		ParticipationID: p.ID,
		EventID:         p.EventID,
		UserID:          p.UserID,
		State:           string(p.State),
		PayBy:           &deadline,
	})
}

func (n *AMQP) PaymentConfirmed(ctx context.Context, p *model.Participation, state model.State) error {
	return n.publish(ctx, KeyPaymentConfirmed, Message{
		ParticipationID: p.ID,
		EventID:         p.EventID,
		UserID:          p.UserID,
		State:           string(state),
	})
}

func (n *AMQP) Cancelled(ctx context.Context, p *model.Participation) error {
	return n.publish(ctx, KeyCancelled, Message{
		ParticipationID: p.ID,
		EventID:         p.EventID,
		UserID:          p.UserID,
		State:           string(model.StateCancelled),
	})
}

// Log is a stand-in Notifier used when no broker URL is configured.
type Log struct{}

func (Log) PromotionOffered(_ context.Context, p *model.Participation, deadline time.Time) error {
	log.Printf("notify: promotion offered to %s for event %s, pay by %s", p.UserID, p.EventID, deadline.Format(time.RFC3339))
	return nil
}

func (Log) PaymentConfirmed(_ context.Context, p *model.Participation, state model.State) error {
	log.Printf("notify: payment confirmed for %s on event %s, state %s", p.UserID, p.EventID, state)
	return nil
}

func (Log) Cancelled(_ context.Context, p *model.Participation) error {
	log.Printf("notify: participation %s cancelled for %s", p.ID, p.UserID)
	return nil
}
