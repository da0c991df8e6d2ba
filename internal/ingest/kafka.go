package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/order-dispatch/internal/models"
)

// OrderConfirmed is the upstream trigger message consumed by
// cmd/consumer: the booking flow publishes one when an order reaches
// the confirmed state.
type OrderConfirmed struct {
	OrderID string `json:"order_id"`
}

// DispatchOutcome is published after every dispatch invocation so
// downstream consumers (tracking UI, analytics) can react without
// polling the database.
type DispatchOutcome struct {
	OrderID       string             `json:"order_id"`
	Status        models.OrderStatus `json:"status"`
	DriverID      string             `json:"driver_id,omitempty"`
	Rounds        int                `json:"rounds"`
	TotalEligible int                `json:"total_eligible"`
	At            time.Time          `json:"at"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishOutcome(o DispatchOutcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(o.OrderID), Value: b})
}

func (k *KafkaProducer) PublishOrderConfirmed(orderID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(OrderConfirmed{OrderID: orderID})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(orderID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
