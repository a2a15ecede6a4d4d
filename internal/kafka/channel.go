package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/tracing"
	"github.com/segmentio/kafka-go"
)

// Channel is the kafka-backed message channel of the order pipeline.
type Channel struct {
	Writer   MessageWriter
	Topics   orders.Topics
	Producer string
	// CancelDelay is the minimum time between scheduling a cancellation and its
	// delivery to the watchdog.
	CancelDelay time.Duration
	Now         func() time.Time
}

func (c *Channel) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// PublishCreated returns only after the broker acknowledged the creation message.
func (c *Channel) PublishCreated(ctx context.Context, o orders.Order) error {
	return c.publish(ctx, c.Topics.Created, orders.EventOrderCreated, o)
}

// ScheduleCancel parks a cancellation check on the delay topic. The delay forwarder
// releases it to the cancel topic once the not-before time has passed.
func (c *Channel) ScheduleCancel(ctx context.Context, o orders.Order) error {
	due := c.now().Add(c.CancelDelay)
	return c.publish(ctx, c.Topics.CancelDelay, orders.EventOrderCancelCheck, o,
		kafka.Header{Key: HeaderNotBefore, Value: []byte(strconv.FormatInt(due.UnixMilli(), 10))},
	)
}

func (c *Channel) publish(ctx context.Context, topic, eventType string, o orders.Order, extra ...kafka.Header) error {
	env, err := orders.NewEnvelope(eventType, c.Producer, o)
	if err != nil {
		return err
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	headers := append([]kafka.Header{
		{Key: HeaderEventType, Value: []byte(eventType)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	}, extra...)
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	err = c.Writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     orders.PartitionKey(o.ID),
		Value:   value,
		Headers: headers,
		Time:    c.now(),
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", topic, err)
	}
	return nil
}
