package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/metrics"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/tracing"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Handler returns nil only if the message was fully processed.
type Handler func(ctx context.Context, m kafka.Message) error

// Reader is satisfied by *kafka.Reader.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Policy decides what happens to a message whose handler failed.
type Policy int

const (
	// DeadLetter quarantines the message on the first failure. Used where a retry
	// could double-apply side effects.
	DeadLetter Policy = iota
	// Retry re-runs the handler in place with linear backoff, then dead-letters.
	// Only for idempotent handlers.
	Retry
)

const deadLetterAttempts = 5

type ConsumerConfig struct {
	Name        string
	Workers     int
	Policy      Policy
	MaxAttempts int
	Backoff     time.Duration
	DLQTopic    string
}

type Consumer struct {
	r       Reader
	dlq     MessageWriter
	cfg     ConsumerConfig
	log     *zap.Logger
	metrics *metrics.Pipeline
}

func NewReader(brokers []string, group, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
}

func NewConsumer(r Reader, dlq MessageWriter, cfg ConsumerConfig, log *zap.Logger, m *metrics.Pipeline) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Consumer{r: r, dlq: dlq, cfg: cfg, log: log.With(zap.String("consumer", cfg.Name)), metrics: m}
}

// Start blocks until ctx is cancelled or the reader fails. Messages already handed
// to a worker are finished before Start returns.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	// one queue per worker; a partition always maps to the same worker so its
	// commits stay in offset order
	queues := make([]chan kafka.Message, c.cfg.Workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(q <-chan kafka.Message) {
			defer wg.Done()
			for m := range q {
				c.process(ctx, h, m)
			}
		}(queues[i])
	}
	stop := func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case queues[m.Partition%c.cfg.Workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	// in-flight work outlives shutdown so compensation is never cut short
	work := context.WithoutCancel(ctx)
	work = tracing.ExtractKafkaHeaders(work, m.Headers)
	work, span := tracing.Tracer().Start(work, "consume "+m.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", m.Topic),
			attribute.Int("messaging.kafka.partition", m.Partition),
			attribute.Int64("messaging.kafka.offset", m.Offset),
		),
	)
	defer span.End()

	log := c.log.With(
		zap.String("topic", m.Topic),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
		zap.ByteString("key", m.Key),
	)

	start := time.Now()
	attempts, err := c.handle(ctx, work, h, m, log)
	c.metrics.HandlerDuration.WithLabelValues(c.cfg.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dead-lettered")
		if errors.Is(err, context.Canceled) && ctx.Err() != nil && c.cfg.Policy == Retry {
			// shutting down mid-retry: leave uncommitted, the next owner redelivers
			log.Warn("retry interrupted by shutdown", zap.Error(err))
			return
		}
		c.deadLetter(work, m, err, attempts, log)
	}
	if err := c.r.CommitMessages(work, m); err != nil {
		log.Error("commit failed", zap.Error(err))
	}
}

// handle runs h according to the policy and returns the final error, if any.
func (c *Consumer) handle(ctx, work context.Context, h Handler, m kafka.Message, log *zap.Logger) (int, error) {
	attempts := 1
	if c.cfg.Policy == Retry {
		attempts = c.cfg.MaxAttempts
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = h(work, m); err == nil {
			return i, nil
		}
		if permanent(err) || i == attempts {
			return i, err
		}
		log.Warn("handler failed, retrying", zap.Int("attempt", i), zap.Error(err))
		select {
		case <-time.After(c.cfg.Backoff * time.Duration(i)):
		case <-ctx.Done():
			return i, context.Canceled
		}
	}
	return attempts, err
}

// deadLetter makes up to deadLetterAttempts writes with linear backoff. The message
// is committed either way; a lost DLQ write is logged with its value.
func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, cause error, attempts int, log *zap.Logger) {
	dl := kafka.Message{
		Topic:   c.cfg.DLQTopic,
		Key:     m.Key,
		Value:   m.Value,
		Headers: deadLetterHeaders(m, cause, attempts, time.Now()),
	}
	var err error
	for i := 1; i <= deadLetterAttempts; i++ {
		if err = c.dlq.WriteMessages(ctx, dl); err == nil {
			c.metrics.DeadLetters.WithLabelValues(c.cfg.DLQTopic).Inc()
			log.Error("message dead-lettered", zap.String("dlq", c.cfg.DLQTopic), zap.Int("attempts", attempts), zap.Error(cause))
			return
		}
		if i < deadLetterAttempts {
			time.Sleep(c.cfg.Backoff * time.Duration(i))
		}
	}
	log.Error("dead-letter write failed, message dropped",
		zap.String("dlq", c.cfg.DLQTopic),
		zap.ByteString("value", m.Value),
		zap.NamedError("cause", cause),
		zap.Error(err),
	)
}

func permanent(err error) bool {
	return errors.Is(err, orders.ErrMalformedEnvelope) || errors.Is(err, orders.ErrUnexpectedEnvelope)
}
