package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Forwarder releases delayed messages. It reads the delay topic in order, waits
// until each message's not-before time and republishes it to Target. Messages on
// one partition share the same delay, so waiting on the head never starves a
// message behind it.
type Forwarder struct {
	Reader Reader
	Writer MessageWriter
	Target string
	Log    *zap.Logger
	Now    func() time.Time
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (f *Forwarder) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Forwarder) sleep(ctx context.Context, d time.Duration) error {
	if f.Sleep != nil {
		return f.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx is cancelled. A message is committed on the delay topic only
// after its copy reached the target topic.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.Reader.Close()
	for {
		m, err := f.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := f.forward(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, m kafka.Message) error {
	if due, ok := notBefore(m); ok {
		if wait := due.Sub(f.now()); wait > 0 {
			if err := f.sleep(ctx, wait); err != nil {
				return err
			}
		}
	} else {
		f.Log.Warn("delayed message without not-before, releasing now",
			zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.ByteString("key", m.Key))
	}

	out := kafka.Message{
		Topic:   f.Target,
		Key:     m.Key,
		Value:   m.Value,
		Headers: withoutHeader(m.Headers, HeaderNotBefore),
	}
	for attempt := 1; ; attempt++ {
		err := f.Writer.WriteMessages(ctx, out)
		if err == nil {
			break
		}
		f.Log.Warn("forward failed", zap.String("target", f.Target), zap.Int("attempt", attempt), zap.Error(err))
		if err := f.sleep(ctx, time.Duration(attempt)*200*time.Millisecond); err != nil {
			return err
		}
	}
	if err := f.Reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit delayed message: %w", err)
	}
	return nil
}
