package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/admission"
	kafkax "github.com/ariefcatur/go-flashsale-orders/internal/kafka"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func mustEnvelope(t *testing.T, eventType string, o orders.Order) []byte {
	t.Helper()
	env, err := orders.NewEnvelope(eventType, "test", o)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func kafkaMessage(v []byte) kafka.Message {
	return kafka.Message{Topic: "flashsale.order.created", Value: v}
}

// broker is a writer and reader over one in-memory log.
type broker struct {
	mu        sync.Mutex
	log       []kafka.Message
	next      int
	committed int
}

func (b *broker) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		m.Offset = int64(len(b.log))
		b.log = append(b.log, m)
	}
	return nil
}

func (b *broker) Close() error { return nil }

func (b *broker) topic(name string) []kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []kafka.Message
	for _, m := range b.log {
		if m.Topic == name {
			out = append(out, m)
		}
	}
	return out
}

// subscription reads one topic of the broker.
type subscription struct {
	b     *broker
	topic string
}

func (s *subscription) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		s.b.mu.Lock()
		for s.b.next < len(s.b.log) {
			m := s.b.log[s.b.next]
			s.b.next++
			if m.Topic == s.topic {
				s.b.mu.Unlock()
				return m, nil
			}
		}
		s.b.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (s *subscription) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.committed += len(msgs)
	return nil
}

func (s *subscription) Close() error { return nil }

// Admission succeeds, recording the order fails: the ledger is back at its
// pre-admission value, the creation message sits in the dead-letter topic and no
// order row exists.
func TestPersistenceFailureEndsInDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.ledger.Seed(ctx, "e-1", 10); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.store.FailInsert = errors.New("relation orders does not exist")

	topics := orders.NewTopics("flashsale")
	b := &broker{}
	ch := &kafkax.Channel{Writer: b, Topics: topics, Producer: "api", CancelDelay: 10 * time.Minute}
	f.c.Channel = ch

	adm := &admission.Service{
		Events:  eventsFromStore{f},
		Ledger:  f.ledger,
		Channel: ch,
		Now:     func() time.Time { return now },
	}
	res, err := adm.Admit(ctx, admission.Request{EventID: "e-1", MemberID: "m-1", Quantity: 3})
	if err != nil || res.Outcome != admission.OutcomeAccepted {
		t.Fatalf("admit: %+v %v", res, err)
	}
	if f.remaining(t) != 7 {
		t.Fatalf("after admission %d", f.remaining(t))
	}

	cctx, cancel := context.WithCancel(ctx)
	cons := kafkax.NewConsumer(&subscription{b: b, topic: topics.Created}, b, kafkax.ConsumerConfig{
		Name:     "order-created",
		Workers:  2,
		Policy:   kafkax.DeadLetter,
		DLQTopic: topics.CreatedDLQ,
	}, zap.NewNop(), nil)
	done := make(chan error, 1)
	go func() { done <- cons.Start(cctx, f.c.HandleOrderCreated) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(b.topic(topics.CreatedDLQ)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("consumer: %v", err)
	}

	dlq := b.topic(topics.CreatedDLQ)
	if len(dlq) != 1 {
		t.Fatalf("expected the creation message in the dead-letter topic, got %d", len(dlq))
	}
	if _, o, err := orders.DecodeOrder(dlq[0].Value, orders.EventOrderCreated); err != nil || o.ID != res.Order.ID {
		t.Fatalf("dead-lettered value must be the original envelope: %v", err)
	}
	if f.remaining(t) != 10 {
		t.Fatalf("ledger %d, want 10", f.remaining(t))
	}
	if f.store.OrderCount() != 0 {
		t.Fatalf("no order row may exist")
	}
	if len(b.topic(topics.CancelDelay)) != 0 {
		t.Fatalf("no cancellation may be scheduled")
	}
}

type eventsFromStore struct{ f *fixture }

func (e eventsFromStore) GetEvent(ctx context.Context, id string) (orders.Event, error) {
	return e.f.store.GetEvent(ctx, id)
}
