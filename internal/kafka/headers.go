package kafka

import (
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType     = "x-event-type"
	HeaderEventVersion  = "x-event-version"
	HeaderNotBefore     = "x-not-before"
	HeaderDLQReason     = "x-dlq-reason"
	HeaderOrigTopic     = "x-original-topic"
	HeaderOrigPartition = "x-original-partition"
	HeaderOrigOffset    = "x-original-offset"
	HeaderFailedAt      = "x-failed-at"
	HeaderAttempts      = "x-attempts"
)

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}

// withoutHeader returns a copy of h minus every header named key.
func withoutHeader(h []kafka.Header, key string) []kafka.Header {
	out := make([]kafka.Header, 0, len(h))
	for _, hh := range h {
		if hh.Key != key {
			out = append(out, hh)
		}
	}
	return out
}

func notBefore(m kafka.Message) (time.Time, bool) {
	v := headerValue(m.Headers, HeaderNotBefore)
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func deadLetterHeaders(m kafka.Message, reason error, attempts int, now time.Time) []kafka.Header {
	h := make([]kafka.Header, 0, len(m.Headers)+6)
	h = append(h, m.Headers...)
	msg := "unknown"
	if reason != nil {
		msg = reason.Error()
	}
	return append(h,
		kafka.Header{Key: HeaderDLQReason, Value: []byte(msg)},
		kafka.Header{Key: HeaderOrigTopic, Value: []byte(m.Topic)},
		kafka.Header{Key: HeaderOrigPartition, Value: []byte(strconv.Itoa(m.Partition))},
		kafka.Header{Key: HeaderOrigOffset, Value: []byte(strconv.FormatInt(m.Offset, 10))},
		kafka.Header{Key: HeaderFailedAt, Value: []byte(now.UTC().Format(time.RFC3339Nano))},
		kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
	)
}
