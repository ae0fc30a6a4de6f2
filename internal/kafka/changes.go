package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"tracking-catalog/internal/auth"
	"tracking-catalog/internal/model"
)

var ErrBadSignature = errors.New("change message signature mismatch")

var deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "catalog_change_delivery_failures_total",
	Help: "Change messages the async Kafka writer could not deliver.",
})

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ChangePublisher writes catalog changes to a topic, one message per change,
// keyed by entity ref.
type ChangePublisher struct {
	w      messageWriter
	signer *auth.Signer
}

// NewChangePublisher uses an async writer: Publish only enqueues, and
// delivery errors are logged and counted once the batch is written.
func NewChangePublisher(brokers []string, topic string, signer *auth.Signer) *ChangePublisher {
	w := NewWriter(brokers, topic)
	w.Async = true
	w.Completion = reportDelivery
	return &ChangePublisher{w: w, signer: signer}
}

func reportDelivery(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	deliveryFailures.Add(float64(len(msgs)))
	slog.Warn("deliver catalog changes", "count", len(msgs), "err", err)
}

func (p *ChangePublisher) Publish(ctx context.Context, changes ...model.Change) error {
	msgs := make([]kafka.Message, 0, len(changes))
	for _, c := range changes {
		m, err := EncodeChange(c, p.signer)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write changes: %w", err)
	}
	return nil
}

// Close flushes queued messages.
func (p *ChangePublisher) Close() error {
	return p.w.Close()
}

// EncodeChange builds the Kafka message for c, signing the value when signer is set.
func EncodeChange(c model.Change, signer *auth.Signer) (kafka.Message, error) {
	value, err := json.Marshal(c)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode change %s: %w", c.ID, err)
	}
	m := kafka.Message{Key: []byte(c.EntityRef), Value: value, Time: c.OccurredAt}
	if signer.Enabled() {
		m.Headers = append(m.Headers, kafka.Header{Key: auth.SignatureHeader, Value: []byte(signer.Sign(value))})
	}
	return m, nil
}

// DecodeChange verifies and decodes a message produced by EncodeChange.
func DecodeChange(m kafka.Message, signer *auth.Signer) (model.Change, error) {
	if signer.Enabled() && !signer.Verify(m.Value, header(m, auth.SignatureHeader)) {
		return model.Change{}, ErrBadSignature
	}
	var c model.Change
	if err := json.Unmarshal(m.Value, &c); err != nil {
		return model.Change{}, fmt.Errorf("decode change: %w", err)
	}
	return c, nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
