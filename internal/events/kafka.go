package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crosslink/internal/core"

	"github.com/segmentio/kafka-go"
)

// Config holds the Kafka producer settings for outbound events.
type Config struct {
	Brokers           []string
	TargetTopic       string
	CancellationTopic string
	MaxRetries        int
	RetryBackoff      time.Duration
}

// messageWriter abstracts the kafka writer for tests.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher emits accepted-target and cancellation events to the
// execution side. Messages are keyed by owner and instrument so per-key
// ordering survives partitioning.
type KafkaPublisher struct {
	writer            messageWriter
	targetTopic       string
	cancellationTopic string
	logger            core.ILogger
}

func NewKafkaPublisher(cfg Config, logger core.ILogger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        cfg.RetryBackoff,
		WriteBackoffMax:        cfg.RetryBackoff * 10,
	}

	logger.Info("Kafka event publisher created", "brokers", cfg.Brokers)
	return &KafkaPublisher{
		writer:            writer,
		targetTopic:       cfg.TargetTopic,
		cancellationTopic: cfg.CancellationTopic,
		logger:            logger.WithField("component", "events"),
	}
}

type targetAcceptedEvent struct {
	OnBehalfOf      string          `json:"on_behalf_of"`
	Instrument      int64           `json:"base_instrument"`
	Seq             uint64          `json:"seq"`
	Quantity        fixedpointJSON  `json:"quantity"`
	TargetTimestamp int64           `json:"target_timestamp"`
	BuyLimitPrice   *fixedpointJSON `json:"buy_limit_price,omitempty"`
	SellLimitPrice  *fixedpointJSON `json:"sell_limit_price,omitempty"`
}

type fixedpointJSON struct {
	Value int64 `json:"value"`
	Exp   int32 `json:"decimal"`
}

type cancelledTargetEvent struct {
	OnBehalfOf string `json:"on_behalf_of"`
	Instrument int64  `json:"base_instrument"`
	Seq        uint64 `json:"seq"`
}

func eventKey(key core.Key) []byte {
	return []byte(fmt.Sprintf("%s/%d", key.OnBehalfOf, key.Instrument))
}

// TargetAccepted publishes a confirmed target to the execution topic.
func (p *KafkaPublisher) TargetAccepted(ctx context.Context, target core.TargetPosition) error {
	ev := targetAcceptedEvent{
		OnBehalfOf:      target.Key.OnBehalfOf,
		Instrument:      target.Key.Instrument,
		Seq:             target.Seq,
		Quantity:        fixedpointJSON{Value: target.Quantity.Value, Exp: target.Quantity.Exp},
		TargetTimestamp: target.TargetTimestamp,
	}
	if target.BuyLimitPrice != nil {
		ev.BuyLimitPrice = &fixedpointJSON{Value: target.BuyLimitPrice.Value, Exp: target.BuyLimitPrice.Exp}
	}
	if target.SellLimitPrice != nil {
		ev.SellLimitPrice = &fixedpointJSON{Value: target.SellLimitPrice.Value, Exp: target.SellLimitPrice.Exp}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal target event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.targetTopic,
		Key:   eventKey(target.Key),
		Value: data,
	})
	if err != nil {
		p.logger.Error("Failed to send target accepted event",
			"topic", p.targetTopic,
			"on_behalf_of", target.Key.OnBehalfOf,
			"instrument", target.Key.Instrument,
			"error", err)
		return err
	}
	return nil
}

// TargetsCancelled publishes one cancellation event per cancelled target,
// in a single batched write.
func (p *KafkaPublisher) TargetsCancelled(ctx context.Context, cancelled []core.CancelledTarget) error {
	if len(cancelled) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(cancelled))
	for _, c := range cancelled {
		data, err := json.Marshal(cancelledTargetEvent{
			OnBehalfOf: c.Key.OnBehalfOf,
			Instrument: c.Key.Instrument,
			Seq:        c.Seq,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal cancellation event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.cancellationTopic,
			Key:   eventKey(c.Key),
			Value: data,
		})
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	if err != nil {
		p.logger.Error("Failed to send cancellation events",
			"topic", p.cancellationTopic,
			"count", len(msgs),
			"error", err)
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
