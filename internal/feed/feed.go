package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"crosslink/internal/core"
	"crosslink/internal/ingest"
	apperrors "crosslink/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/segmentio/kafka-go"
)

// Config holds the Kafka consumer settings for the fill feed.
type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	SessionTimeout time.Duration
}

// fillReader abstracts the kafka reader for tests.
type fillReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// fillEnvelope is the upstream wire shape for one executed fill.
type fillEnvelope struct {
	OnBehalfOf string          `json:"on_behalf_of"`
	Instrument int64           `json:"base_instrument"`
	Fill       core.FillRecord `json:"fill"`
}

// Consumer pulls executed fills off the feed topic and applies them through
// the ingestor. Transient apply failures are retried with backoff; a halted
// key is permanent and the message is dropped after logging.
type Consumer struct {
	reader   fillReader
	ingestor *ingest.Ingestor
	pipeline failsafe.Executor[any]
	logger   core.ILogger
}

func NewConsumer(cfg Config, ingestor *ingest.Ingestor, logger core.ILogger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: cfg.SessionTimeout,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6,
	})

	logger.Info("Fill feed consumer created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group_id", cfg.GroupID)
	return newConsumer(reader, ingestor, logger)
}

func newConsumer(reader fillReader, ingestor *ingest.Ingestor, logger core.ILogger) *Consumer {
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			// a halted key never recovers on its own
			return err != nil && !errors.Is(err, apperrors.ErrLedgerHalted)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	return &Consumer{
		reader:   reader,
		ingestor: ingestor,
		pipeline: failsafe.With[any](retryPolicy),
		logger:   logger.WithField("component", "feed"),
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("Failed to close fill reader", "error", err)
		}
	}()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to read fill message", "error", err)
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var env fillEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		c.logger.Warn("Dropping malformed fill message",
			"offset", msg.Offset,
			"partition", msg.Partition,
			"error", err)
		return
	}

	fill := core.Fill{
		Key:        core.Key{OnBehalfOf: env.OnBehalfOf, Instrument: env.Instrument},
		FillRecord: env.Fill,
	}

	err := c.pipeline.WithContext(ctx).RunWithExecution(func(exec failsafe.Execution[any]) error {
		return c.ingestor.Process(ctx, fill)
	})
	if err != nil {
		c.logger.Error("Failed to apply fill",
			"fill_id", fill.ID,
			"on_behalf_of", fill.Key.OnBehalfOf,
			"instrument", fill.Key.Instrument,
			"error", err)
	}
}
