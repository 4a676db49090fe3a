// Package kafkaconsumer applies dataset invalidation events: cached index
// maps of the dataset are dropped and the dataset is reloaded or removed.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	obs "github.com/mohammed-shakir/grid-select/internal/core/observability"
	"github.com/mohammed-shakir/grid-select/internal/invalidation"
	mylog "github.com/mohammed-shakir/grid-select/internal/logger"
)

type Invalidator interface {
	InvalidateDataset(ctx context.Context, dataset string) (int, error)
}

type Registry interface {
	Reload(ctx context.Context, name string) error
	Remove(name string)
}

type Consumer struct {
	cfg      Config
	logger   *slog.Logger
	zlog     *zerolog.Logger
	cache    Invalidator
	registry Registry
	dedupe   *versionDedupe
	handler  *groupHandler
}

// New builds a consumer. cache may be nil when index caching is off.
func New(cfg Config, logger *slog.Logger, zl *zerolog.Logger, c Invalidator, reg Registry) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	base := mylog.WithComponent(context.Background(), "kafka_consumer")
	cons := &Consumer{
		cfg:      cfg,
		logger:   logger,
		zlog:     mylog.FromContext(base, zl),
		cache:    c,
		registry: reg,
		dedupe:   newVersionDedupe(cfg.DedupeSize),
	}
	cons.handler = &groupHandler{process: cons.ProcessOne}
	return cons
}

// Readiness reports whether the consumer currently holds a group session.
func (c *Consumer) Readiness() (bool, []int32) {
	return c.handler.state()
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.registry == nil {
		return errors.New("kafkaconsumer: missing dependency (registry)")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	retry := c.cfg.RetryDelay
	if retry <= 0 {
		retry = 2 * time.Second
	}
	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, c.handler); err != nil && ctx.Err() == nil {
			obs.IncKafkaConsumerError("consume")
			c.zlog.Error().Err(err).
				Strs("brokers", c.cfg.Brokers).
				Str("topic", c.cfg.Topic).
				Msg("kafka consumer error")
			select {
			case <-ctx.Done():
			case <-time.After(retry):
			}
		}
		if ctx.Err() != nil {
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		}
	}
}

// ProcessOne applies a single event. Undecodable or invalid events are
// logged and skipped; a failed cache or registry call is returned so the
// message is redelivered.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.skip(ctx, msg, "decode", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		c.skip(ctx, msg, "validate", err)
		return nil
	}

	ts := ev.TS.UnixNano()
	if c.dedupe.stale(ev.Dataset, ts) {
		obs.IncInvalidation(ev.Op, "duplicate")
		c.logger.DebugContext(ctx, "stale invalidation skipped", "dataset", ev.Dataset, "op", ev.Op)
		return nil
	}

	dropped := 0
	if c.cache != nil {
		n, err := c.cache.InvalidateDataset(ctx, ev.Dataset)
		if err != nil {
			obs.IncKafkaConsumerError("cache")
			obs.IncInvalidation(ev.Op, "error")
			return fmt.Errorf("invalidate %q: %w", ev.Dataset, err)
		}
		dropped = n
	}

	switch ev.Op {
	case invalidation.OpDelete:
		c.registry.Remove(ev.Dataset)
	default:
		if err := c.registry.Reload(ctx, ev.Dataset); err != nil {
			obs.IncKafkaConsumerError("reload")
			obs.IncInvalidation(ev.Op, "error")
			return fmt.Errorf("reload %q: %w", ev.Dataset, err)
		}
	}

	c.dedupe.record(ev.Dataset, ts)
	obs.IncInvalidation(ev.Op, "applied")

	mylog.FromContext(mylog.WithDataset(ctx, ev.Dataset), c.zlog).Info().
		Str("event", "invalidation").
		Str("op", ev.Op).
		Int("dropped_entries", dropped).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("dataset invalidated")
	return nil
}

func (c *Consumer) skip(ctx context.Context, msg *sarama.ConsumerMessage, kind string, err error) {
	obs.IncKafkaConsumerError(kind)
	mylog.FromContext(ctx, c.zlog).Error().
		Err(err).
		Str("kind", kind).
		Str("topic", msg.Topic).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("kafka message skipped")
}
