// Package selevents publishes one event per selection build to Kafka.
package selevents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/grid-select/internal/core/observability"
)

type BuildEvent struct {
	Dataset        string    `json:"dataset"`
	Key            string    `json:"key,omitempty"`
	Fingerprint    string    `json:"fingerprint"`
	OriginalPoints int       `json:"original_points"`
	RetainedPoints int       `json:"retained_points"`
	CacheHit       bool      `json:"cache_hit"`
	TS             time.Time `json:"ts"`
}

// Publisher is satisfied by *Kafka and Nop.
type Publisher interface {
	Publish(ctx context.Context, ev BuildEvent)
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, BuildEvent) {}
func (Nop) Close() error                        { return nil }

type Kafka struct {
	topic   string
	events  chan BuildEvent
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
	errDone chan struct{}
	once    sync.Once

	// mu guards closed against the channel close in Close.
	mu     sync.RWMutex
	closed bool
}

func NewKafka(brokers []string, topic string, queueSize int, log *slog.Logger) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("selevents: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer takes ownership of prod; Close closes it.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Kafka {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Kafka{
		topic:   topic,
		events:  make(chan BuildEvent, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("selevents: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Dataset),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("selevents: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish never blocks the build path: a full queue or a closed publisher
// drops the event.
func (p *Kafka) Publish(_ context.Context, ev BuildEvent) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		observability.IncEventsDropped()
		return
	}
	select {
	case p.events <- ev:
	default:
		observability.IncEventsDropped()
	}
}

// Close drains queued events and closes the producer. It is safe to call
// more than once.
func (p *Kafka) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.events)
		p.mu.Unlock()

		<-p.stopped
		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("selevents: close producer: %w", cerr)
		}
		<-p.errDone
	})
	return err
}
