package invalidation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// Publisher emits invalidation events on a Kafka topic without blocking the
// caller. Versions are assigned per publisher, starting after the current
// unix time in milliseconds so that a restarted writer keeps increasing.
type Publisher struct {
	topic  string
	source string
	log    *slog.Logger

	version atomic.Uint64
	dropped atomic.Uint64

	mu      sync.RWMutex
	closed  bool
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
	errDone chan struct{}
	once    sync.Once
}

type PublisherConfig struct {
	Brokers   []string
	Topic     string
	Source    string
	QueueSize int
	Logger    *slog.Logger
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.Return.Errors = true
	sc.Producer.Return.Successes = false
	sc.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("invalidation: create async producer: %w", err)
	}
	return NewPublisherWithProducer(prod, cfg), nil
}

// NewPublisherWithProducer takes ownership of prod.
func NewPublisherWithProducer(prod sarama.AsyncProducer, cfg PublisherConfig) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Publisher{
		topic:   cfg.Topic,
		source:  cfg.Source,
		log:     cfg.Logger.With("component", "invalidation-publisher"),
		events:  make(chan Event, cfg.QueueSize),
		prod:    prod,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}
	p.version.Store(uint64(time.Now().UnixMilli()))

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("marshal invalidation event", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Source),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Error("invalidation producer error", "err", err)
			}
		}
	}()
	return p
}

// Publish queues an invalidation for tags and returns the assigned event.
// A full queue or a closed publisher drops the event and reports false.
func (p *Publisher) Publish(tags []string, reason string) (Event, bool) {
	ev := Event{
		Version: p.version.Add(1),
		Tags:    tags,
		Source:  p.source,
		TS:      time.Now().UTC(),
		Reason:  reason,
	}
	if err := ev.Validate(); err != nil {
		p.log.Warn("invalid invalidation event dropped", "err", err)
		return ev, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		p.log.Warn("publisher closed, event dropped", "tags", tags)
		return ev, false
	}
	select {
	case p.events <- ev:
		return ev, true
	default:
		p.dropped.Add(1)
		p.log.Warn("invalidation queue full, event dropped", "tags", tags)
		return ev, false
	}
}

func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.events)
		p.mu.Unlock()
		<-p.stopped
		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("invalidation: close producer: %w", cerr)
		}
		<-p.errDone
	})
	return err
}
