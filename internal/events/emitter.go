// Package events publishes domain events (event.created, group.updated,
// sync.completed, ...) on a watermill publisher. Publication is
// fire-and-forget: Publish never blocks the sync engine, events beyond the
// queue capacity are dropped and counted, and publisher failures are logged.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/metrics"
	"github.com/njoerd114/eventsync/internal/model"
)

// Topic is the watermill topic (NATS subject) domain events are published on.
const Topic = "eventsync.changes"

// Metadata keys set on every message.
const (
	MetaType     = "type"
	MetaPlatform = "platform"
)

const defaultBuffer = 256

// Emitter queues domain events and publishes them from a single goroutine.
// Create one with [New], [NewInProcess] or [FromConfig] and release it with
// [Emitter.Close].
type Emitter struct {
	pub   message.Publisher
	queue chan model.Change
	done  chan struct{}
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// New starts an Emitter in front of pub with a queue of buffer events.
func New(pub message.Publisher, buffer int, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = defaultBuffer
	}
	e := &Emitter{
		pub:   pub,
		queue: make(chan model.Change, buffer),
		done:  make(chan struct{}),
		log:   logger.With("component", "events"),
	}
	go e.loop()
	return e
}

// NewInProcess returns an Emitter backed by an in-memory gochannel pub/sub.
// The returned subscriber receives everything the emitter publishes.
func NewInProcess(buffer int, logger *slog.Logger) (*Emitter, message.Subscriber) {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = defaultBuffer
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
	}, watermill.NewSlogLogger(logger))
	return New(ch, buffer, logger), ch
}

// NewNATS returns an Emitter publishing to NATS JetStream at url.
func NewNATS(url string, buffer int, logger *slog.Logger) (*Emitter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wmLogger := watermill.NewSlogLogger(logger)
	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("creating NATS publisher: %w", err)
	}
	return New(pub, buffer, logger), nil
}

// FromConfig builds the emitter described by cfg: NATS when a URL is set,
// in-process otherwise. The subscriber is nil for NATS.
func FromConfig(cfg config.EventsConfig, logger *slog.Logger) (*Emitter, message.Subscriber, error) {
	if cfg.NATSURL != "" {
		e, err := NewNATS(cfg.NATSURL, cfg.Buffer, logger)
		return e, nil, err
	}
	e, sub := NewInProcess(cfg.Buffer, logger)
	return e, sub, nil
}

// Publish enqueues c. It never blocks: when the queue is full or the emitter
// is closed the event is dropped.
func (e *Emitter) Publish(c model.Change) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(c, "closed")
		return
	}
	select {
	case e.queue <- c:
	default:
		e.drop(c, "queue full")
	}
}

func (e *Emitter) drop(c model.Change, reason string) {
	e.dropped.Add(1)
	metrics.RecordPublish("dropped")
	e.log.Warn("domain event dropped", "type", string(c.Type), "entity", c.EntityID, "reason", reason)
}

func (e *Emitter) loop() {
	defer close(e.done)
	for c := range e.queue {
		if err := e.send(c); err != nil {
			e.failed.Add(1)
			metrics.RecordPublish("failed")
			e.log.Error("publishing domain event", "type", string(c.Type), "entity", c.EntityID, "error", err)
			continue
		}
		e.published.Add(1)
		metrics.RecordPublish("published")
	}
}

func (e *Emitter) send(c model.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", c.Type, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetaType, string(c.Type))
	if c.Platform != "" {
		msg.Metadata.Set(MetaPlatform, string(c.Platform))
	}
	return e.pub.Publish(Topic, msg)
}

// Stats reports how many events were published, dropped and failed.
func (e *Emitter) Stats() (published, dropped, failed int64) {
	return e.published.Load(), e.dropped.Load(), e.failed.Load()
}

// Close stops accepting events, publishes what is queued and closes the
// publisher.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	<-e.done
	if err := e.pub.Close(); err != nil {
		return fmt.Errorf("closing publisher: %w", err)
	}
	return nil
}

// Decode parses a message published by an Emitter.
func Decode(msg *message.Message) (model.Change, error) {
	var c model.Change
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		return c, fmt.Errorf("decoding message %s: %w", msg.UUID, err)
	}
	return c, nil
}

// Watch delivers every change received on sub to fn until ctx is done.
// Undecodable messages and changes fn rejects are logged and acked; they are
// not redelivered.
func Watch(ctx context.Context, sub message.Subscriber, logger *slog.Logger, fn func(model.Change) error) error {
	msgs, err := sub.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", Topic, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c, err := Decode(msg)
			if err != nil {
				logger.Warn("dropping undecodable domain event", "uuid", msg.UUID, "error", err)
			} else if err := fn(c); err != nil {
				logger.Warn("domain event handler failed", "uuid", msg.UUID, "type", string(c.Type), "error", err)
			}
			msg.Ack()
		}
	}
}
