package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject commit events are published on.
const DefaultSubject = "depot.package.published"

// NATSConn is the subset of the NATS connection used by the publisher.
// Keeping it as an interface enables mocking in tests.
type NATSConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisherConfig configures the publisher.
type NATSPublisherConfig struct {
	// Subject is the NATS subject to publish on.
	Subject string
	// QueueSize bounds the in-flight event queue.
	QueueSize int
	// MaxRetries bounds delivery attempts per event.
	MaxRetries uint64
	// InitialBackoff is the first retry interval.
	InitialBackoff time.Duration
}

// DefaultNATSPublisherConfig returns sensible defaults.
func DefaultNATSPublisherConfig() NATSPublisherConfig {
	return NATSPublisherConfig{
		Subject:        DefaultSubject,
		QueueSize:      1024,
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
	}
}

// NATSPublisher delivers commit events over NATS. Events flow through a
// bounded FIFO queue consumed by a single goroutine, so events committed by
// one depot process are published in commit order. Each event is retried
// with bounded backoff; exhaustion is logged and counted but never surfaced
// to the upload that produced the event.
type NATSPublisher struct {
	conn   NATSConn
	cfg    NATSPublisherConfig
	logger *slog.Logger

	queue   chan Event
	done    chan struct{}
	stopped sync.Once

	published atomic.Int64
	dropped   atomic.Int64
}

// NewNATSPublisher creates a publisher over an established connection and
// starts its delivery loop.
func NewNATSPublisher(conn NATSConn, cfg NATSPublisherConfig, logger *slog.Logger) *NATSPublisher {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &NATSPublisher{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.deliverLoop()
	return p
}

// Connect dials NATS and returns a publisher on the connection.
func Connect(url string, cfg NATSPublisherConfig, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return NewNATSPublisher(conn, cfg, logger), nil
}

// Publish enqueues the event for asynchronous delivery. Fails only when the
// queue is full or the publisher is stopped; callers treat that as an
// observability signal, not an upload failure.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	select {
	case <-p.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("event queue full, dropped %s", ev.Ident)
	}
}

// Stop drains nothing and halts the delivery loop. Pending queued events are
// discarded; delivery is at-least-once only for events that were sent.
func (p *NATSPublisher) Stop() {
	p.stopped.Do(func() { close(p.done) })
}

// Published returns the count of successfully delivered events.
func (p *NATSPublisher) Published() int64 { return p.published.Load() }

// Dropped returns the count of events lost to queue overflow or retry
// exhaustion.
func (p *NATSPublisher) Dropped() int64 { return p.dropped.Load() }

func (p *NATSPublisher) deliverLoop() {
	for {
		select {
		case ev := <-p.queue:
			p.deliver(ev)
		case <-p.done:
			return
		}
	}
}

func (p *NATSPublisher) deliver(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.dropped.Add(1)
		p.logger.Error("encode commit event", "ident", ev.Ident.String(), "error", err)
		return
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.cfg.InitialBackoff),
	), p.cfg.MaxRetries)

	err = backoff.Retry(func() error {
		return p.conn.Publish(p.cfg.Subject, data)
	}, policy)
	if err != nil {
		p.dropped.Add(1)
		p.logger.Error("commit event delivery exhausted retries",
			"ident", ev.Ident.String(), "subject", p.cfg.Subject, "error", err)
		return
	}
	p.published.Add(1)
}
