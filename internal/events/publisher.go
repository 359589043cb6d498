// Package events publishes gateway lifecycle events to RabbitMQ.
// Publishing is fire-and-forget: a failed publish is parked and retried by
// a ticker loop a bounded number of times, then dropped.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Event types.
const (
	TypeSessionStatus   = "session.status"
	TypeMessageReceived = "message.received"
	TypeMessageSent     = "message.sent"
)

const (
	defaultMaxAttempts   = 3
	defaultRetryInterval = 2 * time.Second
	publishTimeout       = 5 * time.Second
)

// Event is one lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Publisher accepts events. Publish never blocks on the broker for longer
// than a single attempt and never returns an error to the caller.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
	Status() Status
}

// Status summarises publisher health for the admin API.
type Status struct {
	Enabled   bool  `json:"enabled"`
	Pending   int   `json:"pending"`
	Published int64 `json:"published"`
	Retried   int64 `json:"retried"`
	Dropped   int64 `json:"dropped"`
}

// channel is the subset of *amqp091.Channel the publisher uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type pendingEvent struct {
	event     Event
	body      []byte
	attempts  int
	lastError string
	parkedAt  time.Time
}

// AMQPPublisher publishes each event type to its own durable queue named
// `<prefix>_<type>` with dots replaced by underscores.
type AMQPPublisher struct {
	conn   *amqp091.Connection
	ch     channel
	prefix string

	maxAttempts   int
	retryInterval time.Duration

	mu        sync.Mutex
	declared  map[string]bool
	pending   map[string]*pendingEvent
	published int64
	retried   int64
	dropped   int64
}

// Dial connects to the broker at url and opens a channel.
func Dial(url, prefix string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	p := newAMQPPublisher(ch, prefix)
	p.conn = conn
	log.Info().Str("prefix", p.prefix).Msg("RabbitMQ connection established")
	return p, nil
}

func newAMQPPublisher(ch channel, prefix string) *AMQPPublisher {
	if prefix == "" {
		prefix = "gateway"
	}
	return &AMQPPublisher{
		ch:            ch,
		prefix:        prefix,
		maxAttempts:   defaultMaxAttempts,
		retryInterval: defaultRetryInterval,
		declared:      make(map[string]bool),
		pending:       make(map[string]*pendingEvent),
	}
}

// QueueName returns the queue an event type is routed to.
func (p *AMQPPublisher) QueueName(eventType string) string {
	return p.prefix + "_" + strings.ReplaceAll(strings.ToLower(eventType), ".", "_")
}

// Publish sends evt once and parks it for retry on failure.
func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("eventType", evt.Type).Msg("Failed to marshal event")
		return
	}

	if err := p.send(ctx, evt.Type, body); err != nil {
		log.Warn().Err(err).Str("eventID", evt.ID).Str("eventType", evt.Type).Msg("Event publish failed, will retry")
		p.mu.Lock()
		p.pending[evt.ID] = &pendingEvent{event: evt, body: body, attempts: 1, lastError: err.Error(), parkedAt: time.Now()}
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	log.Debug().Str("eventID", evt.ID).Str("eventType", evt.Type).Msg("Published event")
}

func (p *AMQPPublisher) send(ctx context.Context, eventType string, body []byte) error {
	queue := p.QueueName(eventType)

	p.mu.Lock()
	declared := p.declared[queue]
	p.mu.Unlock()
	if !declared {
		if _, err := p.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("could not declare queue %s: %w", queue, err)
		}
		p.mu.Lock()
		p.declared[queue] = true
		p.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.ch.PublishWithContext(ctx, "", queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Run retries parked events every retry interval until ctx is done.
func (p *AMQPPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.retryPending(ctx)
		}
	}
}

func (p *AMQPPublisher) retryPending(ctx context.Context) {
	p.mu.Lock()
	batch := make([]*pendingEvent, 0, len(p.pending))
	for _, pe := range p.pending {
		batch = append(batch, pe)
	}
	p.mu.Unlock()

	for _, pe := range batch {
		err := p.send(ctx, pe.event.Type, pe.body)

		p.mu.Lock()
		p.retried++
		if err == nil {
			delete(p.pending, pe.event.ID)
			p.published++
			p.mu.Unlock()
			log.Info().Str("eventID", pe.event.ID).Int("attempts", pe.attempts+1).Msg("Event delivered on retry")
			continue
		}
		pe.attempts++
		pe.lastError = err.Error()
		if pe.attempts >= p.maxAttempts {
			delete(p.pending, pe.event.ID)
			p.dropped++
			p.mu.Unlock()
			log.Error().Err(err).Str("eventID", pe.event.ID).Str("eventType", pe.event.Type).Int("attempts", pe.attempts).Msg("Event dropped after max retries")
			continue
		}
		p.mu.Unlock()
		log.Warn().Err(err).Str("eventID", pe.event.ID).Int("attempts", pe.attempts).Msg("Event retry failed")
	}
}

// Status implements Publisher.
func (p *AMQPPublisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Enabled:   true,
		Pending:   len(p.pending),
		Published: p.published,
		Retried:   p.retried,
		Dropped:   p.dropped,
	}
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	var firstErr error
	if p.ch != nil {
		firstErr = p.ch.Close()
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Noop discards events. It is used when RABBITMQ_URL is not set.
type Noop struct{}

func (Noop) Publish(_ context.Context, evt Event) {
	log.Debug().Str("eventType", evt.Type).Msg("RabbitMQ publishing is disabled, not sending event")
}

func (Noop) Status() Status { return Status{} }
