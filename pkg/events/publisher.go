package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"cube/internal/util"
	"cube/pkg/domain"
)

const (
	defaultExchange = "cube.listings"
	routingPrefix   = "listing."
)

// Transition is published once per listing that changed state.
type Transition struct {
	EventID    string               `json:"eventId"`
	ListingID  int64                `json:"listingId"`
	SellerID   string               `json:"sellerId"`
	ActorID    string               `json:"actorId"`
	Code       domain.AuditCode     `json:"code"`
	From       domain.ListingStatus `json:"from"`
	To         domain.ListingStatus `json:"to"`
	PriceCents int64                `json:"priceCents"`
	OccurredAt time.Time            `json:"occurredAt"`
}

// RoutingKey is listing.<new status>, so consumers can bind to e.g. listing.sold.
func (t Transition) RoutingKey() string {
	return routingPrefix + string(t.To)
}

// Publisher announces listing transitions to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, events []Transition) error
	Close() error
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes transitions as persistent JSON messages on a topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
	source   string
}

// AMQPConfig configures NewAMQPPublisher.
type AMQPConfig struct {
	URL      string
	Exchange string
	Source   string
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	p := newPublisher(ch, exchange, cfg.Source)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange, source string) *AMQPPublisher {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "listing"
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, source: source}
}

// Publish sends each transition. It stops at the first broker error.
func (p *AMQPPublisher) Publish(ctx context.Context, events []Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range events {
		if ev.EventID == "" {
			ev.EventID = util.NewID()
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		msg := amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     ev.EventID,
			Timestamp:     ev.OccurredAt,
			AppId:         p.source,
			Type:          "listing.transitioned",
			CorrelationId: util.RequestIDFromContext(ctx),
			Body:          body,
		}
		if err := p.ch.PublishWithContext(ctx, p.exchange, ev.RoutingKey(), false, false, msg); err != nil {
			return fmt.Errorf("publish listing %d: %w", ev.ListingID, err)
		}
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, []Transition) error { return nil }
func (Nop) Close() error                                { return nil }
