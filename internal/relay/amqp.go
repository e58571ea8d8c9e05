// Package relay mirrors published events to a RabbitMQ topic exchange for
// consumers outside the process.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"trading-engine/internal/fanout"
)

const publishTimeout = 5 * time.Second

// channel is the part of *amqp.Channel the relay uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Relay is a fanout.Sink. Mirror enqueues and returns; one goroutine
// publishes. When the buffer is full the event is dropped and logged.
type Relay struct {
	exchange string
	ch       channel
	conn     *amqp.Connection
	queue    chan fanout.Event
	log      *log.Logger
	wg       sync.WaitGroup
	once     sync.Once
}

// Dial connects, declares a durable topic exchange and starts publishing.
func Dial(url, exchange string, buffer int, logger *log.Logger) (*Relay, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: declare exchange %s: %w", exchange, err)
	}
	r := newRelay(ch, exchange, buffer, logger)
	r.conn = conn
	return r, nil
}

func newRelay(ch channel, exchange string, buffer int, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	if buffer < 1 {
		buffer = 1
	}
	r := &Relay{
		exchange: exchange,
		ch:       ch,
		queue:    make(chan fanout.Event, buffer),
		log:      logger.WithPrefix("relay"),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Relay) Mirror(ev fanout.Event) {
	select {
	case r.queue <- ev:
	default:
		r.log.Warn("relay buffer full, dropping event", "event", ev.Name, "topic", ev.Topic.String())
	}
}

func (r *Relay) run() {
	defer r.wg.Done()
	for ev := range r.queue {
		msg, err := encode(ev)
		if err != nil {
			r.log.Error("encode event", "event", ev.Name, "err", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = r.ch.PublishWithContext(ctx, r.exchange, RoutingKey(ev), false, false, msg)
		cancel()
		if err != nil {
			r.log.Warn("publish failed", "event", ev.Name, "err", err)
		}
	}
}

// RoutingKey is "<topic kind>.<event name>", e.g. "user.auction.outbid".
func RoutingKey(ev fanout.Event) string {
	return ev.Topic.Kind.String() + "." + ev.Name
}

func encode(ev fanout.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.At,
		Type:        ev.Name,
		Headers:     amqp.Table{"topic": ev.Topic.String(), "entity_id": ev.EntityID},
		Body:        body,
	}, nil
}

// Close publishes what is still queued, then closes the channel and
// connection. The router must be closed first.
func (r *Relay) Close() error {
	var err error
	r.once.Do(func() {
		close(r.queue)
		r.wg.Wait()
		err = r.ch.Close()
		if r.conn != nil {
			if cerr := r.conn.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
