// Package eventbus is the client for the topic-exchange broker carrying
// domain events between services. Each process owns one connection and one
// shared channel; subscribers get an exclusive anonymous queue per routing
// key, so every service instance receives its own copy of each event and
// handlers must be idempotent against redelivery.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// ErrBrokerUnavailable is returned when a publish cannot reach the broker
// even after one reconnect attempt.
var ErrBrokerUnavailable = errors.New("message broker unavailable")

const maxReconnectInterval = 30 * time.Second

// Handler processes one decoded delivery. Returning an error leaves the
// message unacked so the broker redelivers it.
type Handler func(ctx context.Context, body []byte) error

// channel is the slice of amqp.Channel the bus uses, extracted so tests can
// substitute a fake broker.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type connection interface {
	Channel() (channel, error)
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	return c.Connection.Channel()
}

func amqpDial(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Bus owns the broker connection and the process-wide shared channel.
type Bus struct {
	url  string
	dial func(url string) (connection, error)

	mu   sync.Mutex
	conn connection
	ch   channel
	// gen counts established connections. Consume loops remember which
	// generation their stream rides on so that after a drop only the first
	// loop redials and the rest rebind on the already-fresh connection.
	gen uint64
}

// Dial connects to the broker and declares the topic exchange. Callers treat
// a startup failure as fatal: a service cannot operate without event
// propagation.
func Dial(url string) (*Bus, error) {
	b := &Bus{url: url, dial: amqpDial}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	log.Info("connected to message broker")
	return b, nil
}

func (b *Bus) connectLocked() error {
	conn, err := b.dial(b.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	b.conn = conn
	b.ch = ch
	b.gen++
	return nil
}

func (b *Bus) reconnectLocked() error {
	b.closeLocked()
	return b.connectLocked()
}

func (b *Bus) closeLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

// Close tears down the channel and connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// Publish JSON-encodes the payload and sends it with the given routing key.
// On a broker error it reconnects and retries once, then surfaces
// ErrBrokerUnavailable; the caller decides whether the triggering request
// fails or the event is dropped.
func (b *Bus) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", routingKey, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch == nil {
		if err := b.connectLocked(); err != nil {
			return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
	}
	if err := b.publishLocked(ctx, routingKey, body); err != nil {
		log.WithError(err).Warnf("publish %s failed, reconnecting", routingKey)
		if err := b.reconnectLocked(); err != nil {
			return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		if err := b.publishLocked(ctx, routingKey, body); err != nil {
			return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
	}
	log.Debugf("event published: %s", routingKey)
	return nil
}

func (b *Bus) publishLocked(ctx context.Context, routingKey string, body []byte) error {
	return b.ch.PublishWithContext(ctx, Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Subscribe binds an exclusive anonymous queue to the routing key and starts
// a consume loop. Deliveries are acked after the handler returns nil and
// requeued otherwise; a handler panic is recovered and treated as a failure.
// The loop reconnects with exponential backoff if the channel drops and stops
// when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, routingKey string, h Handler) error {
	deliveries, gen, err := b.consume(routingKey)
	if err != nil {
		return err
	}
	go b.consumeLoop(ctx, routingKey, deliveries, gen, h)
	return nil
}

func (b *Bus) consume(routingKey string) (<-chan amqp.Delivery, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch == nil {
		if err := b.connectLocked(); err != nil {
			return nil, 0, err
		}
	}
	return b.consumeLocked(routingKey)
}

func (b *Bus) consumeLocked(routingKey string) (<-chan amqp.Delivery, uint64, error) {
	q, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, 0, err
	}
	if err := b.ch.QueueBind(q.Name, routingKey, Exchange, false, nil); err != nil {
		return nil, 0, err
	}
	deliveries, err := b.ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return nil, 0, err
	}
	log.Infof("subscribed to %s (queue %s)", routingKey, q.Name)
	return deliveries, b.gen, nil
}

func (b *Bus) consumeLoop(ctx context.Context, routingKey string, deliveries <-chan amqp.Delivery, gen uint64, h Handler) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					deliveries = nil
				} else {
					b.dispatch(ctx, routingKey, d, h)
				}
			}
			if deliveries == nil {
				break
			}
		}

		// Channel dropped; rebind until the broker answers again.
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var err error
			deliveries, gen, err = b.resubscribe(routingKey, gen)
			if err == nil {
				backoffCfg.Reset()
				break
			}
			log.WithError(err).Warnf("resubscribe %s failed", routingKey)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		}
	}
}

// resubscribe rebinds after a delivery stream ended. The connection is
// replaced only if it is still the one the failed stream rode on; when
// another loop (or a publish) already redialed, the fresh channel is reused.
func (b *Bus) resubscribe(routingKey string, failedGen uint64) (<-chan amqp.Delivery, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gen == failedGen {
		if err := b.reconnectLocked(); err != nil {
			return nil, 0, err
		}
	} else if b.ch == nil {
		if err := b.connectLocked(); err != nil {
			return nil, 0, err
		}
	}
	return b.consumeLocked(routingKey)
}

func (b *Bus) dispatch(ctx context.Context, routingKey string, d amqp.Delivery, h Handler) {
	err := runHandler(ctx, d.Body, h)
	if err != nil {
		log.WithError(err).Errorf("handler for %s failed, requeueing", routingKey)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.WithError(nackErr).Errorf("nack %s failed", routingKey)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.WithError(ackErr).Errorf("ack %s failed", routingKey)
	}
}

// runHandler isolates handler panics so one poison message cannot kill the
// consume loop.
func runHandler(ctx context.Context, body []byte, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, body)
}

// Decode unmarshals a delivery body into the typed event for a handler.
func Decode[T any](body []byte) (T, error) {
	var ev T
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
