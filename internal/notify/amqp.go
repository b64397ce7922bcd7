// Package notify implements the Change Notifier's AMQP-based alternate
// transport: grids that already run RabbitMQ can fan out a "case submitted"
// event over a durable fanout exchange instead of relying solely on
// CouchDB's `_changes` feed. Exactly like that feed, this is advisory only —
// every subscriber still polls the registry on its own jittered timer, and
// a notifier that never connects, or a message that never arrives, must
// never stop work from eventually being found.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/gridcompute/gridcompute/internal/gridlog"
)

var log = gridlog.For("notify")

// Dialer abstracts connecting to the broker, so tests can inject a fake
// without a real RabbitMQ instance, following queue/amqp_interface.go's
// AMQPDialer/AMQPConnection/AMQPChannel split.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// Connection abstracts an AMQP connection.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel abstracts the subset of AMQP channel operations the notifier uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RealDialer dials a live broker with the streadway/amqp client.
type RealDialer struct{}

func (RealDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}

type realConnection struct{ conn *amqp.Connection }

func (c *realConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *realConnection) Close() error { return c.conn.Close() }

// event is the wire shape of a case-submitted notification.
type event struct {
	CaseID string    `json:"case_id"`
	At     time.Time `json:"at"`
}

// AMQPNotifier is both the publishing and subscribing side of the Change
// Notifier's AMQP transport, sharing one fanout exchange.
type AMQPNotifier struct {
	conn     Connection
	channel  Channel
	exchange string
}

// New connects to url and declares a durable fanout exchange named
// exchange, following queue/rabbit.go's connect-then-declare shape.
func New(dialer Dialer, url, exchange string) (*AMQPNotifier, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to notifier broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening notifier channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring notifier exchange %s: %w", exchange, err)
	}

	return &AMQPNotifier{conn: conn, channel: ch, exchange: exchange}, nil
}

// PublishCaseEvent fans out a "case submitted or reclaimed" notification.
// Callers treat a publish failure as non-fatal: the timer-driven poll loop
// remains the authoritative discovery path.
func (n *AMQPNotifier) PublishCaseEvent(ctx context.Context, caseID string) error {
	body, err := json.Marshal(event{CaseID: caseID, At: time.Now()})
	if err != nil {
		return fmt.Errorf("encoding notifier event: %w", err)
	}
	if err := n.channel.Publish(n.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return fmt.Errorf("publishing notifier event: %w", err)
	}
	return nil
}

// Subscribe declares a private, auto-deleting queue bound to the fanout
// exchange and streams case ids as they arrive until ctx is cancelled. Every
// subscriber gets its own queue, matching fanout's broadcast semantics
// rather than the single-consumer work-queue shape queue/rabbit.go uses.
func (n *AMQPNotifier) Subscribe(ctx context.Context) (<-chan string, error) {
	q, err := n.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declaring notifier subscriber queue: %w", err)
	}
	if err := n.channel.QueueBind(q.Name, "", n.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("binding notifier subscriber queue: %w", err)
	}
	deliveries, err := n.channel.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming notifier subscriber queue: %w", err)
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var evt event
				if err := json.Unmarshal(d.Body, &evt); err != nil {
					log.WithErr(err).Warn("dropping malformed notifier event")
					continue
				}
				select {
				case out <- evt.CaseID:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
