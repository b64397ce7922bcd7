package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	amqplib "github.com/streadway/amqp"
)

// fakeBroker is an in-memory fanout exchange: every subscriber queue gets a
// copy of every published message, mirroring real fanout semantics closely
// enough to exercise AMQPNotifier's publish/subscribe wiring without a real
// RabbitMQ instance.
type fakeBroker struct {
	mu       sync.Mutex
	exchange string
	queues   map[string]chan amqplib.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: make(map[string]chan amqplib.Delivery)}
}

type fakeDialer struct{ broker *fakeBroker }

func (d *fakeDialer) Dial(url string) (Connection, error) {
	return &fakeConnection{broker: d.broker}, nil
}

type fakeConnection struct{ broker *fakeBroker }

func (c *fakeConnection) Channel() (Channel, error) { return &fakeChannel{broker: c.broker}, nil }
func (c *fakeConnection) Close() error              { return nil }

type fakeChannel struct {
	broker    *fakeBroker
	queueName string
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqplib.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.exchange = name
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqplib.Table) (amqplib.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if name == "" {
		name = "anon"
	}
	c.broker.queues[name] = make(chan amqplib.Delivery, 16)
	return amqplib.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqplib.Table) error {
	c.queueName = name
	return nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqplib.Publishing) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for _, q := range c.broker.queues {
		select {
		case q <- amqplib.Delivery{Body: msg.Body}:
		default:
		}
	}
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqplib.Table) (<-chan amqplib.Delivery, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.broker.queues[queue], nil
}

func (c *fakeChannel) Close() error { return nil }

func TestPublishSubscribeRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	n, err := New(&fakeDialer{broker: broker}, "amqp://fake", "gridcompute.cases")
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := n.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, n.PublishCaseEvent(ctx, "case-1"))

	select {
	case caseID := <-events:
		assert.Equal(t, "case-1", caseID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notifier event")
	}
}

func TestPublishWithoutSubscriberDoesNotBlock(t *testing.T) {
	broker := newFakeBroker()
	n, err := New(&fakeDialer{broker: broker}, "amqp://fake", "gridcompute.cases")
	require.NoError(t, err)
	defer n.Close()

	err = n.PublishCaseEvent(context.Background(), "case-2")
	assert.NoError(t, err)
}
