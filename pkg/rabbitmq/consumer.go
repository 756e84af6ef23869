package rabbitmq

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer delivers messages from one durable queue to per-routing-key handlers. A
// handler returning true acks the delivery; false nacks it for redelivery.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{conn: conn, ch: ch, logger: logger.With("component", "rabbitmq_consumer")}, nil
}

// ConsumeWithBindings binds queueName to exchange for every routing key in bindings and
// starts one dispatcher per prefetch slot. prefetch bounds unacked deliveries; each batch
// holds a primary transaction, so it also bounds concurrent held transactions.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, prefetch int, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return err
		}
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	workers := max(prefetch, 1)
	for i := 0; i < workers; i++ {
		go c.dispatch(msgs, handlers)
	}
	return nil
}

func (c *Consumer) dispatch(msgs <-chan amqp.Delivery, handlers map[string]func([]byte) bool) {
	for d := range msgs {
		handler, ok := handlers[d.RoutingKey]
		if !ok {
			c.logger.Warn("no handler for routing key; dropping", "routing_key", d.RoutingKey)
			d.Ack(false)
			continue
		}
		if handler(d.Body) {
			d.Ack(false)
			continue
		}
		c.logger.Warn("handler failed; re-queuing", "routing_key", d.RoutingKey)
		d.Nack(false, true)
	}
	c.logger.Info("delivery channel closed")
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
