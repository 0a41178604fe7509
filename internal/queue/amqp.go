package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/unclebandit/reactivation-backend/internal/logging"
)

const (
	defaultExchange = "reactivation.events"
	retryHeader     = "x-retry-count"
)

// AMQPQueue publishes to a durable topic exchange. Each Subscribe binds a
// durable queue named "<service>.<topic>" and consumes with manual acks.
// Failed deliveries are republished with an incremented x-retry-count header
// until MaxRetries, then dropped with an error log.
type AMQPQueue struct {
	conn       *amqp.Connection
	pubMu      sync.Mutex
	pub        *amqp.Channel
	Exchange   string
	Service    string
	MaxRetries int
	log        *slog.Logger
	wg         sync.WaitGroup
}

func DialAMQP(url, service string, log *slog.Logger) (*AMQPQueue, error) {
	if log == nil {
		log = logging.Discard()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q := &AMQPQueue{
		conn:       conn,
		pub:        ch,
		Exchange:   defaultExchange,
		Service:    service,
		MaxRetries: 3,
		log:        log,
	}
	if err := ch.ExchangeDeclare(q.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return q, nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return q.publish(topic, body, 0)
}

func (q *AMQPQueue) publish(topic string, body []byte, retries int) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.Publish(q.Exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: int32(retries)},
		Body:         body,
	})
}

func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	name := q.Service + "." + topic
	if _, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(name, topic, q.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := ch.Consume(
		name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range msgs {
			q.handle(topic, d, handler)
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler Handler) {
	err := handler(d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	retries := retryCount(d.Headers)
	if retries >= q.MaxRetries {
		q.log.Error("event permanently failed", "topic", topic, "attempts", retries+1, "error", err)
		_ = d.Ack(false)
		return
	}
	q.log.Warn("event handler failed, retrying", "topic", topic, "attempt", retries+1, "error", err)
	if perr := q.publish(topic, d.Body, retries+1); perr != nil {
		// Let the broker redeliver the original.
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	err := q.conn.Close()
	q.wg.Wait()
	return err
}

var _ Queue = (*AMQPQueue)(nil)
