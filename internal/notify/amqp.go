package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPNotifier publishes confirmation messages to a RabbitMQ queue so a
// separate worker can handle delivery.
type AMQPNotifier struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPNotifier(url, queue string) (*AMQPNotifier, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("amqp url required")
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		queue = "titledb.confirmations"
	}
	return &AMQPNotifier{url: url, queue: queue}, nil
}

func (n *AMQPNotifier) SendConfirmation(ctx context.Context, msg Confirmation) error {
	payload, err := json.Marshal(struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Code     string `json:"code"`
	}{msg.Email, msg.Username, msg.Code})
	if err != nil {
		return fmt.Errorf("encode confirmation: %w", err)
	}

	ch, err := n.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		n.reset()
		return fmt.Errorf("publish confirmation: %w", err)
	}
	return nil
}

// channel returns the cached channel, dialing and declaring the queue on
// first use or after a publish failure.
func (n *AMQPNotifier) channel() (*amqp.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil && !n.ch.IsClosed() {
		return n.ch, nil
	}
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(n.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", n.queue, err)
	}
	n.conn = conn
	n.ch = ch
	return ch, nil
}

func (n *AMQPNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		n.ch.Close()
		n.ch = nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

func (n *AMQPNotifier) Close() error {
	n.reset()
	return nil
}
