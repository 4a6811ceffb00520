// Package mailqueue is a thin RabbitMQ client for the outbound-mail
// queue. Registration publishes send requests here; a consumer drains
// them into the real mail transport, so HTTP responses never wait on
// SMTP.
package mailqueue

import (
	"encoding/json"
	"fmt"
	"log"

	"akun/internal/mail"

	amqp "github.com/streadway/amqp"
)

const queueName = "mail_queue"

// Client holds the RabbitMQ connection and channel.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Config holds RabbitMQ connection details.
type Config struct {
	URL string
}

// NewClient connects to RabbitMQ and declares the mail queue. The queue
// is durable so pending mail survives a broker restart.
func NewClient(cfg Config) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare %s: %w", queueName, err)
	}

	log.Printf("RabbitMQ client connected and %s declared", queueName)

	return &Client{
		conn:    conn,
		channel: ch,
	}, nil
}

// Close closes the RabbitMQ connection and channel.
func (c *Client) Close() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing mailqueue client: %v", errs)
	}
	return nil
}

// PublishMailRequested enqueues a mail send request as a persistent
// JSON message. Implements mail.Publisher.
func (c *Client) PublishMailRequested(msg mail.Message) error {
	if c.channel == nil {
		return fmt.Errorf("RabbitMQ channel is not available")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal mail message: %w", err)
	}

	err = c.channel.Publish(
		"",        // exchange: default
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    msg.CreatedAt,
		})
	if err != nil {
		return fmt.Errorf("failed to publish mail message: %w", err)
	}

	// Log only the recipient; the body embeds token material.
	log.Printf("mailqueue: enqueued mail for %s", msg.To)
	return nil
}

// ConsumeMailRequests delivers queued send requests to the handler. The
// handler should invoke the concrete transport; a handler error nacks
// the message for redelivery, success acks it.
func (c *Client) ConsumeMailRequests(handler func(msg mail.Message) error) error {
	if c.channel == nil {
		return fmt.Errorf("RabbitMQ channel is not available for consumption")
	}

	msgs, err := c.channel.Consume(
		queueName,
		"",    // consumer tag
		false, // auto-ack: manual so failed sends are redelivered
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for d := range msgs {
			var msg mail.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				log.Printf("mailqueue: dropping malformed message %d: %v", d.DeliveryTag, err)
				// Malformed payloads will never parse; do not requeue.
				if nackErr := d.Nack(false, false); nackErr != nil {
					log.Printf("mailqueue: error nacking message %d: %v", d.DeliveryTag, nackErr)
				}
				continue
			}
			if err := handler(msg); err != nil {
				log.Printf("mailqueue: send failed for %s: %v", msg.To, err)
				if nackErr := d.Nack(false, true); nackErr != nil {
					log.Printf("mailqueue: error nacking message %d: %v", d.DeliveryTag, nackErr)
				}
				continue
			}
			if ackErr := d.Ack(false); ackErr != nil {
				log.Printf("mailqueue: error acking message %d: %v", d.DeliveryTag, ackErr)
			}
		}
	}()

	return nil
}
