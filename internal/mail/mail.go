// Package mail defines the outbound mail transport consumed by the auth
// service. The actual SMTP integration lives behind the Transport
// interface; this package supplies a logging transport for development,
// a timeout wrapper, and a queue-backed transport for async dispatch.
package mail

import (
	"fmt"
	"log"
	"time"
)

// Transport sends a single email. Implementations must be safe for
// concurrent use. Failures are reported as errors; the core never
// retries internally.
type Transport interface {
	Send(toAddress, subject, htmlBody string) error
}

// Message is the serialized form of a send request, used by the queue
// transport. The body may contain confirmation links, so messages are
// never logged in full.
type Message struct {
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	HTMLBody  string    `json:"html_body"`
	CreatedAt time.Time `json:"created_at"`
}

// LogTransport is a development transport that records the send without
// delivering anything.
type LogTransport struct{}

// Send logs the recipient and subject. The body is omitted because it
// embeds the confirmation token.
func (LogTransport) Send(toAddress, subject, _ string) error {
	log.Printf("mail: would send %q to %s", subject, toAddress)
	return nil
}

// Publisher hands a send request to a message queue for asynchronous
// delivery. Implemented by pkg/mailqueue.
type Publisher interface {
	PublishMailRequested(msg Message) error
}

// QueueTransport enqueues send requests instead of delivering them
// inline, so registration responses are never blocked on SMTP latency.
// A consumer drains the queue into a concrete transport.
type QueueTransport struct {
	Publisher Publisher
}

// Send enqueues the message.
func (q *QueueTransport) Send(toAddress, subject, htmlBody string) error {
	return q.Publisher.PublishMailRequested(Message{
		To:        toAddress,
		Subject:   subject,
		HTMLBody:  htmlBody,
		CreatedAt: time.Now(),
	})
}

// TimeoutTransport bounds the wrapped transport's Send with a deadline.
// A slow transport degrades to a delivery failure instead of blocking
// the caller indefinitely.
type TimeoutTransport struct {
	Inner   Transport
	Timeout time.Duration
}

// Send forwards to the inner transport and fails if it does not return
// within the configured timeout. The inner send is not cancelled; its
// late result is discarded.
func (t *TimeoutTransport) Send(toAddress, subject, htmlBody string) error {
	done := make(chan error, 1)
	go func() {
		done <- t.Inner.Send(toAddress, subject, htmlBody)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(t.Timeout):
		return fmt.Errorf("mail transport timed out after %s", t.Timeout)
	}
}
