package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// previewLen is the number of body bytes included in publish log records.
const previewLen = 100

var (
	// ErrNotConnected is returned by Publish when Connect never completed or the
	// session has since closed.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrPublishTimeout is returned by Publish when the broker did not accept the
	// message within the requested timeout.
	ErrPublishTimeout = errors.New("broker: publish timed out")

	// ErrNacked is returned when the broker explicitly refused the message.
	ErrNacked = errors.New("broker: message nacked")
)

// Publisher is the capability the delivery pipeline needs from a broker client.
type Publisher interface {
	// Connect establishes the session. It is called once at startup; a failure
	// is returned as *ConnectionError and is fatal.
	Connect(ctx context.Context) error

	// Publish sends body tagged with routingKey. It fails with ErrPublishTimeout
	// when timeout elapses and with ErrNotConnected without a live session.
	Publish(ctx context.Context, body []byte, routingKey string, timeout time.Duration) error

	// Close releases the session. Safe to call when never connected.
	Close() error
}

// ConnectionError reports that the broker session could not be established.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker: connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connected reports whether p currently holds a live session. Publishers that
// do not expose their state are assumed connected.
func Connected(p Publisher) bool {
	if c, ok := p.(interface{ Connected() bool }); ok {
		return c.Connected()
	}
	return true
}

// Preview returns at most the first 100 bytes of body for logging.
func Preview(body []byte) string {
	if len(body) <= previewLen {
		return string(body)
	}
	return string(body[:previewLen]) + "..."
}
