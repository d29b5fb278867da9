// Package broker publishes alert messages to RabbitMQ.
//
// Publisher is the capability the rest of the bridge depends on: Connect once
// at startup, Publish with a per-call timeout, Close on shutdown. Two
// implementations exist:
//
//   - RabbitMQ, backed by amqp091-go. Connect dials the broker, opens a
//     confirm-mode channel and declares the durable topic exchange. Each
//     Publish sends a persistent application/json message and waits for the
//     broker confirm, so a nil error means the broker took ownership.
//     When the connection drops, a supervisor goroutine redials with truncated
//     exponential backoff (reconnect_interval up to 60s, ±25% jitter); Publish
//     fails fast with ErrNotConnected until the session is back.
//   - Mock, an in-memory recorder used by tests and the --mock flag.
//
// Errors: ErrNotConnected, ErrPublishTimeout and ErrNacked are matched with
// errors.Is; a failed Connect returns *ConnectionError.
//
// The dialFn field of RabbitMQ is injectable for testing.
package broker
