package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Lraviv/alert-bridge/internal/config"
)

const (
	dialTimeout           = 10 * time.Second
	heartbeat             = 10 * time.Second
	defaultPublishTimeout = 10 * time.Second
)

// RabbitMQ publishes alerts to a durable topic exchange. After Connect it
// supervises the connection and reconnects with exponential backoff when the
// broker goes away; Publish returns ErrNotConnected until the session is back.
type RabbitMQ struct {
	cfg    config.BrokerConfig
	dialFn dialFunc // injectable for tests

	mu      sync.RWMutex
	sess    session
	closing chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// session is one live connection+channel pair.
type session interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	// done yields the close reason (nil on a graceful close) and is then closed.
	done() <-chan error
	close() error
}

// confirmation is a pending publisher confirm.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// dialFunc opens a session against the configured broker.
// Abstracted so tests can inject an in-memory session.
type dialFunc func(cfg config.BrokerConfig) (session, error)

// NewRabbitMQ creates an unconnected RabbitMQ publisher for cfg.
func NewRabbitMQ(cfg config.BrokerConfig) *RabbitMQ {
	return &RabbitMQ{
		cfg:     cfg,
		dialFn:  defaultDial,
		closing: make(chan struct{}),
	}
}

// Connect dials the broker, opens a confirm-mode channel and declares the
// exchange. It must be called exactly once before Publish.
func (r *RabbitMQ) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Addr: r.cfg.Addr(), Err: err}
	}

	sess, err := r.dialFn(r.cfg)
	if err != nil {
		return &ConnectionError{Addr: r.cfg.Addr(), Err: err}
	}
	if !r.install(sess) {
		sess.close() //nolint:errcheck
		return &ConnectionError{Addr: r.cfg.Addr(), Err: errors.New("publisher closed")}
	}

	slog.Info("broker: connected", "addr", r.cfg.Addr(), "exchange", r.cfg.Exchange)

	r.wg.Add(1)
	go r.supervise(sess)
	return nil
}

// Publish sends body to the exchange with routingKey as a persistent message
// and waits for the broker confirm.
func (r *RabbitMQ) Publish(ctx context.Context, body []byte, routingKey string, timeout time.Duration) error {
	r.mu.RLock()
	sess := r.sess
	r.mu.RUnlock()

	if sess == nil {
		slog.Warn("broker: publish rejected, not connected",
			"routing_key", routingKey, "preview", Preview(body))
		return ErrNotConnected
	}

	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := r.publish(pubCtx, sess, routingKey, msg); err != nil {
		err = classify(ctx, pubCtx, err, timeout)
		slog.Error("broker: publish failed",
			"routing_key", routingKey, "preview", Preview(body), "err", err)
		return err
	}

	slog.Info("broker: published", "routing_key", routingKey, "preview", Preview(body))
	return nil
}

// Close stops reconnection attempts and closes the live session, if any.
func (r *RabbitMQ) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.closing)
		sess := r.sess
		r.sess = nil
		r.mu.Unlock()

		if sess != nil {
			err = sess.close()
			slog.Info("broker: connection closed", "addr", r.cfg.Addr())
		}
	})
	r.wg.Wait()
	return err
}

// Connected reports whether a live session is installed.
func (r *RabbitMQ) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sess != nil
}

func (r *RabbitMQ) publish(ctx context.Context, sess session, key string, msg amqp.Publishing) error {
	conf, err := sess.publish(ctx, r.cfg.Exchange, key, msg)
	if err != nil {
		return err
	}
	if conf == nil {
		return nil
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

// install makes sess the live session unless Close has been called.
func (r *RabbitMQ) install(sess session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.closing:
		return false
	default:
	}
	r.sess = sess
	return true
}

// supervise waits for the live session to drop and redials with backoff until
// a new session is installed. It returns when Close is called.
func (r *RabbitMQ) supervise(sess session) {
	defer r.wg.Done()
	bo := newBackoff(r.cfg.ReconnectInterval)

	for {
		select {
		case <-r.closing:
			return
		case reason := <-sess.done():
			r.mu.Lock()
			if r.sess == sess {
				r.sess = nil
			}
			r.mu.Unlock()

			select {
			case <-r.closing:
				return
			default:
			}
			slog.Warn("broker: connection lost, will reconnect",
				"addr", r.cfg.Addr(), "err", reason)
		}

		for {
			wait := bo.next()
			select {
			case <-r.closing:
				return
			case <-time.After(wait):
			}

			next, err := r.dialFn(r.cfg)
			if err != nil {
				slog.Error("broker: reconnect failed, will retry",
					"addr", r.cfg.Addr(), "err", err)
				continue
			}
			if !r.install(next) {
				next.close() //nolint:errcheck
				return
			}

			slog.Info("broker: reconnected", "addr", r.cfg.Addr())
			bo.reset()
			sess = next
			break
		}
	}
}

// classify maps a raw publish error onto the package's error values.
func classify(parent, pubCtx context.Context, err error, timeout time.Duration) error {
	switch {
	case errors.Is(err, ErrNacked):
		return err
	case errors.Is(err, amqp.ErrClosed):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case errors.Is(pubCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return fmt.Errorf("%w after %s", ErrPublishTimeout, timeout)
	default:
		return fmt.Errorf("broker: publish: %w", err)
	}
}

// amqpSession is the production session backed by amqp091-go.
type amqpSession struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan error
}

// defaultDial opens a connection, a confirm-mode channel and declares the
// durable topic exchange.
func defaultDial(cfg config.BrokerConfig) (session, error) {
	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(dialTimeout),
		Properties: amqp.Table{"connection_name": "alert-bridge"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}

	s := &amqpSession{conn: conn, ch: ch, closed: make(chan error, 1)}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var reason *amqp.Error
		select {
		case reason = <-connClosed:
		case reason = <-chClosed:
		}
		if reason != nil {
			s.closed <- reason
		}
		close(s.closed)
	}()
	return s, nil
}

func (s *amqpSession) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, nil
	}
	return dc, nil
}

func (s *amqpSession) done() <-chan error { return s.closed }

func (s *amqpSession) close() error {
	chErr := s.ch.Close()
	if errors.Is(chErr, amqp.ErrClosed) {
		chErr = nil
	}
	connErr := s.conn.Close()
	if errors.Is(connErr, amqp.ErrClosed) {
		connErr = nil
	}
	return errors.Join(chErr, connErr)
}
