package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Lraviv/alert-bridge/internal/alert"
	"github.com/Lraviv/alert-bridge/internal/broker"
	"github.com/Lraviv/alert-bridge/internal/metrics"
	"github.com/Lraviv/alert-bridge/internal/store"
)

// Outcome is the terminal state of one accepted alert.
type Outcome int

const (
	// OutcomeLost means the alert was neither published nor stored.
	OutcomeLost Outcome = iota
	// OutcomePublished means the broker confirmed the alert.
	OutcomePublished
	// OutcomeStored means publishing failed and the alert is queued for retry.
	OutcomeStored
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeStored:
		return "stored"
	default:
		return "lost"
	}
}

// Summary reports how a batch was handled. Received counts every alert in the
// batch; Published counts those the broker confirmed.
type Summary struct {
	Received  int
	Published int
	Stored    int
}

// Appender is the part of the failure store the pipeline writes to.
type Appender interface {
	Append(rec store.Record) error
}

// Pipeline turns validated alerts into broker messages, falling back to the
// failure store when a publish fails. It never retries synchronously.
type Pipeline struct {
	pub     broker.Publisher
	store   Appender
	timeout atomic.Int64 // time.Duration
}

// New creates a Pipeline publishing through pub with the given per-alert
// timeout and storing failures in st.
func New(pub broker.Publisher, st Appender, timeout time.Duration) *Pipeline {
	p := &Pipeline{pub: pub, store: st}
	p.SetPublishTimeout(timeout)
	return p
}

// SetPublishTimeout changes the per-alert publish timeout. Safe to call while
// requests are in flight.
func (p *Pipeline) SetPublishTimeout(d time.Duration) {
	p.timeout.Store(int64(d))
}

// PublishTimeout returns the current per-alert publish timeout.
func (p *Pipeline) PublishTimeout() time.Duration {
	return time.Duration(p.timeout.Load())
}

// Submit validates a and delivers it. A validation error is returned as is and
// nothing is published. A publish failure stores the alert and returns
// OutcomeStored with a nil error. Only a failed store append returns an error
// for a valid alert.
func (p *Pipeline) Submit(ctx context.Context, a alert.Alert) (Outcome, error) {
	norm, err := alert.Validate(a)
	if err != nil {
		metrics.AlertsRejected.Inc()
		return OutcomeLost, err
	}
	metrics.AlertsReceived.WithLabelValues(norm.Labels.Severity).Inc()
	return p.deliver(ctx, norm, slog.Default())
}

// SubmitBatch validates the whole batch before publishing anything; one
// invalid alert rejects the batch. Every valid alert is then submitted in
// order without aborting early. The returned error joins any store failures
// and is returned alongside a complete Summary.
func (p *Pipeline) SubmitBatch(ctx context.Context, b alert.Batch) (Summary, error) {
	norm, err := alert.ValidateBatch(b)
	if err != nil {
		metrics.AlertsRejected.Inc()
		return Summary{}, err
	}

	log := slog.With("batch_id", uuid.NewString())
	log.Info("pipeline: batch received", "alerts", len(norm))

	sum := Summary{Received: len(norm)}
	var errs []error
	for _, a := range norm {
		metrics.AlertsReceived.WithLabelValues(a.Labels.Severity).Inc()
		outcome, err := p.deliver(ctx, a, log)
		switch outcome {
		case OutcomePublished:
			sum.Published++
		case OutcomeStored:
			sum.Stored++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	log.Info("pipeline: batch done",
		"received", sum.Received, "published", sum.Published, "stored", sum.Stored)
	return sum, errors.Join(errs...)
}

func (p *Pipeline) deliver(ctx context.Context, a alert.Alert, log *slog.Logger) (Outcome, error) {
	log = log.With("alertname", a.Name(), "severity", a.Labels.Severity, "fingerprint", a.Fingerprint())

	body, err := a.Marshal()
	if err != nil {
		return OutcomeLost, fmt.Errorf("pipeline: encode alert %q: %w", a.Name(), err)
	}

	start := time.Now()
	err = p.pub.Publish(ctx, body, a.RoutingKey(), p.PublishTimeout())
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.AlertsPublished.WithLabelValues(a.Labels.Severity, metrics.PathDirect).Inc()
		log.Debug("pipeline: alert published")
		return OutcomePublished, nil
	}

	metrics.PublishFailures.WithLabelValues(metrics.PathDirect).Inc()
	log.Warn("pipeline: publish failed, storing for retry", "err", err)

	if serr := p.store.Append(store.Record{Alert: a}); serr != nil {
		log.Error("pipeline: alert lost, store append failed", "err", serr)
		return OutcomeLost, fmt.Errorf("pipeline: store alert %q: %w", a.Name(), serr)
	}
	metrics.AlertsStored.WithLabelValues(a.Labels.Severity).Inc()
	return OutcomeStored, nil
}
