package retry

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lraviv/alert-bridge/internal/alert"
	"github.com/Lraviv/alert-bridge/internal/broker"
	"github.com/Lraviv/alert-bridge/internal/metrics"
	"github.com/Lraviv/alert-bridge/internal/store"
)

// Cycle results recorded in the retry_cycles_total metric.
const (
	resultEmpty   = "empty"
	resultOK      = "ok"
	resultPartial = "partial"
	resultError   = "error"
)

// Store is the part of the failure store the retry loop needs.
type Store interface {
	ReadAll() ([]store.Record, error)
	Update(fn func([]store.Record) ([]store.Record, error)) error
}

// Options configures a Loop.
type Options struct {
	Store     Store
	Publisher broker.Publisher

	// InitialDelay is the grace period before the first cycle.
	InitialDelay time.Duration
	// Interval is the sleep between cycles.
	Interval time.Duration
	// PublishTimeout bounds each publish.
	PublishTimeout time.Duration
	// MaxAttempts drops a record after this many failed cycles. Zero retries forever.
	MaxAttempts int
}

// CycleResult summarizes one retry cycle.
type CycleResult struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration_ns"`
	Attempted int           `json:"attempted"`
	Published int           `json:"published"`
	Exhausted int           `json:"exhausted"`
	Discarded int           `json:"discarded"`
	Remaining int           `json:"remaining"`
}

// Loop periodically re-publishes stored alerts. One goroutine runs the loop;
// Trigger requests an immediate cycle.
type Loop struct {
	store        Store
	pub          broker.Publisher
	initialDelay time.Duration

	interval       atomic.Int64 // time.Duration
	publishTimeout atomic.Int64 // time.Duration
	maxAttempts    atomic.Int64

	trigger  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	mu      sync.Mutex
	last    *CycleResult
	onCycle func(CycleResult)
	now     func() time.Time // injectable for deterministic tests
}

// New creates a Loop from opts. Call Start to run it.
func New(opts Options) *Loop {
	l := &Loop{
		store:        opts.Store,
		pub:          opts.Publisher,
		initialDelay: opts.InitialDelay,
		trigger:      make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		now:          time.Now,
	}
	l.SetInterval(opts.Interval)
	l.SetPublishTimeout(opts.PublishTimeout)
	l.SetMaxAttempts(opts.MaxAttempts)
	return l
}

// SetInterval changes the sleep between cycles; it applies from the next sleep.
func (l *Loop) SetInterval(d time.Duration) { l.interval.Store(int64(d)) }

// SetPublishTimeout changes the per-alert publish timeout.
func (l *Loop) SetPublishTimeout(d time.Duration) { l.publishTimeout.Store(int64(d)) }

// SetMaxAttempts changes the attempt ceiling. Zero disables it.
func (l *Loop) SetMaxAttempts(n int) { l.maxAttempts.Store(int64(n)) }

// OnCycle registers fn to run after every completed cycle, including cycles
// that found the store empty. fn runs on the loop goroutine and must not block.
func (l *Loop) OnCycle(fn func(CycleResult)) {
	l.mu.Lock()
	l.onCycle = fn
	l.mu.Unlock()
}

// Start launches the loop goroutine. Subsequent calls are no-ops.
func (l *Loop) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.run(ctx)
}

// Stop signals the loop and waits for it to exit. A cycle in progress finishes
// the publish it is on and writes back its results. Safe to call more than
// once and before Start.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	if l.started.Load() {
		<-l.done
	}
}

// Trigger requests an immediate cycle. It never blocks; a request made while
// one is already pending is merged into it.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// LastCycle returns the result of the most recent cycle, if one has run.
func (l *Loop) LastCycle() (CycleResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return CycleResult{}, false
	}
	return *l.last, true
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	slog.Info("retry: loop started",
		"initial_delay", l.initialDelay, "interval", time.Duration(l.interval.Load()))

	if !l.wait(ctx, l.initialDelay) {
		slog.Info("retry: loop stopped")
		return
	}
	for {
		if _, err := l.RunCycle(ctx); err != nil {
			slog.Error("retry: cycle failed", "err", err)
		}
		if !l.wait(ctx, time.Duration(l.interval.Load())) {
			slog.Info("retry: loop stopped")
			return
		}
	}
}

// wait sleeps for d or until a trigger. It returns false when the loop should exit.
func (l *Loop) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.stop:
		return false
	case <-ctx.Done():
		return false
	case <-l.trigger:
		return true
	case <-t.C:
		return true
	}
}

func (l *Loop) stopping(ctx context.Context) bool {
	select {
	case <-l.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// RunCycle attempts every stored record once, in order. Published records and
// records that hit the attempt ceiling are removed; failures stay. The store
// is only rewritten when something changed, and records appended while the
// cycle ran are preserved. Publishes are not cancelled by ctx; each runs to
// its own timeout, and records not yet attempted when ctx is done or Stop is
// called are kept unchanged.
func (l *Loop) RunCycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Started: l.now()}

	snapshot, err := l.store.ReadAll()
	if err != nil {
		metrics.RetryCycles.WithLabelValues(resultError).Inc()
		return res, err
	}
	if len(snapshot) == 0 {
		metrics.RetryCycles.WithLabelValues(resultEmpty).Inc()
		l.record(res)
		return res, nil
	}

	slog.Info("retry: cycle started", "pending", len(snapshot))

	maxAttempts := int(l.maxAttempts.Load())
	timeout := time.Duration(l.publishTimeout.Load())
	pubCtx := context.WithoutCancel(ctx)

	// outcome[i] is the record to keep for snapshot[i], or nil to drop it.
	outcome := make([]*store.Record, len(snapshot))
	changed := false

	for i := range snapshot {
		rec := snapshot[i]
		if l.stopping(ctx) {
			for j := i; j < len(snapshot); j++ {
				r := snapshot[j]
				outcome[j] = &r
			}
			slog.Info("retry: stop requested, keeping unattempted alerts", "count", len(snapshot)-i)
			break
		}

		a, err := alert.Validate(rec.Alert)
		if err != nil {
			slog.Error("retry: dropping stored alert that no longer validates",
				"alertname", rec.Name(), "severity", rec.Labels.Severity, "err", err)
			metrics.RetryDiscarded.Inc()
			res.Discarded++
			changed = true
			continue
		}
		body, err := a.Marshal()
		if err != nil {
			outcome[i] = &rec
			continue
		}

		res.Attempted++
		err = l.pub.Publish(pubCtx, body, a.RoutingKey(), timeout)
		if err == nil {
			metrics.AlertsPublished.WithLabelValues(a.Labels.Severity, metrics.PathRetry).Inc()
			res.Published++
			changed = true
			continue
		}

		metrics.PublishFailures.WithLabelValues(metrics.PathRetry).Inc()
		if maxAttempts > 0 {
			rec.Attempts++
			changed = true
			if rec.Attempts >= maxAttempts {
				slog.Error("retry: giving up on alert",
					"alertname", a.Name(), "severity", a.Labels.Severity,
					"fingerprint", a.Fingerprint(), "attempts", rec.Attempts, "err", err)
				metrics.RetryExhausted.Inc()
				res.Exhausted++
				continue
			}
		}
		slog.Warn("retry: publish failed, keeping alert",
			"alertname", a.Name(), "severity", a.Labels.Severity, "err", err)
		outcome[i] = &rec
	}

	if changed {
		err = l.store.Update(func(cur []store.Record) ([]store.Record, error) {
			next := writeback(snapshot, outcome, cur)
			res.Remaining = len(next)
			return next, nil
		})
		if err != nil {
			metrics.RetryCycles.WithLabelValues(resultError).Inc()
			return res, err
		}
	} else {
		res.Remaining = len(snapshot)
	}

	res.Duration = l.now().Sub(res.Started)
	if res.Published == res.Attempted && res.Exhausted == 0 {
		metrics.RetryCycles.WithLabelValues(resultOK).Inc()
	} else {
		metrics.RetryCycles.WithLabelValues(resultPartial).Inc()
	}
	slog.Info("retry: cycle complete",
		"attempted", res.Attempted, "published", res.Published,
		"exhausted", res.Exhausted, "discarded", res.Discarded, "remaining", res.Remaining)

	l.record(res)
	return res, nil
}

func (l *Loop) record(res CycleResult) {
	l.mu.Lock()
	l.last = &res
	fn := l.onCycle
	l.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}

// writeback merges a cycle's outcome into the current store contents. cur is
// expected to be snapshot[k:] followed by records appended during the cycle,
// where k > 0 only if older records were evicted or purged meanwhile. Records
// of snapshot[:k] are gone from the store and stay gone. Records are matched
// by ID, so a re-sent copy of a snapshot alert counts as a new record.
func writeback(snapshot []store.Record, outcome []*store.Record, cur []store.Record) []store.Record {
	k := 0
	for ; k < len(snapshot); k++ {
		if hasPrefix(cur, snapshot[k:]) {
			break
		}
	}
	tail := cur[len(snapshot)-k:]

	next := make([]store.Record, 0, len(snapshot)-k+len(tail))
	for i := k; i < len(snapshot); i++ {
		if outcome[i] != nil {
			next = append(next, *outcome[i])
		}
	}
	return append(next, tail...)
}

func hasPrefix(recs, prefix []store.Record) bool {
	if len(prefix) > len(recs) {
		return false
	}
	for i := range prefix {
		if !sameRecord(recs[i], prefix[i]) {
			return false
		}
	}
	return true
}

// sameRecord compares by ID. Records written before IDs existed have none and
// fall back to comparing content.
func sameRecord(a, b store.Record) bool {
	if a.ID != "" || b.ID != "" {
		return a.ID == b.ID
	}
	return reflect.DeepEqual(a, b)
}
