package retry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Lraviv/alert-bridge/internal/alert"
	"github.com/Lraviv/alert-bridge/internal/broker"
	"github.com/Lraviv/alert-bridge/internal/metrics"
	"github.com/Lraviv/alert-bridge/internal/store"
)

// countingStore wraps a store.File and counts writebacks.
type countingStore struct {
	*store.File
	updates atomic.Int32
}

func (c *countingStore) Update(fn func([]store.Record) ([]store.Record, error)) error {
	c.updates.Add(1)
	return c.File.Update(fn)
}

func rec(name, severity string) store.Record {
	return store.Record{Alert: alert.Alert{
		Status:      "firing",
		Labels:      alert.Labels{Alertname: name, Severity: severity},
		Annotations: map[string]string{},
	}}
}

func setup(t *testing.T, recs ...store.Record) (*countingStore, *broker.Mock) {
	t.Helper()
	f, err := store.New(filepath.Join(t.TempDir(), "failed_alerts.json"), 0)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, f.Append(r))
	}

	pub := broker.NewMock()
	require.NoError(t, pub.Connect(context.Background()))
	return &countingStore{File: f}, pub
}

func newLoop(st Store, pub broker.Publisher, maxAttempts int) *Loop {
	return New(Options{
		Store:          st,
		Publisher:      pub,
		InitialDelay:   time.Hour,
		Interval:       time.Hour,
		PublishTimeout: time.Second,
		MaxAttempts:    maxAttempts,
	})
}

func storedNames(t *testing.T, st Store) []string {
	t.Helper()
	recs, err := st.ReadAll()
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Labels.Alertname)
	}
	return out
}

func TestRunCycle_KeepsOnlyFailures(t *testing.T) {
	st, pub := setup(t, rec("A", "critical"), rec("B", "warning"), rec("C", "info"))
	pub.SetFailure(func(key string, _ []byte) error {
		if key == "alert.warning" {
			return broker.ErrPublishTimeout
		}
		return nil
	})

	res, err := newLoop(st, pub, 0).RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 2, res.Published)
	require.Equal(t, 1, res.Remaining)
	require.Equal(t, []string{"B"}, storedNames(t, st))

	msgs := pub.Published()
	require.Len(t, msgs, 2)
	require.Equal(t, "alert.critical", msgs[0].RoutingKey)
	require.Equal(t, "alert.info", msgs[1].RoutingKey)
}

func TestRunCycle_EmptyStoreIsNoop(t *testing.T) {
	st, pub := setup(t)

	res, err := newLoop(st, pub, 0).RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Attempted)
	require.Zero(t, pub.Attempts())
	require.Zero(t, st.updates.Load())

	_, err = os.Stat(st.Path())
	require.True(t, errors.Is(err, os.ErrNotExist), "store file should not be created")
}

func TestRunCycle_NoChangeNoWrite(t *testing.T) {
	st, pub := setup(t, rec("A", "critical"), rec("B", "info"))
	pub.SetFailure(func(string, []byte) error { return broker.ErrNotConnected })

	res, err := newLoop(st, pub, 0).RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempted)
	require.Equal(t, 2, res.Remaining)
	require.Zero(t, st.updates.Load())
	require.Equal(t, []string{"A", "B"}, storedNames(t, st))
}

func TestRunCycle_PreservesAppendDuringCycle(t *testing.T) {
	st, pub := setup(t, rec("A", "critical"), rec("B", "warning"))

	appended := false
	pub.SetFailure(func(key string, _ []byte) error {
		if !appended {
			appended = true
			require.NoError(t, st.Append(rec("New", "info")))
		}
		if key == "alert.warning" {
			return broker.ErrNacked
		}
		return nil
	})

	_, err := newLoop(st, pub, 0).RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"B", "New"}, storedNames(t, st))
}

func TestRunCycle_PurgeDuringCycleStaysPurged(t *testing.T) {
	st, pub := setup(t, rec("A", "critical"), rec("B", "warning"))
	pub.SetFailure(func(key string, _ []byte) error {
		if key == "alert.critical" {
			require.NoError(t, st.ReplaceAll(nil))
			return nil
		}
		return broker.ErrNotConnected
	})

	_, err := newLoop(st, pub, 0).RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, storedNames(t, st))
}

func TestRunCycle_ResentDuplicateSurvivesPurge(t *testing.T) {
	st, pub := setup(t, rec("A", "critical"), rec("B", "warning"))

	resent := false
	pub.SetFailure(func(key string, _ []byte) error {
		if key == "alert.critical" && !resent {
			resent = true
			require.NoError(t, st.ReplaceAll(nil))
			require.NoError(t, st.Append(rec("B", "warning")))
		}
		return nil
	})

	res, err := newLoop(st, pub, 0).RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Published)
	require.Equal(t, []string{"B"}, storedNames(t, st))
}

func TestRunCycle_AttemptCeiling(t *testing.T) {
	st, pub := setup(t, rec("A", "critical"))
	pub.SetFailure(func(string, []byte) error { return broker.ErrPublishTimeout })
	l := newLoop(st, pub, 2)
	before := testutil.ToFloat64(metrics.RetryExhausted)

	res, err := l.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Exhausted)

	recs, err := st.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 1, recs[0].Attempts)

	res, err = l.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Exhausted)
	require.Empty(t, storedNames(t, st))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RetryExhausted)-before)
}

func TestRunCycle_DropsInvalidRecords(t *testing.T) {
	bad := rec("Bad", "urgent")
	st, pub := setup(t, bad, rec("Good", "info"))
	pub.SetFailure(func(string, []byte) error { return broker.ErrNotConnected })

	res, err := newLoop(st, pub, 0).RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Discarded)
	require.Equal(t, 1, pub.Attempts())
	require.Equal(t, []string{"Good"}, storedNames(t, st))
}

func TestRunCycle_StopKeepsUnattempted(t *testing.T) {
	st, pub := setup(t, rec("A", "critical"), rec("B", "warning"), rec("C", "info"))
	l := newLoop(st, pub, 0)
	pub.SetFailure(func(string, []byte) error {
		l.Stop()
		return nil
	})

	res, err := l.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Published)
	require.Equal(t, 1, pub.Attempts())
	require.Equal(t, []string{"B", "C"}, storedNames(t, st))
}

func TestLoop_TriggerRunsCycle(t *testing.T) {
	st, pub := setup(t, rec("A", "critical"))
	l := newLoop(st, pub, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	l.Trigger()

	require.Eventually(t, func() bool {
		res, ok := l.LastCycle()
		return ok && res.Published == 1
	}, 2*time.Second, 10*time.Millisecond)

	l.Stop()
	l.Stop()
	require.Empty(t, storedNames(t, st))
}

func TestLoop_RunsAfterInitialDelay(t *testing.T) {
	st, pub := setup(t, rec("A", "critical"))
	l := New(Options{
		Store:          st,
		Publisher:      pub,
		InitialDelay:   10 * time.Millisecond,
		Interval:       time.Hour,
		PublishTimeout: time.Second,
	})

	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool {
		return len(pub.Published()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoop_StopsOnContextCancel(t *testing.T) {
	st, pub := setup(t)
	l := newLoop(st, pub, 0)

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
}

func TestLoop_StopBeforeStart(t *testing.T) {
	st, pub := setup(t)
	l := newLoop(st, pub, 0)
	l.Stop()
	_, ok := l.LastCycle()
	require.False(t, ok)
}

func TestLoop_OnCycle(t *testing.T) {
	st, pub := setup(t, rec("A", "critical"))
	l := newLoop(st, pub, 0)

	var got []CycleResult
	l.OnCycle(func(res CycleResult) { got = append(got, res) })

	_, err := l.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = l.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	require.Equal(t, 1, got[0].Published)
	require.Equal(t, 0, got[1].Attempted)
}

func TestWriteback_MatchesByID(t *testing.T) {
	a, b, resent := rec("A", "info"), rec("B", "info"), rec("B", "info")
	a.ID, b.ID, resent.ID = "1", "2", "3"
	snapshot := []store.Record{a, b}
	// Both published; meanwhile the store was purged and B re-sent.
	outcome := []*store.Record{nil, nil}
	cur := []store.Record{resent}

	got := writeback(snapshot, outcome, cur)
	require.Len(t, got, 1)
	require.Equal(t, "3", got[0].ID)
}

func TestWriteback_OldestEvicted(t *testing.T) {
	a, b, c, n := rec("A", "info"), rec("B", "info"), rec("C", "info"), rec("N", "info")
	snapshot := []store.Record{a, b, c}
	// A was published, B and C failed; meanwhile N was appended and A evicted.
	outcome := []*store.Record{nil, &b, &c}
	cur := []store.Record{b, c, n}

	got := writeback(snapshot, outcome, cur)
	require.Len(t, got, 3)
	require.Equal(t, "B", got[0].Labels.Alertname)
	require.Equal(t, "C", got[1].Labels.Alertname)
	require.Equal(t, "N", got[2].Labels.Alertname)
}
