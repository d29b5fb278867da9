package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Lraviv/alert-bridge/internal/alert"
	"github.com/Lraviv/alert-bridge/internal/metrics"
)

func rec(name, severity string) Record {
	return Record{Alert: alert.Alert{
		Status:      "firing",
		Labels:      alert.Labels{Alertname: name, Severity: severity},
		Annotations: map[string]string{"summary": name},
	}}
}

func newFile(t *testing.T, maxRecords int) *File {
	t.Helper()
	f, err := New(filepath.Join(t.TempDir(), "failed_alerts", "failed_alerts.json"), maxRecords)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func names(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Labels.Alertname
	}
	return out
}

func TestNew_CreatesParentDir(t *testing.T) {
	f := newFile(t, 0)
	if _, err := os.Stat(filepath.Dir(f.Path())); err != nil {
		t.Fatalf("parent dir: %v", err)
	}
}

func TestReadAll_MissingFile(t *testing.T) {
	f := newFile(t, 0)
	recs, err := f.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records, want 0", len(recs))
	}
}

func TestAppendAndReadAll_PreservesOrder(t *testing.T) {
	f := newFile(t, 0)
	for _, n := range []string{"A", "B", "C"} {
		if err := f.Append(rec(n, "warning")); err != nil {
			t.Fatalf("Append %s: %v", n, err)
		}
	}

	recs, err := f.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got := strings.Join(names(recs), ","); got != "A,B,C" {
		t.Errorf("order: got %s, want A,B,C", got)
	}
	if recs[0].Annotations["summary"] != "A" {
		t.Errorf("annotations lost: %+v", recs[0].Annotations)
	}
}

func TestWrite_PrettyJSONArray(t *testing.T) {
	f := newFile(t, 0)
	if err := f.Append(rec("A", "info")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(f.Path())
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.HasPrefix(string(data), "[\n  {\n    \"status\": \"firing\"") {
		t.Errorf("file is not a 2-space indented array:\n%s", data)
	}
	if strings.Contains(string(data), "attempts") {
		t.Errorf("zero attempts should be omitted:\n%s", data)
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("file is not a JSON array: %v", err)
	}
}

func TestReadAll_CorruptFileIsEmpty(t *testing.T) {
	f := newFile(t, 0)
	if err := os.WriteFile(f.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	before := testutil.ToFloat64(metrics.StoreCorruptions)
	recs, err := f.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records, want 0", len(recs))
	}
	if got := testutil.ToFloat64(metrics.StoreCorruptions) - before; got != 1 {
		t.Errorf("corruption counter delta: got %v, want 1", got)
	}

	// The next append starts a fresh list.
	if err := f.Append(rec("A", "critical")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n, _ := f.Len(); n != 1 {
		t.Errorf("Len after append: got %d, want 1", n)
	}
}

func TestReadAll_CorruptionCountedOncePerContent(t *testing.T) {
	f := newFile(t, 0)
	if err := os.WriteFile(f.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	before := testutil.ToFloat64(metrics.StoreCorruptions)
	for i := 0; i < 3; i++ {
		if _, err := f.ReadAll(); err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
	}
	if got := testutil.ToFloat64(metrics.StoreCorruptions) - before; got != 1 {
		t.Errorf("corruption counter after repeated reads: got %v, want 1", got)
	}

	if err := os.WriteFile(f.Path(), []byte("[{broken"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	f.ReadAll() //nolint:errcheck
	if got := testutil.ToFloat64(metrics.StoreCorruptions) - before; got != 2 {
		t.Errorf("corruption counter after new content: got %v, want 2", got)
	}
}

func TestAppend_AssignsID(t *testing.T) {
	f := newFile(t, 0)
	a, b := rec("A", "info"), rec("A", "info")
	b.ID = "fixed"
	if err := f.Append(a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := f.Append(a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := f.Append(b); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recs, _ := f.ReadAll()
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].ID == "" || recs[1].ID == "" {
		t.Fatalf("IDs not assigned: %q, %q", recs[0].ID, recs[1].ID)
	}
	if recs[0].ID == recs[1].ID {
		t.Errorf("identical alerts share ID %q", recs[0].ID)
	}
	if recs[2].ID != "fixed" {
		t.Errorf("existing ID: got %q, want fixed", recs[2].ID)
	}
}

func TestOnChange_CalledAfterWrites(t *testing.T) {
	f := newFile(t, 0)
	var calls int
	f.OnChange(func() { calls++ })

	if err := f.Append(rec("A", "info")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := f.Update(func(r []Record) ([]Record, error) { return r[:0], nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := f.ReadAll(); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	abort := errors.New("abort")
	if err := f.Update(func([]Record) ([]Record, error) { return nil, abort }); !errors.Is(err, abort) {
		t.Fatalf("Update: got %v, want abort", err)
	}

	if calls != 2 {
		t.Errorf("OnChange calls: got %d, want 2", calls)
	}
}

func TestReadAll_WhitespaceFileIsEmpty(t *testing.T) {
	f := newFile(t, 0)
	if err := os.WriteFile(f.Path(), []byte("\n  \n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	recs, err := f.ReadAll()
	if err != nil || len(recs) != 0 {
		t.Errorf("got %d records, err %v; want empty", len(recs), err)
	}
}

func TestReplaceAll(t *testing.T) {
	f := newFile(t, 0)
	f.Append(rec("A", "info")) //nolint:errcheck
	f.Append(rec("B", "info")) //nolint:errcheck

	if err := f.ReplaceAll([]Record{rec("C", "warning")}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	recs, _ := f.ReadAll()
	if got := strings.Join(names(recs), ","); got != "C" {
		t.Errorf("got %s, want C", got)
	}

	if err := f.ReplaceAll(nil); err != nil {
		t.Fatalf("ReplaceAll(nil): %v", err)
	}
	data, _ := os.ReadFile(f.Path())
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("empty store file: got %q, want []", data)
	}
}

func TestUpdate(t *testing.T) {
	f := newFile(t, 0)
	f.Append(rec("A", "info")) //nolint:errcheck
	f.Append(rec("B", "info")) //nolint:errcheck

	err := f.Update(func(recs []Record) ([]Record, error) {
		return recs[1:], nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	recs, _ := f.ReadAll()
	if got := strings.Join(names(recs), ","); got != "B" {
		t.Errorf("got %s, want B", got)
	}
}

func TestUpdate_ErrorLeavesFileUnchanged(t *testing.T) {
	f := newFile(t, 0)
	f.Append(rec("A", "info")) //nolint:errcheck

	boom := errors.New("boom")
	err := f.Update(func([]Record) ([]Record, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if n, _ := f.Len(); n != 1 {
		t.Errorf("Len: got %d, want 1", n)
	}
}

func TestAppend_MaxRecordsEvictsOldest(t *testing.T) {
	f := newFile(t, 2)
	before := testutil.ToFloat64(metrics.StoreEvicted)

	for _, n := range []string{"A", "B", "C", "D"} {
		if err := f.Append(rec(n, "info")); err != nil {
			t.Fatalf("Append %s: %v", n, err)
		}
	}

	recs, _ := f.ReadAll()
	if got := strings.Join(names(recs), ","); got != "C,D" {
		t.Errorf("got %s, want C,D", got)
	}
	if got := testutil.ToFloat64(metrics.StoreEvicted) - before; got != 2 {
		t.Errorf("evicted delta: got %v, want 2", got)
	}
}

func TestAppend_Concurrent(t *testing.T) {
	f := newFile(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Append(rec("X", "warning")); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	if n, _ := f.Len(); n != 20 {
		t.Errorf("Len: got %d, want 20", n)
	}
}

func TestRecord_AttemptsRoundTrip(t *testing.T) {
	f := newFile(t, 0)
	r := rec("A", "critical")
	r.Attempts = 3
	f.Append(r) //nolint:errcheck

	recs, _ := f.ReadAll()
	if len(recs) != 1 || recs[0].Attempts != 3 {
		t.Errorf("attempts not persisted: %+v", recs)
	}
}
