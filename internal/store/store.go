package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/Lraviv/alert-bridge/internal/alert"
	"github.com/Lraviv/alert-bridge/internal/metrics"
)

// Record is one alert awaiting redelivery. ID is assigned on Append and tells
// apart records whose alert content is identical. Attempts counts failed retry
// cycles and is only tracked when an attempt ceiling is configured.
type Record struct {
	alert.Alert
	ID       string `json:"id,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// File is a failure store persisted as a single JSON array. Every mutation
// rewrites the whole file. All read-modify-write sequences are serialized by
// mu so concurrent appends and retry writebacks never lose records.
type File struct {
	mu         sync.Mutex
	path       string
	maxRecords int // 0 = unbounded

	// corruptSum is the hash of the last unparseable content seen, so one
	// corruption is reported once rather than on every read.
	corruptSum uint64
	corrupt    bool

	onChange atomic.Pointer[func()]
}

// New returns a File backed by path, creating the parent directory if needed.
// The file itself is created on the first write.
func New(path string, maxRecords int) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	f := &File{path: path, maxRecords: maxRecords}
	if n, err := f.Len(); err == nil {
		slog.Info("store: opened", "path", path, "pending", n)
	}
	return f, nil
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

// OnChange registers fn to run after every successful write. fn is called
// with the store lock held and must not block or call back into the store.
func (f *File) OnChange(fn func()) {
	f.onChange.Store(&fn)
}

// Append adds rec to the end of the list, assigning an ID if it has none. When
// a max_records bound is set and would be exceeded, the oldest records are
// evicted.
func (f *File) Append(rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	recs, err := f.read()
	if err != nil {
		return err
	}
	recs = append(recs, rec)

	if f.maxRecords > 0 && len(recs) > f.maxRecords {
		evicted := len(recs) - f.maxRecords
		for _, r := range recs[:evicted] {
			slog.Warn("store: evicted oldest alert",
				"alertname", r.Name(), "severity", r.Labels.Severity, "max_records", f.maxRecords)
		}
		metrics.StoreEvicted.Add(float64(evicted))
		recs = recs[evicted:]
	}

	return f.write(recs)
}

// ReadAll returns a snapshot of the stored records in append order. A missing
// or empty file yields an empty list. An unparseable file is treated as empty;
// it is logged and counted once per distinct content.
func (f *File) ReadAll() ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// ReplaceAll overwrites the store with exactly recs.
func (f *File) ReplaceAll(recs []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(recs)
}

// Update reads the current records, passes them to fn and writes back the
// result, all under the store lock. If fn returns an error nothing is written.
func (f *File) Update(fn func([]Record) ([]Record, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	recs, err := f.read()
	if err != nil {
		return err
	}
	next, err := fn(recs)
	if err != nil {
		return err
	}
	return f.write(next)
}

// Len returns the number of stored records.
func (f *File) Len() (int, error) {
	recs, err := f.ReadAll()
	return len(recs), err
}

// read must be called with mu held.
func (f *File) read() ([]Record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		metrics.FailedPending.Set(0)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %q: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		metrics.FailedPending.Set(0)
		return nil, nil
	}

	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		if sum := xxhash.Sum64(data); !f.corrupt || sum != f.corruptSum {
			f.corrupt, f.corruptSum = true, sum
			slog.Warn("store: file is corrupt, treating as empty",
				"path", f.path, "size", len(data), "err", err)
			metrics.StoreCorruptions.Inc()
		}
		metrics.FailedPending.Set(0)
		return nil, nil
	}
	f.corrupt = false
	metrics.FailedPending.Set(float64(len(recs)))
	return recs, nil
}

// write replaces the file atomically: the JSON goes to a temp file in the same
// directory which is then renamed over the target. Must be called with mu held.
func (f *File) write(recs []Record) error {
	if recs == nil {
		recs = []Record{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	if err := writeAtomic(f.path, data); err != nil {
		metrics.StoreWriteErrors.Inc()
		return fmt.Errorf("store: write %q: %w", f.path, err)
	}
	f.corrupt = false
	metrics.FailedPending.Set(float64(len(recs)))
	if fn := f.onChange.Load(); fn != nil {
		(*fn)()
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return err
	}
	return nil
}
