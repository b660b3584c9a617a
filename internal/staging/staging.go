// Package staging persists per-job outcomes in a local directory so a
// harvest can be resumed and its failures retried pass after pass.
//
// A successful job leaves <key>.csv, a failed job leaves <key>.failed
// holding a JSON Record. Writing either file removes the other.
package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/wikidata-harvest/pkg/logging"
	"github.com/Sternrassler/wikidata-harvest/pkg/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const (
	resultExt = ".csv"
	failedExt = ".failed"
)

var stagedFailures = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "harvest_staged_failures",
	Help: "Number of failure records currently staged",
})

var (
	// ErrNotFound is returned when no file is staged under a key.
	ErrNotFound = errors.New("staged file not found")

	// ErrInvalidKey is returned for keys that are not safe file names.
	ErrInvalidKey = errors.New("invalid staging key")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Record describes a failed job so it can be retried later.
type Record struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Status counts the staged files.
type Status struct {
	Path      string `json:"path"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Dir is a staging directory.
type Dir struct {
	path   string
	logger zerolog.Logger
}

// Open creates the directory if needed and returns a handle to it.
func Open(path string) (*Dir, error) {
	if path == "" {
		return nil, fmt.Errorf("staging path is required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Dir{
		path:   path,
		logger: logging.NewLogger("staging"),
	}, nil
}

// OpenExisting returns a handle to an existing directory without creating
// it. A missing directory yields an error matching os.ErrNotExist.
func OpenExisting(path string) (*Dir, error) {
	if path == "" {
		return nil, fmt.Errorf("staging path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open staging dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open staging dir: %s is not a directory", path)
	}
	return &Dir{
		path:   path,
		logger: logging.NewLogger("staging"),
	}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) file(key, ext string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(d.path, key+ext), nil
}

// WriteResult stages a successful job as <key>.csv and clears any
// failure record for the key.
func (d *Dir) WriteResult(key string, t *table.Table) error {
	path, err := d.file(key, resultExt)
	if err != nil {
		return err
	}

	err = writeAtomic(path, func(f *os.File) error {
		return t.WriteCSV(f)
	})
	if err != nil {
		return fmt.Errorf("stage result %s: %w", key, err)
	}

	if err := d.removeFile(key, failedExt); err != nil {
		return err
	}

	d.logger.Debug().Str("key", key).Int("rows", t.Len()).Msg("Staged result")
	return nil
}

// MarkFailed stages a failure record. Attempts accumulate across calls
// for the same key; a successful result for the key is removed.
func (d *Dir) MarkFailed(rec Record) error {
	path, err := d.file(rec.Key, failedExt)
	if err != nil {
		return err
	}

	if prev, err := d.readRecord(path); err == nil {
		rec.Attempts += prev.Attempts
	}
	if rec.Attempts < 1 {
		rec.Attempts = 1
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", err)
	}

	err = writeAtomic(path, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("stage failure %s: %w", rec.Key, err)
	}

	if err := d.removeFile(rec.Key, resultExt); err != nil {
		return err
	}

	d.logger.Debug().Str("key", rec.Key).Int("attempt", rec.Attempts).Msg("Staged failure")
	return nil
}

// Record loads the failure record staged under key.
func (d *Dir) Record(key string) (Record, error) {
	path, err := d.file(key, failedExt)
	if err != nil {
		return Record{}, err
	}
	return d.readRecord(path)
}

func (d *Dir) readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if rec.Key == "" {
		rec.Key = strings.TrimSuffix(filepath.Base(path), failedExt)
	}
	return rec, nil
}

// Failed loads every staged failure record, sorted by key. Unreadable
// records are reported in the combined error; readable ones are still
// returned.
func (d *Dir) Failed() ([]Record, error) {
	paths, err := d.glob(failedExt)
	if err != nil {
		return nil, err
	}

	var errs error
	records := make([]Record, 0, len(paths))
	for _, p := range paths {
		rec, err := d.readRecord(p)
		if err != nil {
			d.logger.Error().Err(err).Str("file", filepath.Base(p)).Msg("Unreadable failure record")
			errs = multierr.Append(errs, err)
			continue
		}
		records = append(records, rec)
	}

	stagedFailures.Set(float64(len(paths)))
	return records, errs
}

// Results concatenates every staged result in key order.
func (d *Dir) Results() (*table.Table, error) {
	paths, err := d.glob(resultExt)
	if err != nil {
		return nil, err
	}

	parts := make([]*table.Table, 0, len(paths))
	for _, p := range paths {
		t, err := readTable(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(p), err)
		}
		parts = append(parts, t)
	}

	return table.Concat(parts...), nil
}

// Status counts staged results and failures.
func (d *Dir) Status() (Status, error) {
	if _, err := os.Stat(d.path); err != nil {
		return Status{}, fmt.Errorf("stat staging dir: %w", err)
	}
	results, err := d.glob(resultExt)
	if err != nil {
		return Status{}, err
	}
	failed, err := d.glob(failedExt)
	if err != nil {
		return Status{}, err
	}
	return Status{Path: d.path, Succeeded: len(results), Failed: len(failed)}, nil
}

// Reset removes every staged file. Other files in the directory are kept.
func (d *Dir) Reset() error {
	var errs error
	for _, ext := range []string{resultExt, failedExt} {
		paths, err := d.glob(ext)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = multierr.Append(errs, err)
			}
		}
	}

	stagedFailures.Set(0)
	if errs != nil {
		return fmt.Errorf("reset staging dir: %w", errs)
	}
	d.logger.Info().Str("path", d.path).Msg("Staging dir reset")
	return nil
}

func (d *Dir) removeFile(key, ext string) error {
	path, err := d.file(key, ext)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// glob lists staged files with ext, sorted by name.
func (d *Dir) glob(ext string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(d.path, "*"+ext))
	if err != nil {
		return nil, fmt.Errorf("list staging dir: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func readTable(path string) (*table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return table.ReadCSV(f)
}

// writeAtomic writes through a temp file in the same directory and renames
// it into place, so readers never see a partial file.
func writeAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".stage-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
