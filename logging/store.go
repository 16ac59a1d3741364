package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// Store persists records as JSONL day files, one directory per category:
//
//	<root>/agents/2026-08-24.jsonl
//	<root>/loop/2026-08-24.jsonl
//	<root>/system/2026-08-24.jsonl
//
// One file handle per category stays open for the current day and rolls
// over when the date changes.
type Store struct {
	root string

	mu    sync.Mutex
	files map[string]*dayFile
}

type dayFile struct {
	date string
	f    *os.File
}

// NewStore creates the log root if needed and returns a store.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create log root: %w", err)
	}
	return &Store{root: root, files: make(map[string]*dayFile)}, nil
}

// Append writes one record to its category's current day file.
func (s *Store) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	category := Category(rec.Source)
	date := rec.Timestamp.Format(dayLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileFor(category, date)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// fileFor returns the open handle for a category and date, rolling the
// previous day's handle over when the date moved on. Caller holds the lock.
func (s *Store) fileFor(category, date string) (*os.File, error) {
	if df, ok := s.files[category]; ok && df.date == date {
		return df.f, nil
	}
	if df, ok := s.files[category]; ok {
		df.f.Close()
		delete(s.files, category)
	}

	dir := filepath.Join(s.root, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log category dir: %w", err)
	}
	path := filepath.Join(dir, date+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open day file: %w", err)
	}
	s.files[category] = &dayFile{date: date, f: f}
	return f, nil
}

// Query filters persisted records.
type Query struct {
	Category string    // agents, loop or system; empty scans all
	Since    time.Time // inclusive lower bound; zero means unbounded
	Until    time.Time // inclusive upper bound; zero means unbounded
	Level    Level     // empty matches every level
	Source   string    // empty matches every source
	Limit    int       // 0 means no limit
}

// Query scans matching day files in date order and returns the records
// that pass the filters. Corrupt lines are skipped.
func (s *Store) Query(q Query) ([]Record, error) {
	categories := []string{"agents", "loop", "system"}
	if q.Category != "" {
		categories = []string{q.Category}
	}

	var out []Record
	for _, category := range categories {
		dir := filepath.Join(s.root, category)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan log category %s: %w", category, err)
		}

		var days []string
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".jsonl" {
				days = append(days, e.Name())
			}
		}
		sort.Strings(days)

		for _, day := range days {
			date, err := time.Parse(dayLayout, day[:len(day)-len(".jsonl")])
			if err != nil {
				continue
			}
			if !q.Since.IsZero() && date.Before(q.Since.Truncate(24*time.Hour)) {
				continue
			}
			if !q.Until.IsZero() && date.After(q.Until) {
				continue
			}
			recs, err := s.scanFile(filepath.Join(dir, day), q)
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out[:q.Limit], nil
			}
		}
	}
	return out, nil
}

func (s *Store) scanFile(path string, q Query) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open day file: %w", err)
	}
	defer f.Close()

	var recs []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if q.Level != "" && rec.Level != q.Level {
			continue
		}
		if q.Source != "" && rec.Source != q.Source {
			continue
		}
		if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && rec.Timestamp.After(q.Until) {
			continue
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan day file: %w", err)
	}
	return recs, nil
}

// Cleanup unlinks day files older than the horizon across all categories
// and returns how many files were removed.
func (s *Store) Cleanup(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, category := range []string{"agents", "loop", "system"} {
		dir := filepath.Join(s.root, category)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("scan log category %s: %w", category, err)
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
				continue
			}
			date, err := time.Parse(dayLayout, e.Name()[:len(e.Name())-len(".jsonl")])
			if err != nil {
				continue
			}
			if date.Before(cutoff.Truncate(24 * time.Hour)) {
				if df, ok := s.files[category]; ok && df.date == date.Format(dayLayout) {
					df.f.Close()
					delete(s.files, category)
				}
				if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
					return removed, fmt.Errorf("remove day file: %w", err)
				}
				removed++
			}
		}
	}
	return removed, nil
}

// Close releases every open day-file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for category, df := range s.files {
		if err := df.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, category)
	}
	return firstErr
}
