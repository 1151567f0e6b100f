// Package store persists the item backlog as JSON Lines: one compact JSON
// object per line in backlog.jsonl, append-friendly and diff-friendly, with
// a small meta.json holding the monotonic id high-water mark. Completed
// items are moved to a monthly-partitioned worklog under _worklog/.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/phase-golem/phase-golem/internal/item"
)

const (
	backlogFile = "backlog.jsonl"
	metaFile    = "meta.json"
	worklogDir  = "_worklog"
)

// Store reads and writes a directory-rooted backlog.
type Store struct {
	dir string
}

// meta is the small JSON sidecar holding the id high-water mark.
type meta struct {
	NextID int `json:"next_id"`
	Prefix string `json:"prefix"`
}

// New returns a Store rooted at dir, creating the directory (and an empty
// backlog/meta if absent) as needed.
func New(dir, idPrefix string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, worklogDir), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating worklog dir: %w", err)
	}
	s := &Store{dir: dir}
	if _, err := os.Stat(s.metaPath()); os.IsNotExist(err) {
		if err := s.writeMeta(meta{NextID: 1, Prefix: idPrefix}); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(s.backlogPath()); os.IsNotExist(err) {
		if err := writeAtomic(s.backlogPath(), nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) backlogPath() string { return filepath.Join(s.dir, backlogFile) }
func (s *Store) metaPath() string    { return filepath.Join(s.dir, metaFile) }

// List returns every item currently in the backlog, in file order.
func (s *Store) List() ([]*item.Item, error) {
	f, err := os.Open(s.backlogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: opening backlog: %w", err)
	}
	defer f.Close()

	var items []*item.Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var it item.Item
		if err := json.Unmarshal(line, &it); err != nil {
			return nil, fmt.Errorf("store: parsing backlog line: %w", err)
		}
		items = append(items, &it)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("store: scanning backlog: %w", err)
	}
	return items, nil
}

// Get returns one item by id, or nil if not found.
func (s *Store) Get(id string) (*item.Item, error) {
	items, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, nil
}

// Put inserts or replaces the item with the same id, then rewrites the
// backlog file atomically.
func (s *Store) Put(it *item.Item) error {
	items, err := s.List()
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range items {
		if existing.ID == it.ID {
			items[i] = it
			replaced = true
			break
		}
	}
	if !replaced {
		items = append(items, it)
	}
	return s.rewrite(items)
}

// Remove deletes the item with the given id and rewrites the backlog file.
// Returns the removed item, or nil if it was not present.
func (s *Store) Remove(id string) (*item.Item, error) {
	items, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed *item.Item
	out := items[:0:0]
	for _, it := range items {
		if it.ID == id {
			removed = it
			continue
		}
		out = append(out, it)
	}
	if removed == nil {
		return nil, nil
	}
	return removed, s.rewrite(out)
}

// NextIDs reserves and persists n new ids from the monotonic high-water
// mark, returning them in ascending order.
func (s *Store) NextIDs(n int) ([]string, error) {
	m, err := s.readMeta()
	if err != nil {
		return nil, err
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("%s-%d", m.Prefix, m.NextID)
		m.NextID++
	}
	if err := s.writeMeta(m); err != nil {
		return nil, err
	}
	return ids, nil
}

// Archive appends it (as of time at) to the monthly worklog partition.
func (s *Store) Archive(it *item.Item, at time.Time) error {
	partition := filepath.Join(s.dir, worklogDir, at.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(partition, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: opening worklog partition: %w", err)
	}
	defer f.Close()

	raw, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("store: marshaling archived item: %w", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("store: writing worklog entry: %w", err)
	}
	return nil
}

func (s *Store) rewrite(items []*item.Item) error {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	var lines [][]byte
	for _, it := range items {
		raw, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("store: marshaling item %s: %w", it.ID, err)
		}
		lines = append(lines, raw)
	}
	return writeAtomic(s.backlogPath(), lines)
}

func (s *Store) readMeta() (meta, error) {
	raw, err := os.ReadFile(s.metaPath())
	if err != nil {
		return meta{}, fmt.Errorf("store: reading meta: %w", err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return meta{}, fmt.Errorf("store: parsing meta: %w", err)
	}
	return m, nil
}

func (s *Store) writeMeta(m meta) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling meta: %w", err)
	}
	return writeAtomic(s.metaPath(), [][]byte{raw})
}

// writeAtomic writes lines (each already a complete JSON document, newline
// appended between them) to path via a temp file in the same directory
// followed by an atomic rename, so a crash mid-write never leaves a
// truncated backlog behind.
func writeAtomic(path string, lines [][]byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("writeAtomic: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	for i, line := range lines {
		if i > 0 || len(lines) == 1 {
			// fallthrough: every line including the first gets a trailing
			// newline below, so no special-casing is needed here.
		}
		if _, err := tmp.Write(line); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("writeAtomic: writing: %w", err)
		}
		if _, err := tmp.Write([]byte("\n")); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("writeAtomic: writing newline: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writeAtomic: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writeAtomic: renaming into place: %w", err)
	}
	return nil
}
