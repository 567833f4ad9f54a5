// Package store persists workflow instances and ticket records so in-flight
// reviews survive process restarts. State is an append-only JSONL journal:
// every transition appends a full snapshot line, the last snapshot per key
// wins on load, and the journal is compacted back to one line per key when
// reopened.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("record not found")

// record is one journal line.
type record struct {
	Kind     string             `json:"kind"`
	Instance *workflow.Instance `json:"instance,omitempty"`
	Ticket   *workflow.Ticket   `json:"ticket,omitempty"`
}

const (
	kindInstance = "instance"
	kindTicket   = "ticket"
)

// Store is a durable instance/ticket store with an in-memory index.
// Safe for concurrent use.
type Store struct {
	logger *logging.Logger

	mu        sync.RWMutex
	path      string
	f         *os.File
	instances map[string]*workflow.Instance // by instance key
	byID      map[string]*workflow.Instance // by workflow ID
	tickets   map[string]*workflow.Ticket   // by instance key
	closed    bool
}

// Open loads the journal at path (creating it if absent), compacts it, and
// returns a store ready for appends.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Store{
		logger:    logger.Named("store"),
		path:      path,
		instances: make(map[string]*workflow.Instance),
		byID:      make(map[string]*workflow.Instance),
		tickets:   make(map[string]*workflow.Ticket),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	if err := s.compact(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	s.f = f
	return s, nil
}

// load replays the journal into the in-memory index. Last snapshot per key
// wins; unparseable lines are skipped with a warning rather than failing
// the whole journal (a torn final write after a crash is expected).
func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn(context.Background(), "skipping unreadable journal line",
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			continue
		}
		s.index(&rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read journal %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) index(rec *record) {
	switch rec.Kind {
	case kindInstance:
		if rec.Instance == nil {
			return
		}
		s.instances[rec.Instance.Key()] = rec.Instance
		s.byID[rec.Instance.ID] = rec.Instance
	case kindTicket:
		if rec.Ticket == nil {
			return
		}
		s.tickets[rec.Ticket.InstanceKey] = rec.Ticket
	}
}

// compact rewrites the journal with exactly one line per live record.
func (s *Store) compact() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, inst := range s.instances {
		if err := enc.Encode(record{Kind: kindInstance, Instance: inst}); err != nil {
			f.Close()
			return fmt.Errorf("failed to write compacted instance: %w", err)
		}
	}
	for _, t := range s.tickets {
		if err := enc.Encode(record{Kind: kindTicket, Ticket: t}); err != nil {
			f.Close()
			return fmt.Errorf("failed to write compacted ticket: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush compaction file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync compaction file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close compaction file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	return nil
}

// SaveInstance appends a snapshot of the instance and updates the index.
func (s *Store) SaveInstance(ctx context.Context, inst *workflow.Instance) error {
	snapshot := inst.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store is closed")
	}
	if err := s.append(record{Kind: kindInstance, Instance: snapshot}); err != nil {
		return err
	}
	s.instances[snapshot.Key()] = snapshot
	s.byID[snapshot.ID] = snapshot
	return nil
}

// SaveTicket appends a ticket record and updates the index.
func (s *Store) SaveTicket(ctx context.Context, t *workflow.Ticket) error {
	snapshot := *t

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store is closed")
	}
	if err := s.append(record{Kind: kindTicket, Ticket: &snapshot}); err != nil {
		return err
	}
	s.tickets[snapshot.InstanceKey] = &snapshot
	return nil
}

// append writes and fsyncs one journal line. Callers hold the write lock.
func (s *Store) append(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Instance returns the instance for a (repository, change, revision) key.
func (s *Store) Instance(key string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[key]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

// InstanceByID returns the instance with the given workflow ID.
func (s *Store) InstanceByID(id string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

// ActiveForChange returns the non-terminal instance for a change key, if
// any. The supersession invariant guarantees at most one exists.
func (s *Store) ActiveForChange(changeKey string) (*workflow.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.instances {
		if inst.ChangeKey() == changeKey && inst.Status.Active() {
			return inst.Clone(), true
		}
	}
	return nil, false
}

// ListInstances returns snapshots of all known instances.
func (s *Store) ListInstances() []*workflow.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Clone())
	}
	return out
}

// NonTerminal returns instances still in flight, for resume after restart.
func (s *Store) NonTerminal() []*workflow.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Instance
	for _, inst := range s.instances {
		if inst.Status.Active() {
			out = append(out, inst.Clone())
		}
	}
	return out
}

// Ticket returns the ticket filed for an instance key.
func (s *Store) Ticket(instanceKey string) (*workflow.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[instanceKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Path returns the journal file path.
func (s *Store) Path() string {
	return s.path
}

// Close syncs and closes the journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("failed to sync journal on close: %w", err)
	}
	return s.f.Close()
}

// DefaultPath returns the default journal location under dir.
func DefaultPath(dir string) string {
	return filepath.Join(dir, "reviewd-state.jsonl")
}
