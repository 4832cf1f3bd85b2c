package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// ErrNotFound is returned by Load for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Store manages run records at ~/.harness/runs/
type Store struct {
	dir string
}

// NewStore opens the store in the user's home directory.
func NewStore() (*Store, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return NewStoreAt(filepath.Join(home, ".harness", "runs"))
}

// NewStoreAt opens a store rooted at dir, creating it if needed.
func NewStoreAt(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save persists a record, replacing any earlier version atomically.
func (s *Store) Save(rec *Record) error {
	if rec.ID == "" {
		return errors.New("record has no id")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tmp := s.path(rec.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file: %w", err)
	}
	if err := os.Rename(tmp, s.path(rec.ID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write record file: %w", err)
	}

	return nil
}

// Load reads a record by ID
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return &rec, nil
}

// Find loads the record whose ID equals or starts with prefix. An ambiguous
// prefix is an error.
func (s *Store) Find(prefix string) (*Record, error) {
	if rec, err := s.Load(prefix); err == nil {
		return rec, nil
	}

	records, err := s.List()
	if err != nil {
		return nil, err
	}

	var match *Record
	for _, rec := range records {
		if !strings.HasPrefix(rec.ID, prefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("run id %q is ambiguous", prefix)
		}
		match = rec
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}
	return match, nil
}

// List returns all saved records, newest first.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	records := []*Record{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		rec, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue // Skip unreadable records
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	return records, nil
}

// Delete removes a record file
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete record file: %w", err)
	}
	return nil
}

// Dir returns the record storage directory
func (s *Store) Dir() string {
	return s.dir
}
