package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Association is a persisted, previously accepted peripheral.
type Association struct {
	Address    string    `yaml:"address"`
	Name       string    `yaml:"name,omitempty"`
	AcceptedAt time.Time `yaml:"accepted_at"`
}

type storeFile struct {
	Associations []Association `yaml:"associations"`
}

// Store keeps associations in a YAML file.
type Store struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// NewStore returns a store backed by path. The file is created on the
// first Put.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// List returns all associations, most recently accepted first. A missing
// file is an empty store.
func (s *Store) List() ([]Association, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Put adds or refreshes an association. AcceptedAt is set to now.
func (s *Store) Put(a Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read()
	if err != nil {
		return err
	}
	a.AcceptedAt = s.now().UTC()
	out := []Association{a}
	for _, existing := range list {
		if existing.Address != a.Address {
			out = append(out, existing)
		}
	}
	return s.write(out)
}

// Remove forgets address. Removing an unknown address is not an error.
func (s *Store) Remove(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read()
	if err != nil {
		return err
	}
	out := list[:0]
	for _, a := range list {
		if a.Address != address {
			out = append(out, a)
		}
	}
	return s.write(out)
}

func (s *Store) read() ([]Association, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading associations: %w", err)
	}
	var f storeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing associations: %w", err)
	}
	sort.SliceStable(f.Associations, func(i, j int) bool {
		return f.Associations[i].AcceptedAt.After(f.Associations[j].AcceptedAt)
	})
	return f.Associations, nil
}

func (s *Store) write(list []Association) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating associations dir: %w", err)
	}
	data, err := yaml.Marshal(storeFile{Associations: list})
	if err != nil {
		return fmt.Errorf("encoding associations: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing associations: %w", err)
	}
	return nil
}
