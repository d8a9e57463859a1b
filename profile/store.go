package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
	"gopkg.in/yaml.v3"
)

// Store manages connection profiles.
// It handles loading, saving, and manipulating profiles stored on disk.
// Callers always receive copies; edits go through Update.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	path     string
}

// DefaultPath returns the profiles file in the config directory.
func DefaultPath() (string, error) {
	configDir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, common.ProfilesFileName), nil
}

// NewStore creates a Store backed by path and loads existing profiles.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	s := &Store{
		profiles: make(map[string]*Profile),
		path:     path,
	}
	if err := s.Load(); err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	return s, nil
}

// Load loads profiles from the file.
// Returns nil if the file doesn't exist (no profiles yet).
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read profiles file: %w", err)
	}

	loaded := make(map[string]*Profile)
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse profiles file: %w", err)
	}
	for name, p := range loaded {
		if p == nil {
			delete(loaded, name)
			continue
		}
		p.Name = name
		if err := p.Validate(); err != nil {
			common.LogWarn("Profile %q is invalid and will fail to connect: %v", name, err)
		}
	}

	s.mu.Lock()
	s.profiles = loaded
	s.mu.Unlock()
	return nil
}

// saveLocked persists profiles. Callers hold s.mu.
func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(s.profiles)
	if err != nil {
		return fmt.Errorf("failed to serialize profiles: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write profiles file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write profiles file: %w", err)
	}
	return nil
}

// Add validates and stores a new profile.
func (s *Store) Add(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profiles[p.Name]; exists {
		return fmt.Errorf("%w: %s", common.ErrDuplicateName, p.Name)
	}

	c := p.Clone()
	if c.Created.IsZero() {
		c.Created = time.Now()
	}
	s.profiles[c.Name] = c
	if err := s.saveLocked(); err != nil {
		delete(s.profiles, c.Name)
		return err
	}
	return nil
}

// Update replaces an existing profile with the same name.
func (s *Store) Update(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.profiles[p.Name]
	if !exists {
		return fmt.Errorf("%w: %s", common.ErrProfileNotFound, p.Name)
	}
	c := p.Clone()
	if c.Created.IsZero() {
		c.Created = old.Created
	}
	s.profiles[c.Name] = c
	if err := s.saveLocked(); err != nil {
		s.profiles[c.Name] = old
		return err
	}
	return nil
}

// Remove removes a profile by name.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.profiles[name]
	if !exists {
		return fmt.Errorf("%w: %s", common.ErrProfileNotFound, name)
	}
	delete(s.profiles, name)
	if err := s.saveLocked(); err != nil {
		s.profiles[name] = old
		return err
	}
	return nil
}

// Get returns a copy of the named profile.
func (s *Store) Get(name string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrProfileNotFound, name)
	}
	return p.Clone(), nil
}

// List returns copies of all profiles sorted by name.
func (s *Store) List() []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		list = append(list, p.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// MarkUsed updates the LastUsed timestamp for a profile.
func (s *Store) MarkUsed(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrProfileNotFound, name)
	}
	p.LastUsed = time.Now()
	return s.saveLocked()
}
