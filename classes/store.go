package classes

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownClass is returned when a class id or name is not in the store.
	ErrUnknownClass = errors.New("unknown class")
	// ErrThresholdOutOfRange is returned when a threshold falls outside [0, 1].
	ErrThresholdOutOfRange = errors.New("threshold out of range")
	// ErrDuplicateClass is returned when two defaults share an id.
	ErrDuplicateClass = errors.New("duplicate class id")
)

// Store holds the classifiable labels. All methods are safe for concurrent use and every mutation
// is serialized by the store's mutex.
type Store struct {
	mu       sync.RWMutex
	defaults []Config
	current  map[int]Config
	byName   map[string]int
}

// NewStore creates a store seeded with defaults. ResetDefaults restores exactly this set.
//
// Arguments:
//   - defaults: The initial classes. Ids must be unique and thresholds within [0, 1].
//
// Returns:
//   - *Store: The store.
//   - error: ErrDuplicateClass or ErrThresholdOutOfRange if defaults are invalid.
func NewStore(defaults ...Config) (*Store, error) {
	seen := make(map[int]struct{}, len(defaults))
	for _, c := range defaults {
		if _, dup := seen[c.ID]; dup {
			return nil, errors.Wrapf(ErrDuplicateClass, "class %d", c.ID)
		}
		seen[c.ID] = struct{}{}
		if err := validateThreshold(c.Threshold); err != nil {
			return nil, errors.Wrapf(err, "class %d (%s)", c.ID, c.Name)
		}
	}

	s := &Store{defaults: append([]Config(nil), defaults...)}
	s.resetLocked()
	return s, nil
}

// Configure applies a partial update to one class.
//
// Arguments:
//   - id: The class id.
//   - u: The fields to change.
//
// Returns:
//   - error: ErrUnknownClass or ErrThresholdOutOfRange. Nothing is changed on error.
func (s *Store) Configure(id int, u Update) error {
	if u.Threshold != nil {
		if err := validateThreshold(*u.Threshold); err != nil {
			return errors.Wrapf(err, "class %d", id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.current[id]
	if !ok {
		return errors.Wrapf(ErrUnknownClass, "class %d", id)
	}
	if u.Threshold != nil {
		c.Threshold = *u.Threshold
	}
	if u.Enabled != nil {
		c.Enabled = *u.Enabled
	}
	s.current[id] = c
	return nil
}

// ConfigureByName is Configure keyed by label (case-insensitive). It returns the id it resolved.
func (s *Store) ConfigureByName(name string, u Update) (int, error) {
	s.mu.RLock()
	id, ok := s.byName[strings.ToLower(name)]
	s.mu.RUnlock()
	if !ok {
		return 0, errors.Wrapf(ErrUnknownClass, "class %q", name)
	}
	return id, s.Configure(id, u)
}

// SetEnabled enables exactly the given ids and disables every other class.
func (s *Store) SetEnabled(ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.current[id]; !ok {
			return errors.Wrapf(ErrUnknownClass, "class %d", id)
		}
		want[id] = struct{}{}
	}
	for id, c := range s.current {
		_, c.Enabled = want[id]
		s.current[id] = c
	}
	return nil
}

// Lookup returns the current config for one class.
func (s *Store) Lookup(id int) (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.current[id]
	return c, ok
}

// Snapshot returns an immutable copy of the current configuration.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := make(map[int]Config, len(s.current))
	for id, c := range s.current {
		byID[id] = c
	}
	return Snapshot{byID: byID}
}

// List returns the current classes ordered by id.
func (s *Store) List() []Config {
	return s.Snapshot().List()
}

// ResetDefaults restores the defaults the store was created with.
func (s *Store) ResetDefaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Store) resetLocked() {
	s.current = make(map[int]Config, len(s.defaults))
	s.byName = make(map[string]int, len(s.defaults))
	for _, c := range s.defaults {
		s.current[c.ID] = c
		s.byName[strings.ToLower(c.Name)] = c.ID
	}
}

func validateThreshold(t float64) error {
	// NaN fails both comparisons, so test for the valid range instead.
	if !(t >= 0 && t <= 1) {
		return errors.Wrapf(ErrThresholdOutOfRange, "%v not in [0,1]", t)
	}
	return nil
}
