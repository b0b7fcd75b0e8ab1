// Package bus provides the path store shared by all bus backends and an in-process
// backend used by tests and the "local" bus setting.
package bus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/resident-x/go-fronius-meter/internal/domain"
)

var (
	ErrEmptyPath     = errors.New("empty path")
	ErrDuplicatePath = errors.New("path already declared")
	ErrRegistered    = errors.New("service already registered")
	ErrUnknownPath   = errors.New("unknown path")
	ErrNotWriteable  = errors.New("path is not writeable")
	ErrRejected      = errors.New("value rejected")
)

// Dispatcher runs fn on the goroutine that owns the service state and waits for it.
type Dispatcher func(ctx context.Context, fn func()) error

// Listener is notified after a path value changed on a registered service.
type Listener func(path string, value interface{})

// Item is a snapshot of one path.
type Item struct {
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	Text      string      `json:"text"`
	Writeable bool        `json:"writeable"`
	Unit      string      `json:"unit,omitempty"`
}

type entry struct {
	spec  domain.PathSpec
	value interface{}
}

// Store is an ordered set of paths with their current values.
type Store struct {
	mutex      sync.RWMutex
	order      []string
	entries    map[string]*entry
	registered bool
	listeners  []Listener
	dispatch   Dispatcher
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
	}
}

// AddPath declares a path. Paths can only be added before the store is registered.
func (s *Store) AddPath(spec domain.PathSpec) error {
	if spec.Path == "" {
		return ErrEmptyPath
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.registered {
		return fmt.Errorf("add %s: %w", spec.Path, ErrRegistered)
	}
	if _, exists := s.entries[spec.Path]; exists {
		return fmt.Errorf("add %s: %w", spec.Path, ErrDuplicatePath)
	}

	s.entries[spec.Path] = &entry{spec: spec, value: spec.Value}
	s.order = append(s.order, spec.Path)
	return nil
}

// Get returns the current value of a path.
func (s *Store) Get(path string) (interface{}, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.entries[path]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set stores a new value. Listeners are notified only once the store is registered.
func (s *Store) Set(path string, value interface{}) error {
	s.mutex.Lock()
	e, ok := s.entries[path]
	if !ok {
		s.mutex.Unlock()
		return fmt.Errorf("set %s: %w", path, ErrUnknownPath)
	}
	e.value = value
	notify := s.registered
	listeners := append([]Listener(nil), s.listeners...)
	s.mutex.Unlock()

	if notify {
		for _, listener := range listeners {
			listener(path, value)
		}
	}
	return nil
}

// MarkRegistered freezes the path set.
func (s *Store) MarkRegistered() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.registered {
		return ErrRegistered
	}
	s.registered = true
	return nil
}

// Registered reports whether MarkRegistered was called.
func (s *Store) Registered() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.registered
}

// Paths returns the declared paths in declaration order.
func (s *Store) Paths() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.order...)
}

// Subscribe adds a listener for value changes.
func (s *Store) Subscribe(listener Listener) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.listeners = append(s.listeners, listener)
}

// SetDispatcher makes RemoteSet run change callbacks through d.
func (s *Store) SetDispatcher(d Dispatcher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.dispatch = d
}

// Item returns a snapshot of one path.
func (s *Store) Item(path string) (Item, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.entries[path]
	if !ok {
		return Item{}, false
	}
	return e.item(), true
}

// Items returns a snapshot of all paths in declaration order.
func (s *Store) Items() []Item {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	items := make([]Item, 0, len(s.order))
	for _, path := range s.order {
		items = append(items, s.entries[path].item())
	}
	return items
}

func (e *entry) item() Item {
	return Item{
		Path:      e.spec.Path,
		Value:     e.value,
		Text:      Text(e.value, e.spec.Unit),
		Writeable: e.spec.Writeable,
		Unit:      e.spec.Unit,
	}
}

// RemoteSet applies a write coming from another bus client. The path's change
// callback decides whether the value is kept.
func (s *Store) RemoteSet(ctx context.Context, path string, value interface{}) error {
	s.mutex.RLock()
	e, ok := s.entries[path]
	var spec domain.PathSpec
	if ok {
		spec = e.spec
	}
	dispatch := s.dispatch
	s.mutex.RUnlock()

	if !ok {
		return fmt.Errorf("write %s: %w", path, ErrUnknownPath)
	}
	if !spec.Writeable {
		return fmt.Errorf("write %s: %w", path, ErrNotWriteable)
	}

	var accepted bool
	var setErr error
	apply := func() {
		accepted = spec.OnChange == nil || spec.OnChange(path, value)
		if accepted {
			setErr = s.Set(path, value)
		}
	}

	if dispatch == nil {
		apply()
	} else if err := dispatch(ctx, apply); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	if setErr != nil {
		return setErr
	}
	if !accepted {
		return fmt.Errorf("write %s: %w", path, ErrRejected)
	}
	return nil
}

// CoerceLike converts a decoded JSON number to int when the current value of the path
// is an int and the number is integral, so integer paths stay integer.
func CoerceLike(current, value interface{}) interface{} {
	if _, isInt := current.(int); !isInt {
		return value
	}
	if f, isFloat := value.(float64); isFloat && f == math.Trunc(f) {
		return int(f)
	}
	return value
}

// Text renders a value with its unit the way bus clients display it.
func Text(value interface{}, unit string) string {
	var text string
	switch v := value.(type) {
	case nil:
		return "---"
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		text = strconv.FormatFloat(float64(v), 'f', -1, 32)
	case string:
		text = v
	default:
		text = fmt.Sprint(v)
	}
	return text + unit
}
