// Package history keeps each principal's rolling window of interactions.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/daybook/internal/model"
	"github.com/kalambet/daybook/internal/storage"
)

// DefaultCapacity is the number of interactions kept per principal.
const DefaultCapacity = 100

const historyPrefix = "history:"

// ErrCorruptHistory marks persisted history that could not be decoded.
// It is logged and the data is discarded; callers never see it.
var ErrCorruptHistory = errors.New("corrupt conversation history")

// KV is the persistent key/value store backing the history.
// Implemented by storage.Store.
type KV interface {
	Get(key string) (string, error)
	Put(key, value string) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// Store holds the in-memory window for the active principal and persists
// every principal's window under its own key.
type Store struct {
	kv       KV
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	current model.Principal
	window  []model.Interaction
}

// NewStore creates a Store. capacity <= 0 uses DefaultCapacity.
func NewStore(kv KV, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		kv:       kv,
		capacity: capacity,
		logger:   slog.Default(),
		current:  model.Guest,
	}
}

// Load returns p's persisted interactions, oldest first. Missing or
// unparsable data yields an empty slice.
func (s *Store) Load(p model.Principal) []model.Interaction {
	key := p.HistoryKey()
	raw, err := s.kv.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return []model.Interaction{}
	}
	if err != nil {
		s.logger.Warn("history: reading persisted history failed", "principal", p.String(), "error", err)
		return []model.Interaction{}
	}

	items, err := decode(raw)
	if err != nil {
		s.logger.Warn("history: discarding unreadable history",
			"principal", p.String(), "error", fmt.Errorf("%w: %v", ErrCorruptHistory, err))
		if delErr := s.kv.Delete(key); delErr != nil {
			s.logger.Warn("history: removing corrupt history failed", "principal", p.String(), "error", delErr)
		}
		return []model.Interaction{}
	}
	return s.truncate(items)
}

// Append adds it to p's history, drops the oldest entries beyond capacity,
// and persists the result. The in-memory window is updated when p is the
// active principal, even if persisting fails.
func (s *Store) Append(p model.Principal, it model.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []model.Interaction
	active := p.HistoryKey() == s.current.HistoryKey()
	if active {
		items = append(cloneItems(s.window), it)
	} else {
		items = append(s.Load(p), it)
	}
	items = s.truncate(items)

	if active {
		s.window = items
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	if err := s.kv.Put(p.HistoryKey(), string(raw)); err != nil {
		return fmt.Errorf("persisting history for %s: %w", p, err)
	}
	return nil
}

// Clear removes p's persisted history entirely.
func (s *Store) Clear(p model.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.HistoryKey() == s.current.HistoryKey() {
		s.window = nil
	}
	if err := s.kv.Delete(p.HistoryKey()); err != nil {
		return fmt.Errorf("clearing history for %s: %w", p, err)
	}
	return nil
}

// Switch replaces the in-memory window with next's persisted history.
// Nothing from the previous principal carries over.
func (s *Store) Switch(prev, next model.Principal) {
	items := s.Load(next)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = next
	s.window = items
	s.logger.Debug("history: switched principal", "from", prev.String(), "to", next.String(), "entries", len(items))
}

// Principals returns the ids of every principal with persisted history,
// including "guest".
func (s *Store) Principals() ([]string, error) {
	keys, err := s.kv.Keys(historyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing stored histories: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, historyPrefix))
	}
	return ids, nil
}

// Entries returns all of p's interactions, oldest first.
func (s *Store) Entries(p model.Principal) []model.Interaction {
	return s.Recent(p, s.capacity)
}

// Recent returns up to n of p's newest interactions, oldest first. It reads
// the in-memory window only while p is the active principal, so a caller
// racing a Switch never sees another principal's history.
func (s *Store) Recent(p model.Principal, n int) []model.Interaction {
	if n <= 0 {
		return nil
	}

	s.mu.Lock()
	if p.HistoryKey() == s.current.HistoryKey() {
		items := tail(s.window, n)
		s.mu.Unlock()
		return items
	}
	s.mu.Unlock()

	return tail(s.Load(p), n)
}

func tail(items []model.Interaction, n int) []model.Interaction {
	if n > len(items) {
		n = len(items)
	}
	return cloneItems(items[len(items)-n:])
}

func (s *Store) truncate(items []model.Interaction) []model.Interaction {
	if len(items) <= s.capacity {
		return items
	}
	return cloneItems(items[len(items)-s.capacity:])
}

func decode(raw string) ([]model.Interaction, error) {
	var items []model.Interaction
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Interaction{}
	}
	return items, nil
}

func cloneItems(items []model.Interaction) []model.Interaction {
	out := make([]model.Interaction, len(items))
	copy(out, items)
	return out
}
