// Package queue implements the directory work queue and an in-memory ledger
// of the items it has handed out.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jupark12/pcr-intake/models"
)

// DefaultHistory bounds how many finished items the ledger remembers
const DefaultHistory = 500

var ErrItemNotFound = errors.New("work item not found")

// Ledger records every work item the processor has seen and its current
// status. Settled items are evicted oldest first once the history bound is
// reached, finished ones before stuck ones; in-flight items are never evicted.
// A file is tracked by one entry at a time, keyed by its path.
type Ledger struct {
	mu      sync.RWMutex
	items   map[string]*models.WorkItem
	byPath  map[string]string
	order   []string
	limit   int
	updates chan models.WorkItem
	now     func() time.Time
}

// NewLedger creates a ledger keeping at most limit finished items
func NewLedger(limit int) *Ledger {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Ledger{
		items:   make(map[string]*models.WorkItem),
		byPath:  make(map[string]string),
		limit:   limit,
		updates: make(chan models.WorkItem, 100),
		now:     time.Now,
	}
}

// Track registers a newly discovered item and assigns its ID
func (l *Ledger) Track(item models.WorkItem) models.WorkItem {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	item.ID = uuid.New().String()
	item.Status = models.StatusDiscovered
	item.DiscoveredAt = now
	item.UpdatedAt = now

	l.items[item.ID] = &item
	l.order = append(l.order, item.ID)
	if item.Path != "" {
		l.byPath[item.Path] = item.ID
	}
	l.evict()

	l.notify(item)
	return item
}

// Transition moves an item to next. mutate, when non-nil, may set extra
// fields (error text, quarantine path) under the same lock.
func (l *Ledger) Transition(id string, next models.ItemStatus, mutate func(*models.WorkItem)) (models.WorkItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, ok := l.items[id]
	if !ok {
		return models.WorkItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if !item.Status.CanTransition(next) {
		return *item, fmt.Errorf("item %s: illegal transition %s -> %s", id, item.Status, next)
	}

	item.Status = next
	item.UpdatedAt = l.now()
	if mutate != nil {
		mutate(item)
	}

	l.notify(*item)
	return *item, nil
}

// Resumable returns the entry left behind by an earlier pass for the same
// file, when that entry stopped short of a terminal state: quarantine failed
// after an interpret or persist failure, or the delete failed after persist.
// A file with a different size or mtime is new work and is not matched.
func (l *Ledger) Resumable(found models.WorkItem) (models.WorkItem, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byPath[found.Path]
	if !ok || found.Path == "" {
		return models.WorkItem{}, false
	}
	item := l.items[id]
	if !isStuck(item.Status) || item.Size != found.Size || !item.ModTime.Equal(found.ModTime) {
		return models.WorkItem{}, false
	}
	return *item, true
}

// Get returns a copy of the item with the given ID
func (l *Ledger) Get(id string) (models.WorkItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	item, ok := l.items[id]
	if !ok {
		return models.WorkItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return *item, nil
}

// List returns items in discovery order, filtered by status when one is given
func (l *Ledger) List(status models.ItemStatus) []models.WorkItem {
	l.mu.RLock()
	defer l.mu.RUnlock()

	items := make([]models.WorkItem, 0, len(l.items))
	for _, id := range l.order {
		item := l.items[id]
		if status != "" && item.Status != status {
			continue
		}
		items = append(items, *item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].DiscoveredAt.Before(items[j].DiscoveredAt)
	})
	return items
}

// Counts returns the number of tracked items per status
func (l *Ledger) Counts() map[models.ItemStatus]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[models.ItemStatus]int)
	for _, item := range l.items {
		counts[item.Status]++
	}
	return counts
}

// Updates delivers a copy of every item change. Slow readers miss updates
// rather than block the processor.
func (l *Ledger) Updates() <-chan models.WorkItem {
	return l.updates
}

func (l *Ledger) notify(item models.WorkItem) {
	select {
	case l.updates <- item:
	default:
	}
}

// evict drops the oldest settled items beyond the limit, terminal ones
// first. Caller holds mu.
func (l *Ledger) evict() {
	excess := len(l.order) - l.limit
	excess = l.evictWhere(excess, models.ItemStatus.IsTerminal)
	l.evictWhere(excess, isStuck)
}

func (l *Ledger) evictWhere(excess int, match func(models.ItemStatus) bool) int {
	if excess <= 0 {
		return 0
	}

	kept := l.order[:0]
	for _, id := range l.order {
		item := l.items[id]
		if excess > 0 && match(item.Status) {
			delete(l.items, id)
			if l.byPath[item.Path] == id {
				delete(l.byPath, item.Path)
			}
			excess--
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return excess
}

// isStuck reports whether an item is settled but not terminal: it is waiting
// on a quarantine or delete retry.
func isStuck(s models.ItemStatus) bool {
	return s == models.StatusInterpretFailed || s == models.StatusPersistFailed || s == models.StatusPersisted
}
