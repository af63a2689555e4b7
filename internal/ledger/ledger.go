// Package ledger tracks the last accepted actions per window so they can be
// undone. It records what to reverse; callers perform the reversal.
package ledger

import (
	"database/sql"
	"sync"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/storage"
	"github.com/lotas/tabgruppen/internal/types"
)

// DefaultCapacity is the number of actions kept per window.
const DefaultCapacity = 10

// Ledger is a bounded, persisted ring of actions per window.
type Ledger struct {
	db       *sql.DB
	capacity int
	mu       sync.Mutex
}

// New creates a ledger. capacity <= 0 means DefaultCapacity.
func New(db *sql.DB, capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{db: db, capacity: capacity}
}

// Push appends an action, evicting the window's oldest beyond capacity.
func (l *Ledger) Push(a types.Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := storage.PushAction(l.db, a, l.capacity); err != nil {
		return err
	}
	applog.Info("ledger.push", "window", a.WindowID, "kind", a.Kind)
	return nil
}

// Undo pops the most recent action of a window. Returns nil if there is none.
func (l *Ledger) Undo(windowID int) (*types.Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := storage.PopAction(l.db, windowID)
	if err != nil {
		return nil, err
	}
	if a != nil {
		applog.Info("ledger.undo", "window", windowID, "kind", a.Kind)
	}
	return a, nil
}

// List returns a window's actions, oldest first.
func (l *Ledger) List(windowID int) ([]types.Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return storage.ListActions(l.db, windowID)
}

// Forget drops a closed window's history.
func (l *Ledger) Forget(windowID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return storage.DeleteWindowActions(l.db, windowID)
}
