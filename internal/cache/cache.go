// Package cache holds the per-tab grouping decisions for every window.
//
// The cache is the single source of truth the UI reads. Every mutation is
// written to the session database before it is applied in memory and before
// the call returns, so a process killed right after a call loses nothing.
package cache

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/storage"
	"github.com/lotas/tabgruppen/internal/types"
)

// Update is delivered to subscribers after a window's entries or its
// processing flag changed.
type Update struct {
	WindowID   int
	Entries    map[int]types.SuggestionEntry
	Processing bool
}

// Cache maps tab ids to their last committed suggestion, keyed by window.
type Cache struct {
	db *sql.DB

	mu         sync.Mutex
	loaded     bool
	windows    map[int]map[int]types.SuggestionEntry
	tabWindow  map[int]int
	processing map[int]bool

	subMu   sync.Mutex
	subs    map[int]func(Update)
	nextSub int
}

// New creates a cache backed by db. Nothing is read until first use.
func New(db *sql.DB) *Cache {
	return &Cache{
		db:         db,
		windows:    make(map[int]map[int]types.SuggestionEntry),
		tabWindow:  make(map[int]int),
		processing: make(map[int]bool),
		subs:       make(map[int]func(Update)),
	}
}

// hydrate loads persisted state once per process lifetime. Caller holds mu.
func (c *Cache) hydrate() error {
	if c.loaded {
		return nil
	}
	entries, err := storage.LoadSuggestions(c.db)
	if err != nil {
		return fmt.Errorf("hydrate cache: %w", err)
	}
	windows, err := storage.ListProcessingWindows(c.db)
	if err != nil {
		return fmt.Errorf("hydrate processing flags: %w", err)
	}
	for _, e := range entries {
		c.put(e)
	}
	for _, id := range windows {
		c.processing[id] = true
	}
	c.loaded = true
	applog.Info("cache.hydrated", "entries", len(entries), "processing", len(windows))
	return nil
}

// put stores e in memory, dropping any entry for the same tab in another
// window. Caller holds mu.
func (c *Cache) put(e types.SuggestionEntry) {
	if prev, ok := c.tabWindow[e.TabID]; ok && prev != e.WindowID {
		delete(c.windows[prev], e.TabID)
	}
	m := c.windows[e.WindowID]
	if m == nil {
		m = make(map[int]types.SuggestionEntry)
		c.windows[e.WindowID] = m
	}
	m[e.TabID] = e
	c.tabWindow[e.TabID] = e.WindowID
}

// copyWindow returns a copy of a window's map. Caller holds mu.
func (c *Cache) copyWindow(windowID int) map[int]types.SuggestionEntry {
	out := make(map[int]types.SuggestionEntry, len(c.windows[windowID]))
	for id, e := range c.windows[windowID] {
		out[id] = e
	}
	return out
}

// entriesOf returns a window's entries as a slice ordered by tab id. Caller holds mu.
func entriesOf(m map[int]types.SuggestionEntry) []types.SuggestionEntry {
	out := make([]types.SuggestionEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Get returns a copy of the entries for a window. Empty if nothing is cached.
func (c *Cache) Get(windowID int) (map[int]types.SuggestionEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.hydrate(); err != nil {
		return nil, err
	}
	return c.copyWindow(windowID), nil
}

// Lookup returns the entry for a single tab.
func (c *Cache) Lookup(tabID int) (types.SuggestionEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.hydrate(); err != nil {
		return types.SuggestionEntry{}, false, err
	}
	w, ok := c.tabWindow[tabID]
	if !ok {
		return types.SuggestionEntry{}, false, nil
	}
	e, ok := c.windows[w][tabID]
	return e, ok, nil
}

// Upsert writes one entry and persists the window's full map.
func (c *Cache) Upsert(e types.SuggestionEntry) error {
	return c.Commit(e.WindowID, []types.SuggestionEntry{e})
}

// Commit writes several entries for one window with a single durable write
// and a single notification.
func (c *Cache) Commit(windowID int, entries []types.SuggestionEntry) error {
	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	if err := c.hydrate(); err != nil {
		c.mu.Unlock()
		return err
	}
	next := c.copyWindow(windowID)
	for _, e := range entries {
		e.WindowID = windowID
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		next[e.TabID] = e
	}
	if err := storage.ReplaceWindowSuggestions(c.db, windowID, entriesOf(next)); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist window %d: %w", windowID, err)
	}
	for _, e := range next {
		c.put(e)
	}
	u := c.updateFor(windowID)
	c.mu.Unlock()

	applog.Info("cache.commit", "window", windowID, "entries", len(entries))
	c.notify(u)
	return nil
}

// Remove deletes the entry for tabID. Returns true if an entry existed.
func (c *Cache) Remove(tabID int) (bool, error) {
	c.mu.Lock()
	if err := c.hydrate(); err != nil {
		c.mu.Unlock()
		return false, err
	}
	windowID, ok := c.tabWindow[tabID]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	if _, err := storage.DeleteSuggestion(c.db, tabID); err != nil {
		c.mu.Unlock()
		return false, err
	}
	delete(c.windows[windowID], tabID)
	delete(c.tabWindow, tabID)
	u := c.updateFor(windowID)
	c.mu.Unlock()

	c.notify(u)
	return true, nil
}

// InvalidateWindow clears every entry of a window.
func (c *Cache) InvalidateWindow(windowID int) error {
	c.mu.Lock()
	if err := c.hydrate(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := storage.ReplaceWindowSuggestions(c.db, windowID, nil); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("invalidate window %d: %w", windowID, err)
	}
	n := len(c.windows[windowID])
	for tabID := range c.windows[windowID] {
		delete(c.tabWindow, tabID)
	}
	delete(c.windows, windowID)
	u := c.updateFor(windowID)
	c.mu.Unlock()

	applog.Info("cache.invalidate", "window", windowID, "entries", n)
	c.notify(u)
	return nil
}

// Prune removes entries of a window whose tabs are not in liveTabIDs.
// Returns the number of entries removed. Running it twice with the same
// ids is the same as running it once.
func (c *Cache) Prune(windowID int, liveTabIDs []int) (int, error) {
	live := make(map[int]bool, len(liveTabIDs))
	for _, id := range liveTabIDs {
		live[id] = true
	}

	c.mu.Lock()
	if err := c.hydrate(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	next := make(map[int]types.SuggestionEntry)
	var gone []int
	for id, e := range c.windows[windowID] {
		if live[id] {
			next[id] = e
		} else {
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	if err := storage.ReplaceWindowSuggestions(c.db, windowID, entriesOf(next)); err != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("prune window %d: %w", windowID, err)
	}
	for _, id := range gone {
		delete(c.windows[windowID], id)
		delete(c.tabWindow, id)
	}
	u := c.updateFor(windowID)
	c.mu.Unlock()

	applog.Info("cache.prune", "window", windowID, "removed", len(gone))
	c.notify(u)
	return len(gone), nil
}

// SetProcessing persists a window's processing flag and notifies
// subscribers if it changed.
func (c *Cache) SetProcessing(windowID int, processing bool) error {
	c.mu.Lock()
	if err := c.hydrate(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.processing[windowID] == processing {
		c.mu.Unlock()
		return nil
	}
	if err := storage.SetProcessingWindow(c.db, windowID, processing); err != nil {
		c.mu.Unlock()
		return err
	}
	if processing {
		c.processing[windowID] = true
	} else {
		delete(c.processing, windowID)
	}
	u := c.updateFor(windowID)
	c.mu.Unlock()

	c.notify(u)
	return nil
}

// Processing reports a window's processing flag. A store that cannot be read
// reports false.
func (c *Cache) Processing(windowID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.hydrate(); err != nil {
		applog.Error("cache.hydrate", err, "window", windowID)
		return false
	}
	return c.processing[windowID]
}

// ClearProcessing drops every processing flag, persisted ones included.
func (c *Cache) ClearProcessing() error {
	c.mu.Lock()
	if err := c.hydrate(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := storage.ClearProcessingWindows(c.db); err != nil {
		c.mu.Unlock()
		return err
	}
	var updates []Update
	for id := range c.processing {
		delete(c.processing, id)
		updates = append(updates, c.updateFor(id))
	}
	c.mu.Unlock()

	for _, u := range updates {
		c.notify(u)
	}
	return nil
}

// Reset wipes the session scope after a host restart.
func (c *Cache) Reset() error {
	c.mu.Lock()
	if err := storage.ClearSession(c.db); err != nil {
		c.mu.Unlock()
		return err
	}
	var updates []Update
	for id := range c.windows {
		updates = append(updates, Update{WindowID: id, Entries: map[int]types.SuggestionEntry{}})
	}
	c.windows = make(map[int]map[int]types.SuggestionEntry)
	c.tabWindow = make(map[int]int)
	c.processing = make(map[int]bool)
	c.loaded = true
	c.mu.Unlock()

	applog.Info("cache.reset")
	for _, u := range updates {
		c.notify(u)
	}
	return nil
}

// Size returns the number of cached entries across all windows.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tabWindow)
}

// Windows returns the ids of windows that have entries.
func (c *Cache) Windows() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.windows))
	for id, m := range c.windows {
		if len(m) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Subscribe registers fn for every Update. Delivery is at-least-once and
// synchronous with the mutating call, after the durable write. Updates for
// different windows carry no ordering guarantee.
func (c *Cache) Subscribe(fn func(Update)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// updateFor builds the Update for a window. Caller holds mu.
func (c *Cache) updateFor(windowID int) Update {
	return Update{
		WindowID:   windowID,
		Entries:    c.copyWindow(windowID),
		Processing: c.processing[windowID],
	}
}

func (c *Cache) notify(u Update) {
	c.subMu.Lock()
	fns := make([]func(Update), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}
