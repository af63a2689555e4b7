package engine

import (
	"sort"

	"github.com/lotas/tabgruppen/internal/types"
)

// window is one window's processing state. It is owned by Engine and only
// touched with Engine.mu held. Nothing here is persisted: after a restart
// the queue is rebuilt by rescanning the live window.
type window struct {
	id int

	queued   map[int]bool
	inFlight map[int]bool
	// fingerprint and snapshot describe the in-flight request. fingerprint
	// is set exactly when inFlight is non-empty.
	fingerprint string
	snapshot    types.WindowSnapshot
	// touched marks in-flight tabs the host reported as changed.
	touched map[int]bool

	// dispatching is true from the moment queued tabs move to inFlight
	// until the result is committed or discarded.
	dispatching bool
	// epoch is bumped by invalidation; a result dispatched under an older
	// epoch is discarded.
	epoch int

	lastErr error
}

func newWindow(id int) *window {
	return &window{
		id:       id,
		queued:   make(map[int]bool),
		inFlight: make(map[int]bool),
		touched:  make(map[int]bool),
	}
}

func (w *window) idle() bool {
	return len(w.queued) == 0 && len(w.inFlight) == 0 && !w.dispatching
}

func (w *window) processing() bool {
	return len(w.inFlight) > 0
}

// enqueue adds a tab to the queue unless it is in flight.
func (w *window) enqueue(tabID int) bool {
	if w.inFlight[tabID] || w.queued[tabID] {
		return false
	}
	w.queued[tabID] = true
	return true
}

// drop forgets a tab in every state.
func (w *window) drop(tabID int) {
	delete(w.queued, tabID)
	w.releaseOne(tabID)
}

func (w *window) releaseOne(tabID int) {
	delete(w.inFlight, tabID)
	delete(w.touched, tabID)
	if len(w.inFlight) == 0 {
		w.fingerprint = ""
		w.snapshot = types.WindowSnapshot{}
	}
}

// takeQueue moves every queued tab to in flight and returns their ids.
func (w *window) takeQueue() []int {
	ids := make([]int, 0, len(w.queued))
	for id := range w.queued {
		ids = append(ids, id)
		w.inFlight[id] = true
	}
	w.queued = make(map[int]bool)
	sort.Ints(ids)
	return ids
}

// release returns in-flight tabs to idle.
func (w *window) release(ids []int) {
	for _, id := range ids {
		w.releaseOne(id)
	}
}

// touch marks an in-flight tab as changed. Returns false if it is not in
// flight.
func (w *window) touch(tabID int) bool {
	if !w.inFlight[tabID] {
		return false
	}
	w.touched[tabID] = true
	return true
}

// requeue moves in-flight tabs back to the queue.
func (w *window) requeue(ids []int) {
	for _, id := range ids {
		w.releaseOne(id)
		w.queued[id] = true
	}
}

func (w *window) queuedIDs() []int {
	return sortedIDs(w.queued)
}

func (w *window) inFlightIDs() []int {
	return sortedIDs(w.inFlight)
}

func sortedIDs(m map[int]bool) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
