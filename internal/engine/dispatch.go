package engine

import (
	"context"
	"fmt"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/fingerprint"
	"github.com/lotas/tabgruppen/internal/inference"
	"github.com/lotas/tabgruppen/internal/types"
)

// dispatch sends a window's queue to the generator and commits or discards
// the result. At most one dispatch per window runs at a time; tabs queued
// meanwhile wait for the next one.
func (e *Engine) dispatch(ctx context.Context, windowID int) {
	e.mu.Lock()
	w := e.state(windowID)
	if w.dispatching || len(w.queued) == 0 {
		e.mu.Unlock()
		return
	}
	w.dispatching = true
	ids := w.takeQueue()
	epoch := w.epoch
	e.mu.Unlock()

	live, err := e.host.Window(ctx, windowID)
	if err != nil {
		e.abandon(ctx, w, ids, fmt.Errorf("query window: %w", err))
		return
	}
	cached, err := e.cache.Get(windowID)
	if err != nil {
		e.abandon(ctx, w, ids, err)
		return
	}

	// Tabs that stopped being eligible while queued are not sent.
	e.mu.Lock()
	var request []int
	for _, id := range ids {
		t, ok := live.Tab(id)
		_, isCached := cached[id]
		if ok && w.inFlight[id] && Eligible(t, isCached, false) {
			request = append(request, id)
		} else {
			w.releaseOne(id)
		}
	}
	if len(request) == 0 {
		w.dispatching = false
		e.mu.Unlock()
		e.finish(ctx, windowID, false)
		return
	}
	snap := fingerprint.Snapshot(live, request, e.now())
	w.snapshot = snap
	w.fingerprint = snap.Fingerprint
	e.mu.Unlock()

	e.publish(ctx, windowID)
	applog.Info("engine.dispatch", "window", windowID, "tabs", len(request), "fingerprint", snap.Fingerprint)

	res := e.gen.Generate(ctx, tabInputs(snap), groupInputs(snap))

	after, err := e.host.Window(ctx, windowID)
	if err != nil {
		e.abandon(ctx, w, request, fmt.Errorf("query window: %w", err))
		return
	}

	e.mu.Lock()
	if e.windows[windowID] != w {
		// Window closed or session reset while the generator ran.
		e.mu.Unlock()
		return
	}
	survivors := make(map[int]bool, len(request))
	touched := false
	for _, id := range request {
		if !w.inFlight[id] {
			continue
		}
		if _, ok := after.Tab(id); !ok {
			w.releaseOne(id)
			continue
		}
		survivors[id] = true
		touched = touched || w.touched[id]
	}
	survivorIDs := sortedIDs(survivors)
	if len(survivorIDs) == 0 {
		w.dispatching = false
		e.mu.Unlock()
		e.finish(ctx, windowID, false)
		return
	}

	before := fingerprint.Of(snap.Restrict(survivors))
	current := fingerprint.Snapshot(after, survivorIDs, e.now()).Fingerprint
	if touched || epoch != w.epoch || before != current {
		w.requeue(survivorIDs)
		w.dispatching = false
		e.mu.Unlock()
		applog.Info("engine.discard", "window", windowID, "tabs", len(survivorIDs),
			"snapshot", before, "live", current)
		e.finish(ctx, windowID, false)
		return
	}
	e.mu.Unlock()

	failed := make(map[int]bool, len(res.Failed))
	for _, id := range res.Failed {
		failed[id] = true
	}
	entries := e.entriesFor(windowID, res, survivors, failed)
	if err := e.cache.Commit(windowID, entries); err != nil {
		e.abandon(ctx, w, survivorIDs, fmt.Errorf("commit: %w", err))
		return
	}

	e.mu.Lock()
	if e.windows[windowID] != w {
		e.mu.Unlock()
		if err := e.cache.InvalidateWindow(windowID); err != nil {
			applog.Error("engine.commit", err, "window", windowID)
		}
		return
	}
	// Tabs removed or changed while the commit ran lose their fresh entry.
	// An invalidation in that gap voids the whole commit.
	invalidated := epoch != w.epoch
	var stale []int
	for _, id := range survivorIDs {
		if invalidated || !w.inFlight[id] || w.touched[id] {
			stale = append(stale, id)
			if w.inFlight[id] {
				w.requeue([]int{id})
			}
		}
	}
	w.release(survivorIDs)
	w.dispatching = false
	w.lastErr = res.Err()
	e.mu.Unlock()

	for _, id := range stale {
		if _, err := e.cache.Remove(id); err != nil {
			applog.Error("engine.commit", err, "window", windowID, "tab", id)
		}
	}
	if err := res.Err(); err != nil {
		applog.Error("engine.generate", err, "window", windowID, "failed", len(res.Failed))
	}
	if invalidated {
		applog.Info("engine.discard", "window", windowID, "tabs", len(survivorIDs), "reason", "invalidated")
		e.finish(ctx, windowID, false)
		return
	}
	applog.Info("engine.commit", "window", windowID, "entries", len(entries), "failed", len(failed))
	e.finish(ctx, windowID, true)
}

// finish publishes the window's status and re-arms the debounce if tabs were
// queued during the dispatch.
func (e *Engine) finish(ctx context.Context, windowID int, committed bool) {
	e.scheduleIfQueued(windowID)
	e.publish(ctx, windowID)
	if committed && e.opts.Autopilot {
		e.autopilot(ctx, windowID)
	}
}

// abandon gives up the current cycle after a host or storage failure. The
// tabs go back to idle, not to the queue; the next rescan picks them up.
func (e *Engine) abandon(ctx context.Context, w *window, ids []int, err error) {
	e.mu.Lock()
	if e.windows[w.id] != w {
		e.mu.Unlock()
		return
	}
	w.release(ids)
	w.dispatching = false
	w.lastErr = err
	e.mu.Unlock()

	applog.Error("engine.abandon", err, "window", w.id, "tabs", len(ids))
	e.finish(ctx, w.id, false)
}

// entriesFor turns a result into cache entries for the surviving tabs.
// Tabs the model left alone get a negative entry so they are not queued
// again; tabs of failed batches get nothing.
func (e *Engine) entriesFor(windowID int, res inference.Result, survivors, failed map[int]bool) []types.SuggestionEntry {
	ts := e.now()
	done := make(map[int]bool, len(survivors))
	var out []types.SuggestionEntry
	for _, s := range res.Suggestions {
		name := s.Name
		var existing *int
		if s.ExistingGroupID != nil {
			id := *s.ExistingGroupID
			existing = &id
		}
		for _, id := range s.TabIDs {
			if !survivors[id] || done[id] {
				continue
			}
			done[id] = true
			out = append(out, types.SuggestionEntry{
				TabID:           id,
				WindowID:        windowID,
				GroupName:       &name,
				ExistingGroupID: existing,
				Timestamp:       ts,
			})
		}
	}
	for _, id := range sortedIDs(survivors) {
		if done[id] || failed[id] {
			continue
		}
		out = append(out, types.SuggestionEntry{TabID: id, WindowID: windowID, Timestamp: ts})
	}
	return out
}

func tabInputs(s types.WindowSnapshot) []inference.TabInput {
	out := make([]inference.TabInput, 0, len(s.Tabs))
	for _, t := range s.Tabs {
		out = append(out, inference.TabInput{ID: t.ID, Title: t.Title, URL: t.URL})
	}
	return out
}

func groupInputs(s types.WindowSnapshot) []inference.GroupInput {
	out := make([]inference.GroupInput, 0, len(s.ExistingGroups))
	for _, g := range s.ExistingGroups {
		out = append(out, inference.GroupInput{Name: g.Title, ID: g.ID})
	}
	return out
}
