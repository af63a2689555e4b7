package engine

import (
	"context"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/types"
)

// HandleEvent applies one host event. Failures are logged and never
// returned: one bad event must not stop the stream.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case TabCreated:
		if ev.Tab != nil {
			e.considerTab(*ev.Tab)
		}
	case TabUpdated:
		e.tabUpdated(ctx, ev)
	case TabRemoved:
		e.forgetTab(ev.WindowID, ev.TabID)
		e.refreshBadge(ctx, ev.WindowID)
	case TabActivated:
		e.refreshBadge(ctx, ev.WindowID)
	case TabAttached:
		e.forgetTab(ev.OldWindowID, ev.TabID)
		e.refreshBadge(ctx, ev.OldWindowID)
		if ev.Tab != nil {
			e.considerTab(*ev.Tab)
		}
		e.refreshBadge(ctx, ev.WindowID)
	case GroupCreated, GroupUpdated, GroupRemoved:
		e.groupChanged(ctx, ev)
	case WindowRemoved:
		e.windowRemoved(ev.WindowID)
	default:
		applog.Info("engine.unknown_event", "kind", ev.Kind)
	}
}

// considerTab queues tab if it is eligible and restarts the window's
// debounce.
func (e *Engine) considerTab(tab types.Tab) {
	if !e.opts.Grouping {
		return
	}
	_, cached, err := e.cache.Lookup(tab.ID)
	if err != nil {
		applog.Error("engine.lookup", err, "tab", tab.ID)
		return
	}

	e.mu.Lock()
	w := e.state(tab.WindowID)
	eligible := Eligible(tab, cached, w.inFlight[tab.ID])
	if eligible {
		w.enqueue(tab.ID)
	}
	e.mu.Unlock()

	if eligible {
		e.schedule(tab.WindowID)
	}
}

func (e *Engine) tabUpdated(ctx context.Context, ev Event) {
	if ev.Tab == nil {
		return
	}
	tab := *ev.Tab
	relevant := ev.changed(ChangeURL) || ev.changed(ChangeTitle) || ev.changed(ChangeGroupID) || ev.changed(ChangePinned)

	e.mu.Lock()
	w := e.state(tab.WindowID)
	if relevant {
		w.touch(tab.ID)
	}
	if tab.Grouped() || tab.Pinned || !groupableURL(tab.URL) {
		delete(w.queued, tab.ID)
	}
	e.mu.Unlock()

	// A new URL or a tab that is now grouped makes the old decision moot.
	if ev.changed(ChangeURL) || (ev.changed(ChangeGroupID) && tab.Grouped()) || (ev.changed(ChangePinned) && tab.Pinned) {
		if _, err := e.cache.Remove(tab.ID); err != nil {
			applog.Error("engine.remove", err, "tab", tab.ID)
		}
	}
	e.considerTab(tab)

	if ev.changed(ChangeURL) || ev.changed(ChangeGroupID) || ev.changed(ChangePinned) {
		e.refreshBadge(ctx, tab.WindowID)
	}
}

// forgetTab drops a tab from a window's queue and in-flight set and deletes
// its cache entry. A removed tab never gets a cache write afterwards.
func (e *Engine) forgetTab(windowID, tabID int) {
	e.mu.Lock()
	if w, ok := e.windows[windowID]; ok {
		w.drop(tabID)
	}
	e.mu.Unlock()

	if _, err := e.cache.Remove(tabID); err != nil {
		applog.Error("engine.remove", err, "tab", tabID)
	}
}

// groupChanged invalidates a window after an external group mutation and
// requeues every ungrouped tab, since the set of existing groups the cached
// decisions were made against has changed.
func (e *Engine) groupChanged(ctx context.Context, ev Event) {
	windowID := ev.WindowID
	groupID := types.NoGroup
	if ev.Group != nil {
		groupID = ev.Group.ID
		if windowID == 0 {
			windowID = ev.Group.WindowID
		}
	}
	if e.ownGroupEvent(ev.Kind, windowID, groupID) {
		applog.Info("engine.own_group", "window", windowID, "group", groupID, "kind", ev.Kind)
		return
	}

	applog.Info("engine.group_changed", "window", windowID, "group", groupID, "kind", ev.Kind)
	if err := e.invalidate(windowID); err != nil {
		applog.Error("engine.invalidate", err, "window", windowID)
		return
	}
	live, err := e.host.Window(ctx, windowID)
	if err != nil {
		applog.Error("engine.group_changed", err, "window", windowID)
		return
	}
	if e.rescan(live) > 0 {
		e.schedule(windowID)
	}
	e.refreshBadge(ctx, windowID)
}

// expectOwnGroup announces that we are about to create a group in windowID.
func (e *Engine) expectOwnGroup(windowID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expectCreate[windowID] = append(e.expectCreate[windowID], e.now().Add(e.opts.OwnGroupTTL))
}

// claimOwnGroup settles an expectation after CreateGroup returned. If the
// GroupCreated event already consumed it, only the marker is refreshed.
// groupID NoGroup drops the expectation of a failed create.
func (e *Engine) claimOwnGroup(windowID, groupID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.ownGroups[groupID]; !seen {
		if pending := e.expectCreate[windowID]; len(pending) > 1 {
			e.expectCreate[windowID] = pending[1:]
		} else {
			delete(e.expectCreate, windowID)
		}
	}
	if groupID != types.NoGroup {
		e.ownGroups[groupID] = e.now().Add(e.opts.OwnGroupTTL)
	}
}

// markOwnGroup ignores events for groupID for a while.
func (e *Engine) markOwnGroup(groupID int) {
	if groupID == types.NoGroup {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ownGroups[groupID] = e.now().Add(e.opts.OwnGroupTTL)
}

// ownGroupEvent reports whether a group event was caused by our own accept
// or undo. A GroupCreated matching a pending expectation consumes it and
// marks the new group as ours.
func (e *Engine) ownGroupEvent(kind EventKind, windowID, groupID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	if until, ok := e.ownGroups[groupID]; ok {
		if now.Before(until) {
			return true
		}
		delete(e.ownGroups, groupID)
	}
	if kind != GroupCreated {
		return false
	}
	pending := e.expectCreate[windowID]
	for len(pending) > 0 && !now.Before(pending[0]) {
		pending = pending[1:]
	}
	if len(pending) == 0 {
		delete(e.expectCreate, windowID)
		return false
	}
	e.expectCreate[windowID] = pending[1:]
	e.ownGroups[groupID] = now.Add(e.opts.OwnGroupTTL)
	return true
}

func (e *Engine) windowRemoved(windowID int) {
	e.sched.Cancel(windowID)
	e.mu.Lock()
	delete(e.windows, windowID)
	delete(e.expectCreate, windowID)
	e.mu.Unlock()

	if err := e.cache.InvalidateWindow(windowID); err != nil {
		applog.Error("engine.window_removed", err, "window", windowID)
	}
	if err := e.cache.SetProcessing(windowID, false); err != nil {
		applog.Error("engine.window_removed", err, "window", windowID)
	}
	if e.ledger != nil {
		if err := e.ledger.Forget(windowID); err != nil {
			applog.Error("engine.window_removed", err, "window", windowID)
		}
	}
	applog.Info("engine.window_removed", "window", windowID)
}
