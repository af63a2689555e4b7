// Package engine coordinates grouping suggestions per browser window.
//
// Each window moves through idle, queued (debounce pending), dispatching
// (snapshot handed to the generator) and back. A result is committed only if
// the tabs it covers look the same after the call as they did in the
// snapshot; otherwise it is discarded and the tabs are queued again.
// Windows never wait on each other.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/badge"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/ledger"
	"github.com/lotas/tabgruppen/internal/storage"
	"github.com/lotas/tabgruppen/internal/types"
)

const hostSessionKey = "host_session"

// Options tune the engine.
type Options struct {
	// Debounce is the quiet period after the last qualifying event before a
	// window's queue is dispatched.
	Debounce time.Duration
	// OwnGroupTTL is how long group events caused by our own accept and
	// undo calls are ignored.
	OwnGroupTTL time.Duration
	Grouping    bool
	Dedupe      bool
	// Autopilot accepts every committed proposal right away.
	Autopilot bool
}

func DefaultOptions() Options {
	return Options{
		Debounce:    1500 * time.Millisecond,
		OwnGroupTTL: 10 * time.Second,
		Grouping:    true,
		Dedupe:      true,
	}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Host      Host
	Generator Generator
	Cache     *cache.Cache
	Ledger    *ledger.Ledger
	// DB stores the host session id. Optional.
	DB *sql.DB
	// Scheduler defaults to a TimerScheduler.
	Scheduler Scheduler
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine owns the per-window state and reacts to host events.
type Engine struct {
	host   Host
	gen    Generator
	cache  *cache.Cache
	ledger *ledger.Ledger
	db     *sql.DB
	sched  Scheduler
	now    func() time.Time
	opts   Options

	mu           sync.Mutex
	ctx          context.Context
	windows      map[int]*window
	ownGroups    map[int]time.Time
	expectCreate map[int][]time.Time

	statusMu sync.Mutex
	onStatus []func(types.ProcessingStatus)
}

// New creates an engine. Call Start before feeding events.
func New(deps Deps, opts Options) *Engine {
	if deps.Scheduler == nil {
		deps.Scheduler = NewTimerScheduler()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		host:         deps.Host,
		gen:          deps.Generator,
		cache:        deps.Cache,
		ledger:       deps.Ledger,
		db:           deps.DB,
		sched:        deps.Scheduler,
		now:          deps.Now,
		opts:         opts,
		ctx:          context.Background(),
		windows:      make(map[int]*window),
		ownGroups:    make(map[int]time.Time),
		expectCreate: make(map[int][]time.Time),
	}
}

// OnStatus registers fn to receive every processing status change.
func (e *Engine) OnStatus(fn func(types.ProcessingStatus)) {
	e.statusMu.Lock()
	e.onStatus = append(e.onStatus, fn)
	e.statusMu.Unlock()
}

// Cache returns the suggestion cache the engine writes to.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Start performs the cold start: stale processing flags from a previous
// process are cleared, cached entries of vanished tabs are pruned and every
// eligible uncached tab is queued. ctx is also used for debounced dispatches.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	if err := e.cache.ClearProcessing(); err != nil {
		applog.Error("engine.start", err)
	}
	if err := e.rescanAll(ctx); err != nil {
		return err
	}
	applog.Info("engine.started")
	return nil
}

// Hello records the host's session id. A different id than the stored one
// means the browser restarted, so every tab and window id we hold is
// meaningless: the session scope is cleared and all windows rescanned.
func (e *Engine) Hello(ctx context.Context, sessionID string) error {
	if e.db == nil || sessionID == "" {
		return nil
	}
	prev, err := storage.GetMeta(e.db, hostSessionKey)
	if err != nil {
		return err
	}
	if prev == sessionID {
		return nil
	}
	if prev != "" {
		applog.Info("engine.host_restart", "old", prev, "new", sessionID)
		e.mu.Lock()
		for id := range e.windows {
			e.sched.Cancel(id)
		}
		e.windows = make(map[int]*window)
		e.ownGroups = make(map[int]time.Time)
		e.expectCreate = make(map[int][]time.Time)
		e.mu.Unlock()
		if err := e.cache.Reset(); err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
	}
	if err := storage.SetMeta(e.db, hostSessionKey, sessionID); err != nil {
		return err
	}
	if prev == "" {
		return nil
	}
	return e.rescanAll(ctx)
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// state returns the window's state, creating it. Caller holds mu.
func (e *Engine) state(windowID int) *window {
	w, ok := e.windows[windowID]
	if !ok {
		w = newWindow(windowID)
		e.windows[windowID] = w
	}
	return w
}

// Status returns a window's current processing status.
func (e *Engine) Status(windowID int) types.ProcessingStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := types.ProcessingStatus{WindowID: windowID}
	if w, ok := e.windows[windowID]; ok {
		st.IsProcessing = w.processing()
		if w.lastErr != nil {
			st.Error = w.lastErr.Error()
		}
	}
	return st
}

// Queued returns the ids of a window's queued tabs.
func (e *Engine) Queued(windowID int) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.windows[windowID]; ok {
		return w.queuedIDs()
	}
	return nil
}

// InFlight returns the ids of a window's in-flight tabs.
func (e *Engine) InFlight(windowID int) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.windows[windowID]; ok {
		return w.inFlightIDs()
	}
	return nil
}

func (e *Engine) schedule(windowID int) {
	e.sched.Schedule(windowID, e.opts.Debounce, func() {
		e.dispatch(e.context(), windowID)
	})
}

// scheduleIfQueued arms the debounce if the window has queued tabs.
func (e *Engine) scheduleIfQueued(windowID int) {
	e.mu.Lock()
	w, ok := e.windows[windowID]
	queued := ok && len(w.queued) > 0
	e.mu.Unlock()
	if queued {
		e.schedule(windowID)
	}
}

// publish persists the processing flag, notifies status listeners and
// refreshes the badge.
func (e *Engine) publish(ctx context.Context, windowID int) {
	st := e.Status(windowID)
	if err := e.cache.SetProcessing(windowID, st.IsProcessing); err != nil {
		applog.Error("engine.processing_flag", err, "window", windowID)
	}

	e.statusMu.Lock()
	fns := slices.Clone(e.onStatus)
	e.statusMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}

	e.refreshBadge(ctx, windowID)
}

// BadgeStatus computes a window's badge from the live window.
func (e *Engine) BadgeStatus(ctx context.Context, windowID int) (badge.Status, error) {
	live, err := e.host.Window(ctx, windowID)
	if err != nil {
		return badge.Status{}, err
	}
	return e.badgeFor(live)
}

func (e *Engine) badgeFor(live types.Window) (badge.Status, error) {
	entries, err := e.cache.Get(live.ID)
	if err != nil {
		return badge.Status{}, err
	}
	e.mu.Lock()
	var processing bool
	var lastErr error
	if w, ok := e.windows[live.ID]; ok {
		processing = w.processing()
		lastErr = w.lastErr
	}
	e.mu.Unlock()

	s := badge.Compute(entries, live.Tabs, processing, lastErr)
	if !e.opts.Grouping {
		s.NewGroups = 0
	}
	if !e.opts.Dedupe {
		s.Duplicates = 0
	}
	return s, nil
}

func (e *Engine) refreshBadge(ctx context.Context, windowID int) {
	s, err := e.BadgeStatus(ctx, windowID)
	if err != nil {
		applog.Error("engine.badge", err, "window", windowID)
		return
	}
	text, color := badge.Label(s)
	if err := e.host.SetBadge(ctx, windowID, text, color); err != nil {
		applog.Error("engine.badge", err, "window", windowID)
	}
}

// rescanAll prunes every live window's cache, queues eligible tabs and
// drops cache entries of windows that no longer exist.
func (e *Engine) rescanAll(ctx context.Context) error {
	windows, err := e.host.Windows(ctx)
	if err != nil {
		applog.Error("engine.rescan", err)
		return fmt.Errorf("list windows: %w", err)
	}

	live := make(map[int]bool, len(windows))
	for _, w := range windows {
		live[w.ID] = true
		if _, err := e.cache.Prune(w.ID, w.TabIDs()); err != nil {
			applog.Error("engine.prune", err, "window", w.ID)
		}
	}
	for _, id := range e.cache.Windows() {
		if !live[id] {
			if err := e.cache.InvalidateWindow(id); err != nil {
				applog.Error("engine.prune", err, "window", id)
			}
		}
	}

	queued := 0
	for _, w := range windows {
		n := e.rescan(w)
		queued += n
		if n > 0 {
			e.schedule(w.ID)
		}
		e.refreshBadge(ctx, w.ID)
	}
	applog.Info("engine.rescan", "windows", len(windows), "queued", queued)
	return nil
}

// rescan queues every eligible tab of w. Returns how many were added.
func (e *Engine) rescan(w types.Window) int {
	if !e.opts.Grouping {
		return 0
	}
	entries, err := e.cache.Get(w.ID)
	if err != nil {
		applog.Error("engine.rescan", err, "window", w.ID)
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(w.ID)
	n := 0
	for _, t := range w.Tabs {
		_, cached := entries[t.ID]
		if Eligible(t, cached, st.inFlight[t.ID]) && st.enqueue(t.ID) {
			n++
		}
	}
	return n
}

// TriggerProcessing rescans a window and dispatches its queue now,
// skipping the debounce. When it starts a dispatch it returns once that
// dispatch has finished. When one is already running it returns at once
// and the newly queued tabs are scheduled after the running one ends.
func (e *Engine) TriggerProcessing(ctx context.Context, windowID int) error {
	live, err := e.host.Window(ctx, windowID)
	if err != nil {
		return fmt.Errorf("query window %d: %w", windowID, err)
	}
	if _, err := e.cache.Prune(windowID, live.TabIDs()); err != nil {
		applog.Error("engine.prune", err, "window", windowID)
	}
	e.rescan(live)
	e.sched.Cancel(windowID)
	e.dispatch(ctx, windowID)
	return nil
}

// Regenerate drops every cached decision for a window and recomputes them.
func (e *Engine) Regenerate(ctx context.Context, windowID int) error {
	if err := e.invalidate(windowID); err != nil {
		return err
	}
	return e.TriggerProcessing(ctx, windowID)
}

// invalidate clears a window's cache and marks any in-flight result stale.
func (e *Engine) invalidate(windowID int) error {
	e.mu.Lock()
	e.state(windowID).epoch++
	e.mu.Unlock()
	if err := e.cache.InvalidateWindow(windowID); err != nil {
		return fmt.Errorf("invalidate window %d: %w", windowID, err)
	}
	return nil
}

// OnRulesChanged hands new rules to the generator and regenerates every
// live window, since every cached decision was made under the old rules.
func (e *Engine) OnRulesChanged(ctx context.Context, rules string) {
	if rs, ok := e.gen.(rulesSetter); ok {
		rs.SetRules(rules)
	}
	windows, err := e.host.Windows(ctx)
	if err != nil {
		applog.Error("engine.rules", err)
		return
	}
	for _, w := range windows {
		if err := e.invalidate(w.ID); err != nil {
			applog.Error("engine.rules", err, "window", w.ID)
			continue
		}
		if e.rescan(w) > 0 {
			e.schedule(w.ID)
		}
	}
}

// Maintain is the periodic job: prune, expire own-group markers and rescan
// so tabs released after a failure are retried.
func (e *Engine) Maintain(ctx context.Context) {
	now := e.now()
	e.mu.Lock()
	for id, until := range e.ownGroups {
		if !now.Before(until) {
			delete(e.ownGroups, id)
		}
	}
	for id, pending := range e.expectCreate {
		if len(pending) == 0 || !now.Before(pending[len(pending)-1]) {
			delete(e.expectCreate, id)
		}
	}
	e.mu.Unlock()

	if err := e.rescanAll(ctx); err != nil {
		applog.Error("engine.maintain", err)
	}
}

// StartMaintenance runs Maintain on a cron schedule such as "@every 5m".
// The returned function stops the schedule and waits for a running job.
func (e *Engine) StartMaintenance(ctx context.Context, spec string) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { e.Maintain(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule maintenance %q: %w", spec, err)
	}
	c.Start()
	applog.Info("engine.maintenance", "schedule", spec)
	return func() { <-c.Stop().Done() }, nil
}

// ErrNoProposal is returned when accepting a group that is not proposed.
var ErrNoProposal = errors.New("no such proposal")

// ErrNoDuplicates is returned when deduplicating a URL open only once.
var ErrNoDuplicates = errors.New("no duplicates")
