package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/inference"
	"github.com/lotas/tabgruppen/internal/ledger"
	"github.com/lotas/tabgruppen/internal/storage"
	"github.com/lotas/tabgruppen/internal/types"
)

var errNoWindow = errors.New("no such window")

// fakeHost is an in-memory browser.
type fakeHost struct {
	mu        sync.Mutex
	windows   map[int]*types.Window
	nextGroup int
	nextTab   int
	badges    map[int]string
	opened    []string
	ungrouped []int
	failQuery bool
}

func newFakeHost(windows ...types.Window) *fakeHost {
	h := &fakeHost{
		windows:   make(map[int]*types.Window),
		nextGroup: 100,
		nextTab:   1000,
		badges:    make(map[int]string),
	}
	for _, w := range windows {
		w := w
		h.windows[w.ID] = &w
	}
	return h
}

func copyWindow(w *types.Window) types.Window {
	return types.Window{
		ID:     w.ID,
		Tabs:   append([]types.Tab(nil), w.Tabs...),
		Groups: append([]types.TabGroup(nil), w.Groups...),
	}
}

func (h *fakeHost) Windows(ctx context.Context) ([]types.Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]int, 0, len(h.windows))
	for id := range h.windows {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]types.Window, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyWindow(h.windows[id]))
	}
	return out, nil
}

func (h *fakeHost) Window(ctx context.Context, windowID int) (types.Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failQuery {
		return types.Window{}, errors.New("host unavailable")
	}
	w, ok := h.windows[windowID]
	if !ok {
		return types.Window{}, errNoWindow
	}
	return copyWindow(w), nil
}

func (h *fakeHost) CreateGroup(ctx context.Context, windowID int, tabIDs []int, title string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.windows[windowID]
	if !ok {
		return 0, errNoWindow
	}
	h.nextGroup++
	w.Groups = append(w.Groups, types.TabGroup{ID: h.nextGroup, WindowID: windowID, Title: title})
	h.setGroupLocked(tabIDs, h.nextGroup)
	return h.nextGroup, nil
}

func (h *fakeHost) AddToGroup(ctx context.Context, groupID int, tabIDs []int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setGroupLocked(tabIDs, groupID)
	return nil
}

func (h *fakeHost) Ungroup(ctx context.Context, tabIDs []int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ungrouped = append(h.ungrouped, tabIDs...)
	h.setGroupLocked(tabIDs, types.NoGroup)
	return nil
}

func (h *fakeHost) setGroupLocked(tabIDs []int, groupID int) {
	want := make(map[int]bool, len(tabIDs))
	for _, id := range tabIDs {
		want[id] = true
	}
	for _, w := range h.windows {
		for i := range w.Tabs {
			if want[w.Tabs[i].ID] {
				w.Tabs[i].GroupID = groupID
			}
		}
	}
}

func (h *fakeHost) CloseTabs(ctx context.Context, tabIDs []int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range tabIDs {
		h.removeLocked(id)
	}
	return nil
}

func (h *fakeHost) OpenURL(ctx context.Context, windowID int, url string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.windows[windowID]
	if !ok {
		return 0, errNoWindow
	}
	h.nextTab++
	h.opened = append(h.opened, url)
	w.Tabs = append(w.Tabs, types.Tab{ID: h.nextTab, WindowID: windowID, URL: url, GroupID: types.NoGroup, Status: types.StatusLoading})
	return h.nextTab, nil
}

func (h *fakeHost) SetBadge(ctx context.Context, windowID int, text, color string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.badges[windowID] = text
	return nil
}

func (h *fakeHost) removeTab(tabID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(tabID)
}

func (h *fakeHost) removeLocked(tabID int) {
	for _, w := range h.windows {
		for i, t := range w.Tabs {
			if t.ID == tabID {
				w.Tabs = append(w.Tabs[:i], w.Tabs[i+1:]...)
				return
			}
		}
	}
}

func (h *fakeHost) setTitle(tabID int, title string) types.Tab {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.windows {
		for i := range w.Tabs {
			if w.Tabs[i].ID == tabID {
				w.Tabs[i].Title = title
				return w.Tabs[i]
			}
		}
	}
	panic(fmt.Sprintf("no tab %d", tabID))
}

func (h *fakeHost) addGroup(windowID int, g types.TabGroup) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.windows[windowID].Groups = append(h.windows[windowID].Groups, g)
}

func (h *fakeHost) badge(windowID int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.badges[windowID]
}

// textProvider answers every batch with the same model text. before runs
// inside the call, while the engine waits for the result.
type textProvider struct {
	mu     sync.Mutex
	text   string
	err    error
	before func(req inference.BatchRequest)
	calls  int
}

func (p *textProvider) Name() string { return "text" }

func (p *textProvider) Generate(ctx context.Context, req inference.BatchRequest) ([]inference.Assignment, error) {
	p.mu.Lock()
	p.calls++
	before := p.before
	p.before = nil
	text, err := p.text, p.err
	p.mu.Unlock()

	if before != nil {
		before(req)
	}
	if err != nil {
		return nil, err
	}
	return inference.ParseAssignments(text)
}

func (p *textProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type harness struct {
	e      *Engine
	host   *fakeHost
	sched  *ManualScheduler
	cache  *cache.Cache
	ledger *ledger.Ledger
	prov   *textProvider
}

func newHarness(t *testing.T, prov *textProvider, opts Options, windows ...types.Window) *harness {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var p inference.Provider
	if prov != nil {
		p = prov
	}
	h := &harness{
		host:   newFakeHost(windows...),
		sched:  NewManualScheduler(),
		cache:  cache.New(db),
		ledger: ledger.New(db, ledger.DefaultCapacity),
		prov:   prov,
	}
	h.e = New(Deps{
		Host:      h.host,
		Generator: inference.New(p, inference.Options{Attempts: 1}),
		Cache:     h.cache,
		Ledger:    h.ledger,
		DB:        db,
		Scheduler: h.sched,
	}, opts)
	return h
}

func tab(id, windowID int, title, url string) types.Tab {
	return types.Tab{
		ID:       id,
		WindowID: windowID,
		Title:    title,
		URL:      url,
		GroupID:  types.NoGroup,
		Status:   types.StatusComplete,
	}
}

func docsWindow() types.Window {
	return types.Window{ID: 1, Tabs: []types.Tab{
		tab(1, 1, "Doc A", "https://docs.com/a"),
		tab(2, 1, "Doc B", "https://docs.com/b"),
	}}
}

func entryNames(m map[int]types.SuggestionEntry) map[int]string {
	out := make(map[int]string, len(m))
	for id, e := range m {
		if e.GroupName == nil {
			out[id] = ""
		} else {
			out[id] = *e.GroupName
		}
	}
	return out
}
