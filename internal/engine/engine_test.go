package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/inference"
	"github.com/lotas/tabgruppen/internal/types"
)

func TestCommitGroupsTabs(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())

	require.NoError(t, h.e.Start(ctx))
	assert.Equal(t, []int{1, 2}, h.e.Queued(1))
	require.True(t, h.sched.Pending(1))
	assert.Equal(t, 1500*time.Millisecond, h.sched.Delay(1))

	require.True(t, h.sched.Fire(1))

	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, id := range []int{1, 2} {
		require.NotNil(t, entries[id].GroupName)
		assert.Equal(t, "Work", *entries[id].GroupName)
		assert.Nil(t, entries[id].ExistingGroupID)
		assert.Equal(t, 1, entries[id].WindowID)
	}
	assert.Empty(t, h.e.Queued(1))
	assert.Empty(t, h.e.InFlight(1))
	assert.False(t, h.e.Status(1).IsProcessing)
	assert.Empty(t, h.e.Status(1).Error)
	assert.False(t, h.sched.Pending(1))
	assert.Equal(t, "1", h.host.badge(1))
	assert.Equal(t, 1, prov.callCount())
}

func TestClosedTabIsNotCommitted(t *testing.T) {
	cases := []struct {
		name  string
		event bool
	}{
		{"with remove event", true},
		{"before remove event arrives", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
			h := newHarness(t, prov, DefaultOptions(), docsWindow())
			prov.before = func(inference.BatchRequest) {
				h.host.removeTab(2)
				if tc.event {
					h.e.HandleEvent(ctx, Event{Kind: TabRemoved, WindowID: 1, TabID: 2})
				}
			}

			require.NoError(t, h.e.Start(ctx))
			h.sched.Fire(1)

			entries, err := h.cache.Get(1)
			require.NoError(t, err)
			assert.Equal(t, map[int]string{1: "Work"}, entryNames(entries))
			assert.Empty(t, h.e.Queued(1))
			assert.Empty(t, h.e.InFlight(1))
		})
	}
}

func TestChangedTitleDiscardsResult(t *testing.T) {
	cases := []struct {
		name  string
		event bool
	}{
		{"reported by event", true},
		{"seen only in live read", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
			h := newHarness(t, prov, DefaultOptions(), docsWindow())
			prov.before = func(inference.BatchRequest) {
				updated := h.host.setTitle(1, "Holiday plans")
				if tc.event {
					h.e.HandleEvent(ctx, Event{Kind: TabUpdated, WindowID: 1, TabID: 1, Tab: &updated, Changes: []string{ChangeTitle}})
				}
			}

			require.NoError(t, h.e.Start(ctx))
			h.sched.Fire(1)

			entries, err := h.cache.Get(1)
			require.NoError(t, err)
			assert.Empty(t, entries)
			assert.Equal(t, []int{1, 2}, h.e.Queued(1))
			assert.Empty(t, h.e.InFlight(1))
			require.True(t, h.sched.Pending(1))

			// The next dispatch sees a stable window and commits.
			h.sched.Fire(1)
			entries, err = h.cache.Get(1)
			require.NoError(t, err)
			assert.Equal(t, map[int]string{1: "Work", 2: "Work"}, entryNames(entries))
			assert.Equal(t, 2, prov.callCount())
		})
	}
}

func TestGroupCreatedDuringDispatchDiscards(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	prov.before = func(inference.BatchRequest) {
		g := types.TabGroup{ID: 7, WindowID: 1, Title: "Elsewhere"}
		h.host.addGroup(1, g)
		h.e.HandleEvent(ctx, Event{Kind: GroupCreated, WindowID: 1, Group: &g})
	}

	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []int{1, 2}, h.e.Queued(1))
}

func TestGroupCreatedDuringCommitDiscards(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())

	// The group event lands after the staleness check, while the result is
	// being written.
	var fired bool
	unsubscribe := h.cache.Subscribe(func(u cache.Update) {
		if fired || u.WindowID != 1 {
			return
		}
		if e, ok := u.Entries[1]; !ok || e.GroupName == nil {
			return
		}
		fired = true
		g := types.TabGroup{ID: 7, WindowID: 1, Title: "Work"}
		h.host.addGroup(1, g)
		h.e.HandleEvent(ctx, Event{Kind: GroupCreated, WindowID: 1, Group: &g})
	})
	defer unsubscribe()

	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)
	require.True(t, fired)

	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []int{1, 2}, h.e.Queued(1))
	require.True(t, h.sched.Pending(1))

	h.sched.Fire(1)
	entries, err = h.cache.Get(1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, id := range []int{1, 2} {
		require.NotNil(t, entries[id].ExistingGroupID)
		assert.Equal(t, 7, *entries[id].ExistingGroupID)
	}
}

func TestTabQueuedDuringDispatchWaits(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	var seen []int
	prov.before = func(req inference.BatchRequest) {
		for _, tb := range req.Tabs {
			seen = append(seen, tb.ID)
		}
		nt := tab(3, 1, "Doc C", "https://docs.com/c")
		h.host.mu.Lock()
		h.host.windows[1].Tabs = append(h.host.windows[1].Tabs, nt)
		h.host.mu.Unlock()
		h.e.HandleEvent(ctx, Event{Kind: TabCreated, WindowID: 1, TabID: 3, Tab: &nt})
		assert.Equal(t, []int{1, 2}, h.e.InFlight(1))
		assert.Equal(t, []int{3}, h.e.Queued(1))
	}

	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	assert.Equal(t, []int{1, 2}, seen)
	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, []int{3}, h.e.Queued(1))
	assert.True(t, h.sched.Pending(1))
}

func TestTriggerDuringDispatchReturnsAtOnce(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work","3":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	prov.before = func(inference.BatchRequest) {
		nt := tab(3, 1, "Doc C", "https://docs.com/c")
		h.host.mu.Lock()
		h.host.windows[1].Tabs = append(h.host.windows[1].Tabs, nt)
		h.host.mu.Unlock()

		require.NoError(t, h.e.TriggerProcessing(ctx, 1))
		assert.Equal(t, []int{1, 2}, h.e.InFlight(1))
		assert.Equal(t, []int{3}, h.e.Queued(1))
	}

	require.NoError(t, h.e.TriggerProcessing(ctx, 1))
	assert.Equal(t, 1, prov.callCount())
	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, []int{3}, h.e.Queued(1))
	require.True(t, h.sched.Pending(1))

	h.sched.Fire(1)
	entries, err = h.cache.Get(1)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, 2, prov.callCount())
}

func TestFailureReleasesTabs(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{err: errors.New("model offline")}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())

	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, h.e.Queued(1))
	assert.Empty(t, h.e.InFlight(1))
	assert.False(t, h.sched.Pending(1))
	st := h.e.Status(1)
	assert.False(t, st.IsProcessing)
	assert.Contains(t, st.Error, "model offline")
	assert.Equal(t, "!", h.host.badge(1))

	// Maintenance picks the released tabs up again.
	prov.mu.Lock()
	prov.err = nil
	prov.text = `{"1":"Work","2":"Work"}`
	prov.mu.Unlock()
	h.e.Maintain(ctx)
	assert.Equal(t, []int{1, 2}, h.e.Queued(1))
	h.sched.Fire(1)
	entries, err = h.cache.Get(1)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Empty(t, h.e.Status(1).Error)
}

func TestMissingProviderSurfacesConfigError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, DefaultOptions(), docsWindow())

	require.NoError(t, h.e.TriggerProcessing(ctx, 1))

	assert.NotEmpty(t, h.e.Status(1).Error)
	assert.Empty(t, h.e.InFlight(1))
	assert.Equal(t, "!", h.host.badge(1))
}

func TestHostFailureAbandonsCycle(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	require.NoError(t, h.e.Start(ctx))

	h.host.mu.Lock()
	h.host.failQuery = true
	h.host.mu.Unlock()
	h.sched.Fire(1)

	assert.Equal(t, 0, prov.callCount())
	assert.Empty(t, h.e.Queued(1))
	assert.Empty(t, h.e.InFlight(1))
	assert.Contains(t, h.e.Status(1).Error, "host unavailable")
}

func TestProcessingStatusBroadcast(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())

	var mu sync.Mutex
	var seen []bool
	h.e.OnStatus(func(st types.ProcessingStatus) {
		mu.Lock()
		defer mu.Unlock()
		if st.WindowID == 1 {
			seen = append(seen, st.IsProcessing)
		}
	})
	prov.before = func(inference.BatchRequest) {
		assert.True(t, h.cache.Processing(1))
		assert.Equal(t, "…", h.host.badge(1))
	}

	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, seen)
	assert.False(t, h.cache.Processing(1))
}

func TestWindowsAreIndependent(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work","11":"News","12":"News"}`}
	w2 := types.Window{ID: 2, Tabs: []types.Tab{
		tab(11, 2, "Headlines", "https://news.com/1"),
		tab(12, 2, "More headlines", "https://news.com/2"),
	}}
	h := newHarness(t, prov, DefaultOptions(), docsWindow(), w2)
	prov.before = func(inference.BatchRequest) {
		h.host.setTitle(1, "Something else")
	}

	require.NoError(t, h.e.Start(ctx))
	require.True(t, h.sched.Pending(1))
	require.True(t, h.sched.Pending(2))
	h.sched.Fire(1)
	h.sched.Fire(2)

	e1, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Empty(t, e1)
	assert.Equal(t, []int{1, 2}, h.e.Queued(1))

	e2, err := h.cache.Get(2)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{11: "News", 12: "News"}, entryNames(e2))
	assert.Empty(t, h.e.Queued(2))
}

func TestDebounceRestartsOnEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &textProvider{text: `{}`}, DefaultOptions(), types.Window{ID: 1})
	require.NoError(t, h.e.Start(ctx))
	require.False(t, h.sched.Pending(1))

	loading := tab(1, 1, "", "https://docs.com/a")
	loading.Status = types.StatusLoading
	h.e.HandleEvent(ctx, Event{Kind: TabCreated, WindowID: 1, TabID: 1, Tab: &loading})
	assert.Empty(t, h.e.Queued(1))
	assert.False(t, h.sched.Pending(1))

	done := tab(1, 1, "Doc A", "https://docs.com/a")
	h.e.HandleEvent(ctx, Event{Kind: TabUpdated, WindowID: 1, TabID: 1, Tab: &done, Changes: []string{ChangeStatus, ChangeTitle}})
	other := tab(2, 1, "Doc B", "https://docs.com/b")
	h.e.HandleEvent(ctx, Event{Kind: TabCreated, WindowID: 1, TabID: 2, Tab: &other})

	assert.Equal(t, []int{1, 2}, h.e.Queued(1))
	assert.Equal(t, 2, h.sched.Scheduled(1))
	assert.Equal(t, DefaultOptions().Debounce, h.sched.Delay(1))
}

func TestRemovedTabLeavesQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &textProvider{text: `{}`}, DefaultOptions(), docsWindow())
	require.NoError(t, h.e.Start(ctx))

	h.host.removeTab(1)
	h.e.HandleEvent(ctx, Event{Kind: TabRemoved, WindowID: 1, TabID: 1})
	assert.Equal(t, []int{2}, h.e.Queued(1))
}

func TestUpdatedTabCacheEntry(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	// A title change alone keeps the decision.
	t1 := h.host.setTitle(1, "Doc A (edited)")
	h.e.HandleEvent(ctx, Event{Kind: TabUpdated, WindowID: 1, TabID: 1, Tab: &t1, Changes: []string{ChangeTitle}})
	_, ok, err := h.cache.Lookup(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, h.e.Queued(1))

	// A new URL drops it and queues the tab again.
	t1.URL = "https://other.com/"
	h.e.HandleEvent(ctx, Event{Kind: TabUpdated, WindowID: 1, TabID: 1, Tab: &t1, Changes: []string{ChangeURL}})
	_, ok, err = h.cache.Lookup(1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []int{1}, h.e.Queued(1))

	// Grouped by the user: dropped and not queued.
	t2, _ := docsWindow().Tab(2)
	t2.GroupID = 40
	h.e.HandleEvent(ctx, Event{Kind: TabUpdated, WindowID: 1, TabID: 2, Tab: &t2, Changes: []string{ChangeGroupID}})
	_, ok, err = h.cache.Lookup(2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []int{1}, h.e.Queued(1))
}

func TestExternalGroupChangeInvalidates(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	g := types.TabGroup{ID: 7, WindowID: 1, Title: "Reading"}
	h.host.addGroup(1, g)
	h.e.HandleEvent(ctx, Event{Kind: GroupCreated, WindowID: 1, Group: &g})

	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []int{1, 2}, h.e.Queued(1))
	assert.True(t, h.sched.Pending(1))
}

func fourTabWindow() types.Window {
	return types.Window{ID: 1, Tabs: []types.Tab{
		tab(1, 1, "Doc A", "https://docs.com/a"),
		tab(2, 1, "Doc B", "https://docs.com/b"),
		tab(3, 1, "Headlines", "https://news.com/1"),
		tab(4, 1, "More headlines", "https://news.com/2"),
	}}
}

func TestAcceptGroupSuppressesOwnEvents(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work","3":"News","4":"News"}`}
	h := newHarness(t, prov, DefaultOptions(), fourTabWindow())
	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	props, err := h.e.Proposals(ctx, 1)
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "News", props[0].Name)
	assert.Equal(t, "Work", props[1].Name)

	p, err := h.e.AcceptGroup(ctx, 1, "Work", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, p.TabIDs)

	live, err := h.host.Window(ctx, 1)
	require.NoError(t, err)
	require.Len(t, live.Groups, 1)
	created := live.Groups[0]
	assert.Equal(t, "Work", created.Title)

	// The browser echoes our own change; it must not wipe the other proposal.
	h.e.HandleEvent(ctx, Event{Kind: GroupCreated, WindowID: 1, Group: &created})
	h.e.HandleEvent(ctx, Event{Kind: GroupUpdated, WindowID: 1, Group: &created})

	props, err = h.e.Proposals(ctx, 1)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "News", props[0].Name)
	assert.Equal(t, []int{3, 4}, props[0].TabIDs)

	history, err := h.e.History(1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.ActionGroup, history[0].Kind)

	_, err = h.e.AcceptGroup(ctx, 1, "Nope", nil)
	assert.ErrorIs(t, err, ErrNoProposal)

	// A group the user creates right after is still external.
	ext := types.TabGroup{ID: 300, WindowID: 1, Title: "Mine"}
	h.host.addGroup(1, ext)
	h.e.HandleEvent(ctx, Event{Kind: GroupCreated, WindowID: 1, Group: &ext})
	props, err = h.e.Proposals(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, props)
	assert.Equal(t, []int{3, 4}, h.e.Queued(1))
}

func TestAcceptIntoExistingGroup(t *testing.T) {
	ctx := context.Background()
	win := docsWindow()
	win.Groups = []types.TabGroup{{ID: 50, WindowID: 1, Title: "Docs"}}
	prov := &textProvider{text: `{"1":"Docs","2":"Docs"}`}
	h := newHarness(t, prov, DefaultOptions(), win)
	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	props, err := h.e.Proposals(ctx, 1)
	require.NoError(t, err)
	require.Len(t, props, 1)
	require.NotNil(t, props[0].ExistingGroupID)
	assert.Equal(t, 50, *props[0].ExistingGroupID)

	_, err = h.e.AcceptGroup(ctx, 1, "Docs", props[0].ExistingGroupID)
	require.NoError(t, err)
	live, err := h.host.Window(ctx, 1)
	require.NoError(t, err)
	for _, tb := range live.Tabs {
		assert.Equal(t, 50, tb.GroupID)
	}
	assert.Len(t, live.Groups, 1)
}

func TestUndoGroup(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)
	_, err := h.e.AcceptGroup(ctx, 1, "Work", nil)
	require.NoError(t, err)

	a, err := h.e.Undo(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, types.ActionGroup, a.Kind)
	assert.Equal(t, []int{1, 2}, h.host.ungrouped)

	history, err := h.e.History(1)
	require.NoError(t, err)
	assert.Empty(t, history)

	a, err = h.e.Undo(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func dupWindow() types.Window {
	w := types.Window{ID: 1, Tabs: []types.Tab{
		tab(1, 1, "A", "https://x.com/a"),
		tab(2, 1, "A", "https://x.com/a"),
		tab(3, 1, "A", "https://x.com/a/"),
		tab(4, 1, "B", "https://x.com/b"),
	}}
	w.Tabs[1].Active = true
	return w
}

func TestDeduplicateAndUndo(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Grouping = false
	h := newHarness(t, nil, opts, dupWindow())
	require.NoError(t, h.e.Start(ctx))

	sets, err := h.e.Duplicates(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, 2, sets[0].Survivor)
	assert.Equal(t, []int{1, 3}, sets[0].Close)
	assert.Equal(t, "2", h.host.badge(1))

	closed, err := h.e.Deduplicate(ctx, 1, "https://x.com/a")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, closed)

	live, err := h.host.Window(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, live.TabIDs())
	assert.Equal(t, "", h.host.badge(1))

	_, err = h.e.Deduplicate(ctx, 1, "https://x.com/b")
	assert.ErrorIs(t, err, ErrNoDuplicates)

	a, err := h.e.Undo(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, types.ActionDeduplicate, a.Kind)
	assert.Equal(t, []string{"https://x.com/a", "https://x.com/a/"}, h.host.opened)
}

func TestDeduplicateAll(t *testing.T) {
	ctx := context.Background()
	w := dupWindow()
	w.Tabs = append(w.Tabs, tab(5, 1, "B", "https://x.com/b"))
	h := newHarness(t, nil, DefaultOptions(), w)

	closed, err := h.e.DeduplicateAll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, closed)

	history, err := h.e.History(1)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestColdStartPrunesAndSkipsCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &textProvider{text: `{}`}, DefaultOptions(), docsWindow())
	name := "Work"
	require.NoError(t, h.cache.Commit(1, []types.SuggestionEntry{
		{TabID: 1, WindowID: 1, GroupName: &name},
		{TabID: 99, WindowID: 1, GroupName: &name},
	}))
	require.NoError(t, h.cache.Commit(9, []types.SuggestionEntry{{TabID: 90, WindowID: 9}}))
	require.NoError(t, h.cache.SetProcessing(1, true))

	require.NoError(t, h.e.Start(ctx))

	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "Work"}, entryNames(entries))
	gone, err := h.cache.Get(9)
	require.NoError(t, err)
	assert.Empty(t, gone)
	assert.False(t, h.cache.Processing(1))
	assert.Equal(t, []int{2}, h.e.Queued(1))
}

func TestHelloResetsOnNewSession(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	require.NoError(t, h.e.Hello(ctx, "session-a"))
	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	require.NoError(t, h.e.Hello(ctx, "session-a"))
	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, h.e.Hello(ctx, "session-b"))
	entries, err = h.cache.Get(1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []int{1, 2}, h.e.Queued(1))
}

func TestWindowRemovedDropsState(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)
	_, err := h.e.AcceptGroup(ctx, 1, "Work", nil)
	require.NoError(t, err)

	h.e.HandleEvent(ctx, Event{Kind: WindowRemoved, WindowID: 1})

	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	history, err := h.e.History(1)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Nil(t, h.e.Queued(1))
}

func TestRegenerateReplacesEntries(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	prov.mu.Lock()
	prov.text = `{"1":"Reading","2":null}`
	prov.mu.Unlock()
	require.NoError(t, h.e.Regenerate(ctx, 1))

	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "Reading", 2: ""}, entryNames(entries))
	assert.Equal(t, 2, prov.callCount())
}

func TestRulesChangeRegenerates(t *testing.T) {
	ctx := context.Background()
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, DefaultOptions(), docsWindow())
	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	h.e.OnRulesChanged(ctx, "Put docs in Reading")
	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []int{1, 2}, h.e.Queued(1))
	assert.Equal(t, "Put docs in Reading", h.e.gen.(*inference.Orchestrator).Rules())
}

func TestAutopilotAcceptsCommitted(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Autopilot = true
	prov := &textProvider{text: `{"1":"Work","2":"Work"}`}
	h := newHarness(t, prov, opts, docsWindow())
	require.NoError(t, h.e.Start(ctx))
	h.sched.Fire(1)

	live, err := h.host.Window(ctx, 1)
	require.NoError(t, err)
	require.Len(t, live.Groups, 1)
	for _, tb := range live.Tabs {
		assert.Equal(t, live.Groups[0].ID, tb.GroupID)
	}
	entries, err := h.cache.Get(1)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMaintenanceSchedule(t *testing.T) {
	h := newHarness(t, nil, DefaultOptions(), docsWindow())
	_, err := h.e.StartMaintenance(context.Background(), "not a schedule")
	assert.Error(t, err)

	stop, err := h.e.StartMaintenance(context.Background(), "@every 1h")
	require.NoError(t, err)
	stop()
}

func TestEligible(t *testing.T) {
	base := tab(1, 1, "Doc", "https://docs.com/a")
	cases := []struct {
		name     string
		mutate   func(*types.Tab)
		cached   bool
		inFlight bool
		want     bool
	}{
		{"plain https", func(*types.Tab) {}, false, false, true},
		{"plain http", func(t *types.Tab) { t.URL = "http://docs.com" }, false, false, true},
		{"grouped", func(t *types.Tab) { t.GroupID = 3 }, false, false, false},
		{"pinned", func(t *types.Tab) { t.Pinned = true }, false, false, false},
		{"loading", func(t *types.Tab) { t.Status = types.StatusLoading }, false, false, false},
		{"about page", func(t *types.Tab) { t.URL = "about:newtab" }, false, false, false},
		{"extension page", func(t *types.Tab) { t.URL = "moz-extension://abc/ui.html" }, false, false, false},
		{"file", func(t *types.Tab) { t.URL = "file:///tmp/x" }, false, false, false},
		{"empty url", func(t *types.Tab) { t.URL = "" }, false, false, false},
		{"cached", func(*types.Tab) {}, true, false, false},
		{"in flight", func(*types.Tab) {}, false, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tb := base
			tc.mutate(&tb)
			assert.Equal(t, tc.want, Eligible(tb, tc.cached, tc.inFlight))
		})
	}
}

func TestWindowStateTransitions(t *testing.T) {
	w := newWindow(1)
	assert.True(t, w.idle())
	assert.True(t, w.enqueue(5))
	assert.False(t, w.enqueue(5))
	assert.False(t, w.idle())

	assert.Equal(t, []int{5}, w.takeQueue())
	assert.True(t, w.processing())
	assert.False(t, w.enqueue(5))
	assert.True(t, w.touch(5))
	assert.False(t, w.touch(6))

	w.requeue([]int{5})
	assert.False(t, w.processing())
	assert.Empty(t, w.touched)
	assert.Equal(t, []int{5}, w.queuedIDs())

	w.drop(5)
	assert.True(t, w.idle())
}
