package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/lotas/tabgruppen/internal/analyzer"
	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/types"
)

// Proposal is one suggested group as the UI shows it.
type Proposal struct {
	Name string `json:"name"`
	// ExistingGroupID is set when the tabs should join a real group.
	ExistingGroupID *int  `json:"existingGroupId"`
	TabIDs          []int `json:"tabIds"`
}

// DuplicateSet is one URL open in several tabs.
type DuplicateSet struct {
	URL      string `json:"url"`
	Survivor int    `json:"survivor"`
	Close    []int  `json:"close"`
}

// Proposals returns the grouped suggestions for a window, ignoring entries
// of tabs that are gone or already grouped. Ordered by name.
func (e *Engine) Proposals(ctx context.Context, windowID int) ([]Proposal, error) {
	live, err := e.host.Window(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("query window %d: %w", windowID, err)
	}
	entries, err := e.cache.Get(windowID)
	if err != nil {
		return nil, err
	}
	return proposalsFor(live, entries), nil
}

func proposalsFor(live types.Window, entries map[int]types.SuggestionEntry) []Proposal {
	byKey := make(map[string]*Proposal)
	for _, t := range live.Tabs {
		e, ok := entries[t.ID]
		if !ok || !e.Grouped() || t.Grouped() {
			continue
		}
		key := "new:" + *e.GroupName
		if e.ExistingGroupID != nil {
			key = fmt.Sprintf("group:%d", *e.ExistingGroupID)
		}
		p, ok := byKey[key]
		if !ok {
			p = &Proposal{Name: *e.GroupName, ExistingGroupID: e.ExistingGroupID}
			byKey[key] = p
		}
		p.TabIDs = append(p.TabIDs, t.ID)
	}

	out := make([]Proposal, 0, len(byKey))
	for _, p := range byKey {
		sort.Ints(p.TabIDs)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].TabIDs[0] < out[j].TabIDs[0]
	})
	return out
}

func sameGroup(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// AcceptGroup applies a proposal: the tabs are moved into the existing group
// or a new group is created. The action is recorded for undo.
func (e *Engine) AcceptGroup(ctx context.Context, windowID int, name string, existingGroupID *int) (Proposal, error) {
	props, err := e.Proposals(ctx, windowID)
	if err != nil {
		return Proposal{}, err
	}
	var p *Proposal
	for i := range props {
		if props[i].Name == name && sameGroup(props[i].ExistingGroupID, existingGroupID) {
			p = &props[i]
			break
		}
	}
	if p == nil {
		return Proposal{}, fmt.Errorf("%w: %q in window %d", ErrNoProposal, name, windowID)
	}
	return *p, e.apply(ctx, windowID, *p)
}

func (e *Engine) apply(ctx context.Context, windowID int, p Proposal) error {
	if p.ExistingGroupID != nil {
		e.markOwnGroup(*p.ExistingGroupID)
		if err := e.host.AddToGroup(ctx, *p.ExistingGroupID, p.TabIDs); err != nil {
			return fmt.Errorf("add to group %d: %w", *p.ExistingGroupID, err)
		}
	} else {
		e.expectOwnGroup(windowID)
		groupID, err := e.host.CreateGroup(ctx, windowID, p.TabIDs, p.Name)
		if err != nil {
			e.claimOwnGroup(windowID, types.NoGroup)
			return fmt.Errorf("create group %q: %w", p.Name, err)
		}
		e.claimOwnGroup(windowID, groupID)
	}

	if err := e.ledger.Push(types.NewGroupAction(windowID, p.TabIDs, p.Name, p.ExistingGroupID)); err != nil {
		applog.Error("engine.accept", err, "window", windowID)
	}
	for _, id := range p.TabIDs {
		if _, err := e.cache.Remove(id); err != nil {
			applog.Error("engine.accept", err, "tab", id)
		}
	}
	applog.Info("engine.accept", "window", windowID, "group", p.Name, "tabs", len(p.TabIDs))
	e.refreshBadge(ctx, windowID)
	return nil
}

// autopilot accepts every proposal of a window.
func (e *Engine) autopilot(ctx context.Context, windowID int) {
	props, err := e.Proposals(ctx, windowID)
	if err != nil {
		applog.Error("engine.autopilot", err, "window", windowID)
		return
	}
	for _, p := range props {
		if err := e.apply(ctx, windowID, p); err != nil {
			applog.Error("engine.autopilot", err, "window", windowID, "group", p.Name)
		}
	}
}

// Duplicates lists the duplicate sets of a window, ordered by URL.
func (e *Engine) Duplicates(ctx context.Context, windowID int) ([]DuplicateSet, error) {
	live, err := e.host.Window(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("query window %d: %w", windowID, err)
	}
	return DuplicateSets(live.Tabs), nil
}

// DuplicateSets lists the duplicate sets among tabs, ordered by URL.
func DuplicateSets(tabs []types.Tab) []DuplicateSet {
	dups := analyzer.FindDuplicates(tabs)
	out := make([]DuplicateSet, 0, len(dups))
	for url, group := range dups {
		out = append(out, DuplicateSet{
			URL:      url,
			Survivor: analyzer.ChooseSurvivor(group).ID,
			Close:    analyzer.ClosureCandidates(group),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Deduplicate closes every duplicate of url in a window except the survivor.
// Returns the closed tab ids.
func (e *Engine) Deduplicate(ctx context.Context, windowID int, url string) ([]int, error) {
	live, err := e.host.Window(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("query window %d: %w", windowID, err)
	}
	key := analyzer.NormalizeURL(url)
	group := analyzer.FindDuplicates(live.Tabs)[key]
	if len(group) < 2 {
		return nil, fmt.Errorf("%w: %s", ErrNoDuplicates, url)
	}
	closed, err := e.closeDuplicates(ctx, windowID, key, group)
	if err != nil {
		return nil, err
	}
	e.refreshBadge(ctx, windowID)
	return closed, nil
}

// DeduplicateAll deduplicates every URL of a window. Each URL is recorded as
// its own undoable action.
func (e *Engine) DeduplicateAll(ctx context.Context, windowID int) ([]int, error) {
	live, err := e.host.Window(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("query window %d: %w", windowID, err)
	}
	dups := analyzer.FindDuplicates(live.Tabs)
	keys := make([]string, 0, len(dups))
	for k := range dups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var all []int
	for _, k := range keys {
		closed, err := e.closeDuplicates(ctx, windowID, k, dups[k])
		if err != nil {
			e.refreshBadge(ctx, windowID)
			return all, err
		}
		all = append(all, closed...)
	}
	e.refreshBadge(ctx, windowID)
	return all, nil
}

func (e *Engine) closeDuplicates(ctx context.Context, windowID int, url string, group []types.Tab) ([]int, error) {
	ids := analyzer.ClosureCandidates(group)
	closing := make(map[int]bool, len(ids))
	for _, id := range ids {
		closing[id] = true
	}
	var urls []string
	for _, t := range group {
		if closing[t.ID] {
			urls = append(urls, t.URL)
		}
	}

	if err := e.host.CloseTabs(ctx, ids); err != nil {
		return nil, fmt.Errorf("close tabs: %w", err)
	}
	if err := e.ledger.Push(types.NewDeduplicateAction(windowID, url, urls)); err != nil {
		applog.Error("engine.dedupe", err, "window", windowID)
	}
	for _, id := range ids {
		e.forgetTab(windowID, id)
	}
	applog.Info("engine.dedupe", "window", windowID, "url", url, "closed", len(ids))
	return ids, nil
}

// Undo reverses the most recent action of a window: a group action
// ungroups its tabs, a deduplicate action reopens the closed URLs. Returns
// nil if there is nothing to undo. If the host call fails the action is
// put back.
func (e *Engine) Undo(ctx context.Context, windowID int) (*types.Action, error) {
	a, err := e.ledger.Undo(windowID)
	if err != nil || a == nil {
		return nil, err
	}
	if err := e.reverse(ctx, windowID, *a); err != nil {
		if perr := e.ledger.Push(*a); perr != nil {
			applog.Error("engine.undo", perr, "window", windowID)
		}
		return nil, err
	}
	applog.Info("engine.undo", "window", windowID, "kind", a.Kind)
	e.refreshBadge(ctx, windowID)
	return a, nil
}

func (e *Engine) reverse(ctx context.Context, windowID int, a types.Action) error {
	switch a.Kind {
	case types.ActionGroup:
		live, err := e.host.Window(ctx, windowID)
		if err != nil {
			return fmt.Errorf("query window %d: %w", windowID, err)
		}
		var ids []int
		for _, id := range a.TabIDs {
			if t, ok := live.Tab(id); ok && t.Grouped() {
				ids = append(ids, id)
				// Emptying a group removes it; that is not an external change.
				e.markOwnGroup(t.GroupID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		if err := e.host.Ungroup(ctx, ids); err != nil {
			return fmt.Errorf("ungroup: %w", err)
		}
	case types.ActionDeduplicate:
		for _, u := range a.URLs {
			if _, err := e.host.OpenURL(ctx, windowID, u); err != nil {
				return fmt.Errorf("reopen %s: %w", u, err)
			}
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// History returns a window's undoable actions, oldest first.
func (e *Engine) History(windowID int) ([]types.Action, error) {
	return e.ledger.List(windowID)
}
