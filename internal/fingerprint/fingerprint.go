// Package fingerprint hashes the reasoning-relevant state of a window so a
// grouping decision can be checked against the state it was computed from.
package fingerprint

import (
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lotas/tabgruppen/internal/types"
)

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// Compute returns a deterministic hash of tabs and groups. Input order does
// not matter. Every field a grouping decision can depend on is folded in:
// tab id, group membership, title and URL, plus every group's id and name.
func Compute(tabs []types.SnapshotTab, groups []types.GroupRef) string {
	ts := append([]types.SnapshotTab(nil), tabs...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })

	gs := append([]types.GroupRef(nil), groups...)
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].ID != gs[j].ID {
			return gs[i].ID < gs[j].ID
		}
		return gs[i].Title < gs[j].Title
	})

	d := xxhash.New()
	d.WriteString("tabs")
	for _, t := range ts {
		d.WriteString(recordSep)
		d.WriteString(strconv.Itoa(t.ID))
		d.WriteString(fieldSep)
		d.WriteString(strconv.Itoa(t.GroupID))
		d.WriteString(fieldSep)
		d.WriteString(t.Title)
		d.WriteString(fieldSep)
		d.WriteString(t.URL)
	}
	d.WriteString(recordSep)
	d.WriteString("groups")
	for _, g := range gs {
		d.WriteString(recordSep)
		d.WriteString(strconv.Itoa(g.ID))
		d.WriteString(fieldSep)
		d.WriteString(g.Title)
	}
	return hex.EncodeToString(d.Sum(nil))
}

// Of recomputes the fingerprint of a snapshot from its contents.
func Of(s types.WindowSnapshot) string {
	return Compute(s.Tabs, s.ExistingGroups)
}

// Snapshot takes an immutable read of w restricted to tabIDs (nil means all
// tabs). All existing groups are included.
func Snapshot(w types.Window, tabIDs []int, now time.Time) types.WindowSnapshot {
	var want map[int]bool
	if tabIDs != nil {
		want = make(map[int]bool, len(tabIDs))
		for _, id := range tabIDs {
			want[id] = true
		}
	}

	s := types.WindowSnapshot{WindowID: w.ID, TakenAt: now}
	for _, t := range w.Tabs {
		if want != nil && !want[t.ID] {
			continue
		}
		s.Tabs = append(s.Tabs, types.SnapshotTab{
			ID:      t.ID,
			Title:   t.Title,
			URL:     t.URL,
			GroupID: t.GroupID,
		})
	}
	for _, g := range w.Groups {
		s.ExistingGroups = append(s.ExistingGroups, types.GroupRef{ID: g.ID, Title: g.Title})
	}
	s.Fingerprint = Of(s)
	return s
}
