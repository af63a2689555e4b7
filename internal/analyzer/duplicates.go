package analyzer

import (
	"sort"
	"strings"

	"github.com/lotas/tabgruppen/internal/types"
)

// NormalizeURL returns the key two tabs must share to count as duplicates.
func NormalizeURL(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}

// FindDuplicates groups tabs by normalized URL. Only URLs open in two or
// more tabs are returned; tabs keep their input order.
func FindDuplicates(tabs []types.Tab) map[string][]types.Tab {
	groups := make(map[string][]types.Tab)
	for _, tab := range tabs {
		if tab.URL == "" {
			continue
		}
		key := NormalizeURL(tab.URL)
		groups[key] = append(groups[key], tab)
	}
	for key, g := range groups {
		if len(g) < 2 {
			delete(groups, key)
		}
	}
	return groups
}

// ChooseSurvivor picks the tab to keep: pinned beats active beats the
// lowest (oldest) id.
func ChooseSurvivor(group []types.Tab) types.Tab {
	best := group[0]
	for _, t := range group[1:] {
		if better(t, best) {
			best = t
		}
	}
	return best
}

func better(a, b types.Tab) bool {
	if a.Pinned != b.Pinned {
		return a.Pinned
	}
	if a.Active != b.Active {
		return a.Active
	}
	return a.ID < b.ID
}

// ClosureCandidates returns the ids of every tab in group except the survivor.
func ClosureCandidates(group []types.Tab) []int {
	if len(group) < 2 {
		return nil
	}
	survivor := ChooseSurvivor(group)
	var ids []int
	for _, t := range group {
		if t.ID != survivor.ID {
			ids = append(ids, t.ID)
		}
	}
	sort.Ints(ids)
	return ids
}

// CountClosureCandidates returns how many tabs in tabs would be closed by
// deduplicating every URL.
func CountClosureCandidates(tabs []types.Tab) int {
	n := 0
	for _, g := range FindDuplicates(tabs) {
		n += len(g) - 1
	}
	return n
}
