// Package badge derives the per-window toolbar badge from cached
// suggestions, duplicates and processing state.
package badge

import (
	"strconv"

	"github.com/lotas/tabgruppen/internal/analyzer"
	"github.com/lotas/tabgruppen/internal/types"
)

// Badge colors.
const (
	ColorProcessing = "#3b82f6"
	ColorError      = "#ef4444"
	ColorReady      = "#22c55e"
)

// Status is what the badge for one window reflects.
type Status struct {
	Processing bool `json:"processing"`
	NewGroups  int  `json:"newGroups"`
	Duplicates int  `json:"duplicates"`
	Error      bool `json:"error"`
}

// Count is the number shown when there is something to act on.
func (s Status) Count() int {
	return s.NewGroups + s.Duplicates
}

// Compute derives a window's status. Entries for tabs that are gone or
// already grouped are ignored; liveTabs is the window as it is now.
func Compute(entries map[int]types.SuggestionEntry, liveTabs []types.Tab, processing bool, err error) Status {
	s := Status{Processing: processing, Error: err != nil}

	names := make(map[string]bool)
	for _, t := range liveTabs {
		e, ok := entries[t.ID]
		if !ok || !e.Grouped() || t.Grouped() || e.ExistingGroupID != nil {
			continue
		}
		names[*e.GroupName] = true
	}
	s.NewGroups = len(names)
	s.Duplicates = analyzer.CountClosureCandidates(liveTabs)
	return s
}

// Label returns the badge text and color. Processing wins over error, and
// error wins over counts. An empty text clears the badge.
func Label(s Status) (text, color string) {
	switch {
	case s.Processing:
		return "…", ColorProcessing
	case s.Error:
		return "!", ColorError
	case s.Count() > 0:
		return strconv.Itoa(s.Count()), ColorReady
	default:
		return "", ""
	}
}
