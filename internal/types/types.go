package types

import "time"

// NoGroup is the group id of a tab that is not in any tab group.
const NoGroup = -1

// Tab status values reported by the browser.
const (
	StatusLoading  = "loading"
	StatusComplete = "complete"
)

// Tab represents a single live browser tab.
type Tab struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	Index    int    `json:"index"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	GroupID  int    `json:"groupId"` // NoGroup if ungrouped
	Pinned   bool   `json:"pinned"`
	Active   bool   `json:"active"`
	Status   string `json:"status"`
}

// Grouped reports whether the tab belongs to a tab group.
func (t Tab) Grouped() bool {
	return t.GroupID != NoGroup
}

// TabGroup represents a browser tab group.
type TabGroup struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	Title    string `json:"title"`
	Color    string `json:"color"`
}

// Window is a read of one browser window: its tabs in strip order and its groups.
type Window struct {
	ID     int
	Tabs   []Tab
	Groups []TabGroup
}

// Tab returns the tab with the given id.
func (w Window) Tab(id int) (Tab, bool) {
	for _, t := range w.Tabs {
		if t.ID == id {
			return t, true
		}
	}
	return Tab{}, false
}

// TabIDs returns the ids of all tabs in the window.
func (w Window) TabIDs() []int {
	ids := make([]int, 0, len(w.Tabs))
	for _, t := range w.Tabs {
		ids = append(ids, t.ID)
	}
	return ids
}

// SuggestionEntry is the last computed grouping decision for one tab.
// GroupName nil means "no grouping". ExistingGroupID set means merge into
// that real group; nil with a name means a proposed new group.
type SuggestionEntry struct {
	TabID           int       `json:"tabId"`
	WindowID        int       `json:"windowId"`
	GroupName       *string   `json:"groupName"`
	ExistingGroupID *int      `json:"existingGroupId"`
	Timestamp       time.Time `json:"timestamp"`
}

// Grouped reports whether the entry assigns the tab to a group.
func (e SuggestionEntry) Grouped() bool {
	return e.GroupName != nil
}

// SnapshotTab is the reasoning-relevant part of a tab.
type SnapshotTab struct {
	ID      int
	Title   string
	URL     string
	GroupID int
}

// GroupRef is the reasoning-relevant part of a tab group.
type GroupRef struct {
	ID    int
	Title string
}

// WindowSnapshot is an immutable read of a window taken once per dispatch.
type WindowSnapshot struct {
	WindowID       int
	Tabs           []SnapshotTab
	ExistingGroups []GroupRef
	Fingerprint    string
	TakenAt        time.Time
}

// Restrict returns a copy holding only the given tabs. Groups are kept and
// the fingerprint is cleared; callers recompute it.
func (s WindowSnapshot) Restrict(ids map[int]bool) WindowSnapshot {
	out := WindowSnapshot{
		WindowID:       s.WindowID,
		ExistingGroups: append([]GroupRef(nil), s.ExistingGroups...),
		TakenAt:        s.TakenAt,
	}
	for _, t := range s.Tabs {
		if ids[t.ID] {
			out.Tabs = append(out.Tabs, t)
		}
	}
	return out
}

// ActionKind tags an Action.
type ActionKind string

const (
	ActionGroup       ActionKind = "group"
	ActionDeduplicate ActionKind = "deduplicate"
)

// Action is an undo ledger entry. Group actions carry TabIDs, GroupName and
// optionally ExistingGroupID; Deduplicate actions carry URL and the URLs of
// the tabs that were closed.
type Action struct {
	Kind            ActionKind `json:"kind"`
	WindowID        int        `json:"windowId"`
	TabIDs          []int      `json:"tabIds,omitempty"`
	GroupName       string     `json:"groupName,omitempty"`
	ExistingGroupID *int       `json:"existingGroupId,omitempty"`
	URL             string     `json:"url,omitempty"`
	URLs            []string   `json:"urls,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// NewGroupAction records tabs moved into a group.
func NewGroupAction(windowID int, tabIDs []int, groupName string, existingGroupID *int) Action {
	return Action{
		Kind:            ActionGroup,
		WindowID:        windowID,
		TabIDs:          append([]int(nil), tabIDs...),
		GroupName:       groupName,
		ExistingGroupID: existingGroupID,
		CreatedAt:       time.Now(),
	}
}

// NewDeduplicateAction records closed duplicates of url.
func NewDeduplicateAction(windowID int, url string, urls []string) Action {
	return Action{
		Kind:      ActionDeduplicate,
		WindowID:  windowID,
		URL:       url,
		URLs:      append([]string(nil), urls...),
		CreatedAt: time.Now(),
	}
}

// ProcessingStatus is broadcast to the UI over the message port.
type ProcessingStatus struct {
	WindowID     int    `json:"windowId"`
	IsProcessing bool   `json:"isProcessing"`
	Error        string `json:"error,omitempty"`
}

// Profile represents a Firefox profile.
type Profile struct {
	Name      string
	Path      string // profile directory
	IsDefault bool
	Session   string // freshest session file, empty if none
}
