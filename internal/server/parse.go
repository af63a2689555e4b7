package server

import (
	"encoding/json"
	"fmt"

	"github.com/lotas/tabgruppen/internal/types"
)

type wireTab struct {
	ID       int    `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	GroupID  *int   `json:"groupId"`
	WindowID int    `json:"windowId"`
	Index    int    `json:"index"`
	Pinned   bool   `json:"pinned"`
	Active   bool   `json:"active"`
	Status   string `json:"status"`
}

type wireGroup struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	Title    string `json:"title"`
	Color    string `json:"color"`
}

type wireWindow struct {
	ID     int         `json:"id"`
	Tabs   []wireTab   `json:"tabs"`
	Groups []wireGroup `json:"groups"`
}

func (wt wireTab) tab() types.Tab {
	t := types.Tab{
		ID:       wt.ID,
		WindowID: wt.WindowID,
		Index:    wt.Index,
		Title:    wt.Title,
		URL:      wt.URL,
		GroupID:  types.NoGroup,
		Pinned:   wt.Pinned,
		Active:   wt.Active,
		Status:   wt.Status,
	}
	if wt.GroupID != nil {
		t.GroupID = *wt.GroupID
	}
	if t.Status == "" {
		t.Status = types.StatusComplete
	}
	return t
}

func (wg wireGroup) group() types.TabGroup {
	return types.TabGroup{ID: wg.ID, WindowID: wg.WindowID, Title: wg.Title, Color: wg.Color}
}

func (ww wireWindow) window() types.Window {
	w := types.Window{ID: ww.ID}
	for _, wt := range ww.Tabs {
		t := wt.tab()
		if t.WindowID == 0 {
			t.WindowID = ww.ID
		}
		w.Tabs = append(w.Tabs, t)
	}
	for _, wg := range ww.Groups {
		g := wg.group()
		if g.WindowID == 0 {
			g.WindowID = ww.ID
		}
		w.Groups = append(w.Groups, g)
	}
	return w
}

// ParseTab converts a raw JSON tab into a Tab. A missing groupId means
// ungrouped and a missing status means complete.
func ParseTab(raw json.RawMessage) (types.Tab, error) {
	var wt wireTab
	if err := json.Unmarshal(raw, &wt); err != nil {
		return types.Tab{}, fmt.Errorf("parse tab: %w", err)
	}
	return wt.tab(), nil
}

// ParseGroup converts a raw JSON tab group into a TabGroup.
func ParseGroup(raw json.RawMessage) (types.TabGroup, error) {
	var wg wireGroup
	if err := json.Unmarshal(raw, &wg); err != nil {
		return types.TabGroup{}, fmt.Errorf("parse group: %w", err)
	}
	return wg.group(), nil
}

// ParseWindow converts a queryWindow reply into a Window.
func ParseWindow(raw json.RawMessage) (types.Window, error) {
	var ww wireWindow
	if err := json.Unmarshal(raw, &ww); err != nil {
		return types.Window{}, fmt.Errorf("parse window: %w", err)
	}
	return ww.window(), nil
}

// ParseWindows converts a listWindows reply into Windows.
func ParseWindows(raw json.RawMessage) ([]types.Window, error) {
	var wws []wireWindow
	if err := json.Unmarshal(raw, &wws); err != nil {
		return nil, fmt.Errorf("parse windows: %w", err)
	}
	out := make([]types.Window, 0, len(wws))
	for _, ww := range wws {
		out = append(out, ww.window())
	}
	return out, nil
}
