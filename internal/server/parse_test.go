package server

import (
	"encoding/json"
	"testing"

	"github.com/lotas/tabgruppen/internal/types"
)

func TestParseWindow(t *testing.T) {
	reply := `{
		"id": "cmd-1",
		"ok": true,
		"window": {
			"id": 3,
			"tabs": [
				{"id": 1, "url": "https://example.com", "title": "Example", "groupId": 5, "index": 0, "status": "complete"},
				{"id": 2, "url": "https://other.com", "title": "Other", "groupId": -1, "index": 1, "pinned": true, "active": true, "status": "loading"}
			],
			"groups": [
				{"id": 5, "title": "Work", "color": "blue"}
			]
		}
	}`

	var msg IncomingMsg
	if err := json.Unmarshal([]byte(reply), &msg); err != nil {
		t.Fatal(err)
	}
	if !msg.IsReply() {
		t.Fatal("expected a reply")
	}

	w, err := ParseWindow(msg.Window)
	if err != nil {
		t.Fatal(err)
	}
	if w.ID != 3 {
		t.Errorf("window id = %d, want 3", w.ID)
	}
	if len(w.Tabs) != 2 {
		t.Fatalf("got %d tabs, want 2", len(w.Tabs))
	}
	if w.Tabs[0].GroupID != 5 || w.Tabs[0].WindowID != 3 {
		t.Errorf("tab 1 = %+v", w.Tabs[0])
	}
	if w.Tabs[1].Grouped() || !w.Tabs[1].Pinned || !w.Tabs[1].Active || w.Tabs[1].Status != types.StatusLoading {
		t.Errorf("tab 2 = %+v", w.Tabs[1])
	}
	if len(w.Groups) != 1 || w.Groups[0].Title != "Work" || w.Groups[0].WindowID != 3 {
		t.Errorf("groups = %+v", w.Groups)
	}
}

func TestParseTabDefaults(t *testing.T) {
	tab, err := ParseTab(json.RawMessage(`{"id": 9, "windowId": 2, "url": "https://a.com"}`))
	if err != nil {
		t.Fatal(err)
	}
	if tab.GroupID != types.NoGroup {
		t.Errorf("groupId = %d, want NoGroup", tab.GroupID)
	}
	if tab.Status != types.StatusComplete {
		t.Errorf("status = %q, want complete", tab.Status)
	}
}

func TestParseWindowsEmpty(t *testing.T) {
	ws, err := ParseWindows(json.RawMessage(`[]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 0 {
		t.Errorf("got %d windows", len(ws))
	}
	if _, err := ParseWindows(json.RawMessage(`{"id": 1}`)); err == nil {
		t.Error("expected error for non-array")
	}
}

func TestEventIsNotReply(t *testing.T) {
	raw := `{"type":"tabRemoved","windowId":1,"tabId":4}`
	var msg IncomingMsg
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.IsReply() {
		t.Error("event parsed as reply")
	}
	if msg.TabID != 4 || msg.WindowID != 1 {
		t.Errorf("got %+v", msg)
	}
}
