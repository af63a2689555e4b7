package engine

import (
	"context"

	"github.com/lotas/tabgruppen/internal/inference"
	"github.com/lotas/tabgruppen/internal/types"
)

// Host is the browser the engine reads windows from and sends commands to.
// Every call may fail, for example when a window closes mid-query.
type Host interface {
	Windows(ctx context.Context) ([]types.Window, error)
	Window(ctx context.Context, windowID int) (types.Window, error)
	CreateGroup(ctx context.Context, windowID int, tabIDs []int, title string) (int, error)
	AddToGroup(ctx context.Context, groupID int, tabIDs []int) error
	Ungroup(ctx context.Context, tabIDs []int) error
	CloseTabs(ctx context.Context, tabIDs []int) error
	OpenURL(ctx context.Context, windowID int, url string) (int, error)
	SetBadge(ctx context.Context, windowID int, text, color string) error
}

// Generator produces group suggestions for a set of tabs.
// *inference.Orchestrator implements it.
type Generator interface {
	Generate(ctx context.Context, tabs []inference.TabInput, groups []inference.GroupInput) inference.Result
}

// rulesSetter is implemented by generators that accept custom rules.
type rulesSetter interface {
	SetRules(rules string)
}

// EventKind names a host event.
type EventKind string

const (
	TabCreated    EventKind = "tabCreated"
	TabUpdated    EventKind = "tabUpdated"
	TabRemoved    EventKind = "tabRemoved"
	TabActivated  EventKind = "tabActivated"
	TabAttached   EventKind = "tabAttached"
	GroupCreated  EventKind = "groupCreated"
	GroupUpdated  EventKind = "groupUpdated"
	GroupRemoved  EventKind = "groupRemoved"
	WindowRemoved EventKind = "windowRemoved"
)

// Tab fields reported as changed by a TabUpdated event.
const (
	ChangeURL     = "url"
	ChangeTitle   = "title"
	ChangeStatus  = "status"
	ChangeGroupID = "groupId"
	ChangePinned  = "pinned"
)

// Event is a host notification. Tab is set for tab events, Group for group
// events. OldWindowID is set for TabAttached.
type Event struct {
	Kind        EventKind
	WindowID    int
	TabID       int
	OldWindowID int
	Tab         *types.Tab
	Group       *types.TabGroup
	Changes     []string
}

func (e Event) changed(field string) bool {
	for _, c := range e.Changes {
		if c == field {
			return true
		}
	}
	return false
}
