// Package bridge connects the engine to the browser extension. Outgoing
// host commands are correlated with their replies by id; incoming events
// and UI intents are decoded and handed to the engine.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/engine"
	"github.com/lotas/tabgruppen/internal/server"
	"github.com/lotas/tabgruppen/internal/types"
)

// DefaultTimeout bounds every host command.
const DefaultTimeout = 10 * time.Second

// ErrTimeout is returned when the extension does not answer a command in time.
var ErrTimeout = errors.New("host command timed out")

// CommandError is a command the extension answered with ok=false.
type CommandError struct {
	Action  string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Action, e.Message)
}

// Transport carries messages to and from the extension. *server.Server
// implements it.
type Transport interface {
	Send(msg server.OutgoingMsg) error
	Messages() <-chan server.IncomingMsg
	Replies() <-chan server.IncomingMsg
}

// Coordinator is the part of the engine the bridge drives.
type Coordinator interface {
	Start(ctx context.Context) error
	Hello(ctx context.Context, sessionID string) error
	HandleEvent(ctx context.Context, ev engine.Event)
	TriggerProcessing(ctx context.Context, windowID int) error
	Regenerate(ctx context.Context, windowID int) error
	AcceptGroup(ctx context.Context, windowID int, name string, existingGroupID *int) (engine.Proposal, error)
	Deduplicate(ctx context.Context, windowID int, url string) ([]int, error)
	DeduplicateAll(ctx context.Context, windowID int) ([]int, error)
	Undo(ctx context.Context, windowID int) (*types.Action, error)
	Proposals(ctx context.Context, windowID int) ([]engine.Proposal, error)
	Duplicates(ctx context.Context, windowID int) ([]engine.DuplicateSet, error)
	OnStatus(fn func(types.ProcessingStatus))
	Cache() *cache.Cache
}

// Bridge implements engine.Host over a Transport.
type Bridge struct {
	t       Transport
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan server.IncomingMsg

	intents sync.WaitGroup
}

// New creates a bridge. timeout <= 0 means DefaultTimeout.
func New(t Transport, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		t:       t,
		timeout: timeout,
		pending: make(map[string]chan server.IncomingMsg),
	}
}

// Run routes replies and feeds events and intents to c until ctx is done.
// Events are applied one at a time in arrival order; intents run
// concurrently so a long dispatch does not hold up the event stream.
func (b *Bridge) Run(ctx context.Context, c Coordinator) error {
	c.OnStatus(b.publishStatus)
	unsubscribe := c.Cache().Subscribe(b.publishUpdate)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case msg := <-b.t.Replies():
				b.resolve(msg)
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case msg := <-b.t.Messages():
				b.handle(ctx, c, msg)
			case <-ctx.Done():
				b.intents.Wait()
				return nil
			}
		}
	})
	return g.Wait()
}

func (b *Bridge) resolve(msg server.IncomingMsg) {
	b.mu.Lock()
	ch, ok := b.pending[msg.ID]
	delete(b.pending, msg.ID)
	b.mu.Unlock()
	if !ok {
		applog.Info("bridge.orphan_reply", "id", msg.ID)
		return
	}
	ch <- msg
}

func (b *Bridge) handle(ctx context.Context, c Coordinator, msg server.IncomingMsg) {
	switch msg.Type {
	case "hello":
		if err := c.Hello(ctx, msg.SessionID); err != nil {
			applog.Error("bridge.hello", err)
		}
		// Events may have been missed while disconnected.
		if err := c.Start(ctx); err != nil {
			applog.Error("bridge.start", err)
		}
	case IntentTrigger, IntentRegenerate, IntentAccept, IntentDeduplicate, IntentUndo, IntentSuggestions:
		b.intents.Add(1)
		go func() {
			defer b.intents.Done()
			b.answer(ctx, c, msg)
		}()
	default:
		ev, err := DecodeEvent(msg)
		if err != nil {
			applog.Error("bridge.event", err, "type", msg.Type)
			return
		}
		c.HandleEvent(ctx, ev)
	}
}

// DecodeEvent converts an event message into an engine event.
func DecodeEvent(msg server.IncomingMsg) (engine.Event, error) {
	ev := engine.Event{
		Kind:        engine.EventKind(msg.Type),
		WindowID:    msg.WindowID,
		TabID:       msg.TabID,
		OldWindowID: msg.OldWindowID,
		Changes:     msg.Changes,
	}
	switch ev.Kind {
	case engine.TabCreated, engine.TabUpdated, engine.TabRemoved, engine.TabActivated, engine.TabAttached,
		engine.GroupCreated, engine.GroupUpdated, engine.GroupRemoved, engine.WindowRemoved:
	default:
		return engine.Event{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	if len(msg.Tab) > 0 {
		tab, err := server.ParseTab(msg.Tab)
		if err != nil {
			return engine.Event{}, err
		}
		if tab.WindowID == 0 {
			tab.WindowID = msg.WindowID
		}
		if ev.WindowID == 0 {
			ev.WindowID = tab.WindowID
		}
		if ev.TabID == 0 {
			ev.TabID = tab.ID
		}
		ev.Tab = &tab
	}
	if len(msg.Group) > 0 {
		g, err := server.ParseGroup(msg.Group)
		if err != nil {
			return engine.Event{}, err
		}
		if g.WindowID == 0 {
			g.WindowID = msg.WindowID
		}
		if ev.WindowID == 0 {
			ev.WindowID = g.WindowID
		}
		ev.Group = &g
	}
	return ev, nil
}

func (b *Bridge) publishStatus(st types.ProcessingStatus) {
	b.broadcast(server.OutgoingMsg{Action: "processingStatus", WindowID: st.WindowID, Status: &st})
}

func (b *Bridge) publishUpdate(u cache.Update) {
	entries := make([]types.SuggestionEntry, 0, len(u.Entries))
	for _, e := range u.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TabID < entries[j].TabID })
	b.broadcast(server.OutgoingMsg{
		Action:     "storageChanged",
		WindowID:   u.WindowID,
		Entries:    entries,
		Processing: u.Processing,
	})
}

func (b *Bridge) broadcast(msg server.OutgoingMsg) {
	if err := b.t.Send(msg); err != nil && !errors.Is(err, server.ErrNotConnected) {
		applog.Error("bridge.broadcast", err, "action", msg.Action)
	}
}
