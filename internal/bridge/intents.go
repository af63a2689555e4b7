package bridge

import (
	"context"
	"fmt"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/engine"
	"github.com/lotas/tabgruppen/internal/server"
)

// UI intents, sent by the side panel through the extension.
const (
	IntentTrigger     = "triggerProcessing"
	IntentRegenerate  = "regenerateSuggestions"
	IntentAccept      = "acceptGroup"
	IntentDeduplicate = "deduplicate"
	IntentUndo        = "undo"
	IntentSuggestions = "getSuggestions"
)

// SuggestionsResult answers getSuggestions.
type SuggestionsResult struct {
	Proposals  []engine.Proposal     `json:"proposals"`
	Duplicates []engine.DuplicateSet `json:"duplicates"`
}

// answer runs an intent and sends the result back under the intent's id.
func (b *Bridge) answer(ctx context.Context, c Coordinator, msg server.IncomingMsg) {
	result, err := runIntent(ctx, c, msg)
	ok := err == nil
	out := server.OutgoingMsg{
		ID:       msg.ID,
		Action:   "intentResult",
		WindowID: msg.WindowID,
		OK:       &ok,
		Result:   result,
	}
	if err != nil {
		out.Error = err.Error()
		applog.Error("bridge.intent", err, "type", msg.Type, "window", msg.WindowID)
	}
	if err := b.t.Send(out); err != nil {
		applog.Error("bridge.intent", err, "type", msg.Type)
	}
}

func runIntent(ctx context.Context, c Coordinator, msg server.IncomingMsg) (any, error) {
	switch msg.Type {
	case IntentTrigger:
		return nil, c.TriggerProcessing(ctx, msg.WindowID)
	case IntentRegenerate:
		return nil, c.Regenerate(ctx, msg.WindowID)
	case IntentAccept:
		return c.AcceptGroup(ctx, msg.WindowID, msg.Name, msg.ExistingGroupID)
	case IntentDeduplicate:
		// Without a URL every duplicate set of the window is closed.
		if msg.URL == "" {
			return c.DeduplicateAll(ctx, msg.WindowID)
		}
		return c.Deduplicate(ctx, msg.WindowID, msg.URL)
	case IntentUndo:
		return c.Undo(ctx, msg.WindowID)
	case IntentSuggestions:
		props, err := c.Proposals(ctx, msg.WindowID)
		if err != nil {
			return nil, err
		}
		dups, err := c.Duplicates(ctx, msg.WindowID)
		if err != nil {
			return nil, err
		}
		return SuggestionsResult{Proposals: props, Duplicates: dups}, nil
	}
	return nil, fmt.Errorf("unknown intent %q", msg.Type)
}
