package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/server"
	"github.com/lotas/tabgruppen/internal/types"
)

// request sends a command and waits for its reply.
func (b *Bridge) request(ctx context.Context, msg server.OutgoingMsg) (server.IncomingMsg, error) {
	msg.ID = uuid.NewString()
	ch := make(chan server.IncomingMsg, 1)
	b.mu.Lock()
	b.pending[msg.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if err := b.t.Send(msg); err != nil {
		return server.IncomingMsg{}, fmt.Errorf("%s: %w", msg.Action, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.OK == nil || !*reply.OK {
			return reply, &CommandError{Action: msg.Action, Message: reply.Error}
		}
		return reply, nil
	case <-timer.C:
		applog.Info("bridge.timeout", "action", msg.Action, "id", msg.ID)
		return server.IncomingMsg{}, fmt.Errorf("%s: %w", msg.Action, ErrTimeout)
	case <-ctx.Done():
		return server.IncomingMsg{}, ctx.Err()
	}
}

func (b *Bridge) Windows(ctx context.Context) ([]types.Window, error) {
	reply, err := b.request(ctx, server.OutgoingMsg{Action: "listWindows"})
	if err != nil {
		return nil, err
	}
	return server.ParseWindows(reply.Windows)
}

func (b *Bridge) Window(ctx context.Context, windowID int) (types.Window, error) {
	reply, err := b.request(ctx, server.OutgoingMsg{Action: "queryWindow", WindowID: windowID})
	if err != nil {
		return types.Window{}, err
	}
	w, err := server.ParseWindow(reply.Window)
	if err != nil {
		return types.Window{}, err
	}
	if w.ID == 0 {
		w.ID = windowID
	}
	return w, nil
}

func (b *Bridge) CreateGroup(ctx context.Context, windowID int, tabIDs []int, title string) (int, error) {
	reply, err := b.request(ctx, server.OutgoingMsg{Action: "createGroup", WindowID: windowID, TabIDs: tabIDs, Title: title})
	if err != nil {
		return 0, err
	}
	return reply.GroupID, nil
}

func (b *Bridge) AddToGroup(ctx context.Context, groupID int, tabIDs []int) error {
	_, err := b.request(ctx, server.OutgoingMsg{Action: "addToGroup", GroupID: groupID, TabIDs: tabIDs})
	return err
}

func (b *Bridge) Ungroup(ctx context.Context, tabIDs []int) error {
	_, err := b.request(ctx, server.OutgoingMsg{Action: "ungroup", TabIDs: tabIDs})
	return err
}

func (b *Bridge) CloseTabs(ctx context.Context, tabIDs []int) error {
	_, err := b.request(ctx, server.OutgoingMsg{Action: "closeTabs", TabIDs: tabIDs})
	return err
}

func (b *Bridge) OpenURL(ctx context.Context, windowID int, url string) (int, error) {
	reply, err := b.request(ctx, server.OutgoingMsg{Action: "openUrl", WindowID: windowID, URL: url})
	if err != nil {
		return 0, err
	}
	return reply.TabID, nil
}

func (b *Bridge) SetBadge(ctx context.Context, windowID int, text, color string) error {
	_, err := b.request(ctx, server.OutgoingMsg{Action: "setBadge", WindowID: windowID, Text: text, Color: color})
	return err
}
