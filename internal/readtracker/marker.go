package readtracker

import (
	"context"
	"fmt"

	"github.com/example/roster-sync/internal/types"
)

// Hub is the messaging push channel.
type Hub interface {
	Connected() bool
	InvokeResult(ctx context.Context, out any, method string, args ...any) error
}

// Remote is the REST read-receipt endpoint.
type Remote interface {
	MarkRead(ctx context.Context, chatID types.ChatID, messageID types.MessageID) error
}

// RemoteMarker sends MarkAsRead over the hub when it is live and over REST
// otherwise. Either may be nil.
func RemoteMarker(hub Hub, remote Remote) MarkReadFunc {
	return func(ctx context.Context, chatID types.ChatID, messageID types.MessageID) error {
		if hub != nil && hub.Connected() {
			err := hub.InvokeResult(ctx, nil, types.MethodMarkAsRead, chatID, messageID)
			if err == nil {
				return nil
			}
			if remote == nil {
				return fmt.Errorf("mark %s read over hub: %w", chatID, err)
			}
		}
		if remote == nil {
			return fmt.Errorf("mark %s read: no transport available", chatID)
		}
		if err := remote.MarkRead(ctx, chatID, messageID); err != nil {
			return fmt.Errorf("mark %s read: %w", chatID, err)
		}
		return nil
	}
}
