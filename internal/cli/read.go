package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/roster-sync/internal/readtracker"
	"github.com/example/roster-sync/internal/realtime"
	"github.com/example/roster-sync/internal/types"
)

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	Limit   int
	Visible int
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read <chat-id>",
		Short: "Mark a chat read up to the messages on screen",
		Long: `Fetch a chat's latest messages, treat the newest --visible of them as
on screen and report the resulting read watermark. The messaging hub is used
when reachable, the REST API otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return markChatRead(cmd.Context(), opts, types.ChatID(args[0]), cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "messages to fetch")
	cmd.Flags().IntVar(&opts.Visible, "visible", 0, "newest messages considered on screen (0 means all)")

	return cmd
}

func markChatRead(ctx context.Context, opts *ReadOptions, chatID types.ChatID, cmd *cobra.Command) error {
	user, err := opts.user()
	if err != nil {
		return err
	}
	logger := opts.logger(cmd.ErrOrStderr())
	out := NewOutputFormatter(opts.Format, cmd.OutOrStdout())
	rest := opts.rest(logger)

	messages, err := rest.Messages(ctx, chatID, opts.Limit)
	if err != nil {
		return err
	}

	manager := realtime.NewManager(logger)
	defer manager.Close(context.Background())
	if _, err := manager.Start(ctx, opts.hubConfig(types.HubMessaging), realtime.Callbacks{}); err != nil {
		logger.Warn().Err(err).Msg("messaging hub unavailable; using REST")
	}

	var (
		mu     sync.Mutex
		marked types.MessageID
	)
	remote := readtracker.RemoteMarker(manager.Client(opts.Server, types.HubMessaging), rest)
	mark := func(ctx context.Context, chat types.ChatID, id types.MessageID) error {
		if err := remote(ctx, chat, id); err != nil {
			return err
		}
		mu.Lock()
		marked = id
		mu.Unlock()
		return nil
	}

	// Close flushes explicitly, so the debounce never fires first.
	tracker := readtracker.New(user, mark, logger, readtracker.WithDebounce(time.Hour))
	tracker.SwitchChat(ctx, chatID, messages)

	visible := messages
	if opts.Visible > 0 && opts.Visible < len(messages) {
		visible = messages[len(messages)-opts.Visible:]
	}
	entries := make([]readtracker.Intersection, 0, len(visible))
	for _, msg := range visible {
		entries = append(entries, readtracker.Intersection{MessageID: msg.ID, Ratio: 1})
	}
	tracker.HandleIntersections(entries)
	tracker.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	if marked == "" {
		return out.Line("nothing new to mark read", map[string]any{"chatId": chatID, "marked": false})
	}
	return out.Line(fmt.Sprintf("marked %s read in %s", marked, chatID),
		map[string]any{"chatId": chatID, "marked": true, "lastReadMessageId": marked})
}
