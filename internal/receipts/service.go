// Package receipts stores chat messages and per-user read watermarks and
// announces both to the chat group.
package receipts

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/hub"
	"github.com/example/roster-sync/internal/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBodyLength   = 4000
)

var readMarks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "receipts",
	Name:      "mark_read_total",
	Help:      "MarkAsRead requests by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(readMarks)
}

// Repository persists chat messages and read receipts.
type Repository interface {
	AppendMessage(ctx context.Context, msg types.Message) (types.Message, error)
	ChatMessages(ctx context.Context, chatID types.ChatID, limit int) ([]types.Message, error)
	MarkRead(ctx context.Context, chatID types.ChatID, user types.UserID, messageID types.MessageID) (types.ReadReceipt, bool, error)
	ReadReceipts(ctx context.Context, chatID types.ChatID) ([]types.ReadReceipt, error)
}

// Service serves chat history and read receipts.
type Service struct {
	repo      Repository
	publisher hub.Publisher
	logger    zerolog.Logger
}

// NewService constructs a receipts service.
func NewService(repo Repository, publisher hub.Publisher, logger zerolog.Logger) *Service {
	return &Service{repo: repo, publisher: publisher, logger: logger}
}

// Messages returns the newest messages of a chat in ascending order.
func (s *Service) Messages(ctx context.Context, chatID types.ChatID, limit int) ([]types.Message, error) {
	if chatID == "" {
		return nil, apperr.Invalid("chat id is required")
	}
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}
	return s.repo.ChatMessages(ctx, chatID, limit)
}

// Send appends a message from sender and announces ReceiveMessage.
func (s *Service) Send(ctx context.Context, chatID types.ChatID, sender types.UserID, body string) (types.Message, error) {
	body = strings.TrimSpace(body)
	switch {
	case chatID == "":
		return types.Message{}, apperr.Invalid("chat id is required")
	case body == "":
		return types.Message{}, apperr.Invalid("message body is required")
	case len(body) > maxBodyLength:
		return types.Message{}, apperr.Invalid("message body is too long")
	}
	msg, err := s.repo.AppendMessage(ctx, types.Message{
		ID:       types.MessageID(uuid.NewString()),
		ChatID:   chatID,
		SenderID: sender,
		Body:     body,
	})
	if err != nil {
		return types.Message{}, err
	}
	s.announce(ctx, chatID, types.EventReceiveMessage, msg)
	return msg, nil
}

// MarkRead advances user's watermark in chatID to messageID and announces
// UserRead when it moved.
func (s *Service) MarkRead(ctx context.Context, chatID types.ChatID, user types.UserID, messageID types.MessageID) (types.ReadReceipt, error) {
	if chatID == "" || messageID == "" {
		readMarks.WithLabelValues("invalid").Inc()
		return types.ReadReceipt{}, apperr.Invalid("chat id and message id are required")
	}
	receipt, advanced, err := s.repo.MarkRead(ctx, chatID, user, messageID)
	if err != nil {
		readMarks.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return types.ReadReceipt{}, err
	}
	if !advanced {
		readMarks.WithLabelValues("stale").Inc()
		return receipt, nil
	}
	readMarks.WithLabelValues("advanced").Inc()
	s.announce(ctx, chatID, types.EventUserRead, receipt)
	return receipt, nil
}

// Receipts lists every user's watermark in a chat.
func (s *Service) Receipts(ctx context.Context, chatID types.ChatID) ([]types.ReadReceipt, error) {
	if chatID == "" {
		return nil, apperr.Invalid("chat id is required")
	}
	return s.repo.ReadReceipts(ctx, chatID)
}

func (s *Service) announce(ctx context.Context, chatID types.ChatID, event string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, types.HubMessaging, types.ChatGroup(chatID), event, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Str("chat", string(chatID)).Msg("failed to broadcast chat update")
	}
}

// Register installs the messaging hub methods on h.
func (s *Service) Register(h *hub.Hub) {
	h.Handle(types.MethodJoinChatGroup, func(_ context.Context, call *hub.Call) (any, error) {
		var chatID types.ChatID
		if err := call.Bind(&chatID); err != nil {
			return nil, err
		}
		if chatID == "" {
			return nil, apperr.Invalid("chat id is required")
		}
		h.Join(types.ChatGroup(chatID), call.Session)
		return nil, nil
	})
	h.Handle(types.MethodLeaveChatGroup, func(_ context.Context, call *hub.Call) (any, error) {
		var chatID types.ChatID
		if err := call.Bind(&chatID); err != nil {
			return nil, err
		}
		h.Leave(types.ChatGroup(chatID), call.Session)
		return nil, nil
	})
	h.Handle(types.MethodMarkAsRead, func(ctx context.Context, call *hub.Call) (any, error) {
		var (
			chatID    types.ChatID
			messageID types.MessageID
		)
		if err := call.Bind(&chatID, &messageID); err != nil {
			return nil, err
		}
		return s.MarkRead(ctx, chatID, call.Session.Identity().UserID, messageID)
	})
}
