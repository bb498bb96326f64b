package types

import (
	"time"
)

// PositionID identifies a roster slot on a team.
type PositionID string

// EventID identifies an event whose teams own positions.
type EventID string

// TeamID identifies a team inside an event.
type TeamID string

// UserID identifies a player, coach or organizer.
type UserID string

// ChatID identifies a conversation.
type ChatID string

// MessageID identifies a chat message.
type MessageID string

// Position is a claimable roster slot. Occupant is nil while the slot is open.
type Position struct {
	ID        PositionID `json:"id"`
	EventID   EventID    `json:"eventId"`
	TeamID    TeamID     `json:"teamId"`
	Name      string     `json:"name"`
	Occupant  *UserID    `json:"occupantId,omitempty"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Open reports whether nobody occupies the position.
func (p Position) Open() bool { return p.Occupant == nil }

// HeldBy reports whether the given user occupies the position.
func (p Position) HeldBy(user UserID) bool {
	return p.Occupant != nil && *p.Occupant == user
}

// WithOccupant returns a copy of p occupied by user. A nil user releases it.
func (p Position) WithOccupant(user *UserID) Position {
	if user == nil {
		p.Occupant = nil
		return p
	}
	u := *user
	p.Occupant = &u
	return p
}

// Equal compares two positions field by field, occupant by value.
func (p Position) Equal(other Position) bool {
	if p.ID != other.ID || p.EventID != other.EventID || p.TeamID != other.TeamID ||
		p.Name != other.Name || p.Version != other.Version || !p.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}
	switch {
	case p.Occupant == nil && other.Occupant == nil:
		return true
	case p.Occupant == nil || other.Occupant == nil:
		return false
	default:
		return *p.Occupant == *other.Occupant
	}
}

// Message is a chat message ordered by Seq within its chat.
type Message struct {
	ID       MessageID `json:"id"`
	ChatID   ChatID    `json:"chatId"`
	SenderID UserID    `json:"senderId"`
	Body     string    `json:"body"`
	Seq      int64     `json:"seq"`
	SentAt   time.Time `json:"sentAt"`
}

// ReadReceipt is the furthest message a user has read in a chat.
type ReadReceipt struct {
	ChatID        ChatID    `json:"chatId"`
	UserID        UserID    `json:"userId"`
	LastMessageID MessageID `json:"lastReadMessageId"`
	LastSeq       int64     `json:"-"`
	ReadAt        time.Time `json:"readAt"`
}

// ConnectionStatus mirrors the lifecycle of a hub connection as seen by UI state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

// Hub names served by the platform.
const (
	HubPosition   = "position"
	HubMessaging  = "messaging"
	HubEvaluation = "evaluation"
)

// Client-invoked hub methods.
const (
	MethodJoinEventGroup  = "JoinEventGroup"
	MethodLeaveEventGroup = "LeaveEventGroup"
	MethodTakePosition    = "TakePosition"
	MethodReleasePosition = "ReleasePosition"
	MethodJoinChatGroup   = "JoinChatGroup"
	MethodLeaveChatGroup  = "LeaveChatGroup"
	MethodMarkAsRead      = "MarkAsRead"
)

// Server-invoked client methods.
const (
	EventConnected            = "Connected"
	EventPositionTaken        = "PositionTaken"
	EventPositionReleased     = "PositionReleased"
	EventReceiveMessage       = "ReceiveMessage"
	EventUserRead             = "UserRead"
	EventScoresSubmitted      = "ScoresSubmitted"
	EventSessionStatusChanged = "SessionStatusChanged"
	EventProgressUpdated      = "ProgressUpdated"
)

// EventGroup names the hub group receiving roster broadcasts for an event.
func EventGroup(id EventID) string { return "event:" + string(id) }

// ChatGroup names the hub group receiving broadcasts for a chat.
func ChatGroup(id ChatID) string { return "chat:" + string(id) }
