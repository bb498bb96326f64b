package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/types"
)

// Memory is an in-process repository with the same semantics as Postgres.
// The server uses it when no database is configured.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	positions map[types.PositionID]types.Position
	messages  map[types.ChatID][]types.Message
	receipts  map[types.ChatID]map[types.UserID]types.ReadReceipt
	seq       int64
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{
		now:       func() time.Time { return time.Now().UTC() },
		positions: make(map[types.PositionID]types.Position),
		messages:  make(map[types.ChatID][]types.Message),
		receipts:  make(map[types.ChatID]map[types.UserID]types.ReadReceipt),
	}
}

// EventPositions lists every position of an event ordered by team and name.
func (m *Memory) EventPositions(_ context.Context, eventID types.EventID) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, p := range m.positions {
		if p.EventID == eventID {
			out = append(out, p.WithOccupant(p.Occupant))
		}
	}
	slices.SortFunc(out, func(a, b types.Position) int {
		return cmp.Or(cmp.Compare(a.TeamID, b.TeamID), cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// Position loads one position.
func (m *Memory) Position(_ context.Context, id types.PositionID) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id)
}

func (m *Memory) lookup(id types.PositionID) (types.Position, error) {
	p, ok := m.positions[id]
	if !ok {
		return types.Position{}, apperr.NotFound(fmt.Sprintf("position %s does not exist", id))
	}
	return p.WithOccupant(p.Occupant), nil
}

func (m *Memory) store(p types.Position, occupant *types.UserID) types.Position {
	p = p.WithOccupant(occupant)
	p.Version++
	p.UpdatedAt = m.now()
	m.positions[p.ID] = p
	return p.WithOccupant(p.Occupant)
}

// SavePosition inserts or renames a position without touching its occupant.
func (m *Memory) SavePosition(_ context.Context, pos types.Position) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.positions[pos.ID]
	if !ok {
		current = types.Position{ID: pos.ID}
	}
	current.EventID, current.TeamID, current.Name = pos.EventID, pos.TeamID, pos.Name
	return m.store(current, current.Occupant), nil
}

// Claim occupies an open position.
func (m *Memory) Claim(_ context.Context, id types.PositionID, user types.UserID) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(id)
	if err != nil {
		return types.Position{}, err
	}
	switch {
	case p.HeldBy(user):
		return p, nil
	case !p.Open():
		return types.Position{}, apperr.AlreadyClaimed(fmt.Sprintf("position %s is already taken", id))
	}
	return m.store(p, &user), nil
}

// Release frees a position held by user.
func (m *Memory) Release(_ context.Context, id types.PositionID, user types.UserID) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(id)
	if err != nil {
		return types.Position{}, err
	}
	switch {
	case p.Open():
		return p, nil
	case !p.HeldBy(user):
		return types.Position{}, apperr.Unauthorized(fmt.Sprintf("position %s is held by someone else", id))
	}
	return m.store(p, nil), nil
}

// Assign sets the occupant regardless of the current one.
func (m *Memory) Assign(_ context.Context, id types.PositionID, user *types.UserID) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(id)
	if err != nil {
		return types.Position{}, err
	}
	return m.store(p, user), nil
}

// AppendMessage stores a chat message and assigns its sequence number.
func (m *Memory) AppendMessage(_ context.Context, msg types.Message) (types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	msg.Seq = m.seq
	msg.SentAt = m.now()
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	return msg, nil
}

// ChatMessages returns up to limit of the newest messages in ascending order.
func (m *Memory) ChatMessages(_ context.Context, chatID types.ChatID, limit int) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[chatID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]types.Message(nil), all...), nil
}

// MarkRead moves the user's read watermark forward to messageID.
func (m *Memory) MarkRead(_ context.Context, chatID types.ChatID, user types.UserID, messageID types.MessageID) (types.ReadReceipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.messages[chatID], func(msg types.Message) bool { return msg.ID == messageID })
	if idx < 0 {
		return types.ReadReceipt{}, false, apperr.NotFound(fmt.Sprintf("message %s is not in chat %s", messageID, chatID))
	}
	seq := m.messages[chatID][idx].Seq

	byUser := m.receipts[chatID]
	if byUser == nil {
		byUser = make(map[types.UserID]types.ReadReceipt)
		m.receipts[chatID] = byUser
	}
	if current, ok := byUser[user]; ok && current.LastSeq >= seq {
		return current, false, nil
	}
	receipt := types.ReadReceipt{ChatID: chatID, UserID: user, LastMessageID: messageID, LastSeq: seq, ReadAt: m.now()}
	byUser[user] = receipt
	return receipt, true, nil
}

// ReadReceipts lists every user's watermark in a chat.
func (m *Memory) ReadReceipts(_ context.Context, chatID types.ChatID) ([]types.ReadReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ReadReceipt, 0, len(m.receipts[chatID]))
	for _, r := range m.receipts[chatID] {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b types.ReadReceipt) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}
