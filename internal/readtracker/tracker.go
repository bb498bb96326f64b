// Package readtracker infers read receipts from viewport visibility. It keeps
// a per-conversation watermark that only moves forward and coalesces flushes
// through a debounce timer.
package readtracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/types"
)

const (
	// DefaultDebounce is the quiet period before a watermark is flushed.
	DefaultDebounce = 500 * time.Millisecond
	// VisibleRatio is the share of a message that must be on screen.
	VisibleRatio = 0.5

	defaultFlushTimeout = 10 * time.Second
	noWatermark         = -1
)

// Intersection reports how much of a message is inside the viewport.
type Intersection struct {
	MessageID types.MessageID
	Ratio     float64
}

// Observer is the viewport visibility source. TakeRecords drains entries
// queued while the page was hidden. Implementations deliver intersections
// asynchronously and must not call back into the tracker from these methods.
type Observer interface {
	Observe(id types.MessageID)
	Unobserve(id types.MessageID)
	TakeRecords() []Intersection
}

// MarkReadFunc reports the last read message of a chat.
type MarkReadFunc func(ctx context.Context, chatID types.ChatID, messageID types.MessageID) error

// Timer is the subset of *time.Timer the tracker uses.
type Timer interface {
	Stop() bool
}

// Clock schedules debounce callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Option customises a Tracker.
type Option func(*Tracker)

// WithObserver attaches a viewport observer.
func WithObserver(o Observer) Option { return func(t *Tracker) { t.observer = o } }

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(t *Tracker) { t.clock = c } }

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option { return func(t *Tracker) { t.debounce = d } }

// Tracker follows one conversation at a time.
type Tracker struct {
	user     types.UserID
	mark     MarkReadFunc
	observer Observer
	clock    Clock
	debounce time.Duration
	logger   zerolog.Logger

	mu         sync.Mutex
	chat       types.ChatID
	messages   []types.Message
	index      map[types.MessageID]int
	watermark  int
	flushed    int
	visible    bool
	timer      Timer
	generation uint64
	closed     bool
}

// New builds a tracker for the signed-in user.
func New(user types.UserID, mark MarkReadFunc, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		user:      user,
		mark:      mark,
		clock:     realClock{},
		debounce:  DefaultDebounce,
		logger:    logger.With().Str("component", "readtracker").Logger(),
		index:     make(map[types.MessageID]int),
		watermark: noWatermark,
		flushed:   noWatermark,
		visible:   true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Chat returns the conversation being tracked.
func (t *Tracker) Chat() types.ChatID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chat
}

// Watermark returns the highest counted message index, -1 when none.
func (t *Tracker) Watermark() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

// Flushed returns the index last reported to the server, -1 when none.
func (t *Tracker) Flushed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushed
}

// Pending reports whether a debounced flush is scheduled.
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// SwitchChat flushes the current conversation immediately, then starts
// tracking chatID from scratch.
func (t *Tracker) SwitchChat(ctx context.Context, chatID types.ChatID, messages []types.Message) {
	t.Flush(ctx)

	t.mu.Lock()
	t.unobserveAllLocked()
	t.chat = chatID
	t.messages = nil
	clear(t.index)
	t.watermark = noWatermark
	t.flushed = noWatermark
	t.mu.Unlock()

	t.SetMessages(messages)
}

// SetMessages replaces the ordered message list of the current conversation
// and observes every message. Indices of already-known messages must not
// change, so new messages are appended.
func (t *Tracker) SetMessages(messages []types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	t.unobserveAllLocked()
	t.messages = append([]types.Message(nil), messages...)
	clear(t.index)
	for i, msg := range t.messages {
		t.index[msg.ID] = i
	}
	t.observeAllLocked()
}

// HandleIntersections feeds viewport entries. Entries arriving while the page
// is hidden are ignored.
func (t *Tracker) HandleIntersections(entries []Intersection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.visible || t.closed {
		return
	}
	t.handleLocked(entries)
}

func (t *Tracker) handleLocked(entries []Intersection) {
	advanced := false
	for _, entry := range entries {
		if entry.Ratio < VisibleRatio {
			continue
		}
		idx, ok := t.index[entry.MessageID]
		if !ok || t.messages[idx].SenderID == t.user {
			continue
		}
		if idx > t.watermark {
			t.watermark = idx
			advanced = true
		}
	}
	if advanced {
		watermarkAdvances.Inc()
		t.scheduleLocked()
	}
}

// SetPageVisible records foreground changes. On return to the foreground the
// observer's queued records are processed and observation is re-registered.
func (t *Tracker) SetPageVisible(visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.visible == visible {
		return
	}
	t.visible = visible
	if !visible || t.observer == nil {
		return
	}

	t.handleLocked(t.observer.TakeRecords())
	t.unobserveAllLocked()
	t.observeAllLocked()
}

func (t *Tracker) scheduleLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	gen := t.generation
	t.timer = t.clock.AfterFunc(t.debounce, func() { t.fire(gen) })
}

func (t *Tracker) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	chat, id, ok := t.takeFlushLocked()
	t.mu.Unlock()

	if ok {
		ctx, cancel := context.WithTimeout(context.Background(), defaultFlushTimeout)
		defer cancel()
		t.send(ctx, chat, id)
	}
}

// Flush reports the watermark now, bypassing the debounce.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	chat, id, ok := t.takeFlushLocked()
	t.mu.Unlock()

	if ok {
		t.send(ctx, chat, id)
	}
}

// takeFlushLocked claims the watermark for flushing if it is ahead of what
// was already sent.
func (t *Tracker) takeFlushLocked() (types.ChatID, types.MessageID, bool) {
	if t.watermark <= t.flushed || t.watermark >= len(t.messages) {
		return "", "", false
	}
	t.flushed = t.watermark
	return t.chat, t.messages[t.watermark].ID, true
}

func (t *Tracker) send(ctx context.Context, chat types.ChatID, id types.MessageID) {
	if t.mark == nil {
		return
	}
	if err := t.mark(ctx, chat, id); err != nil {
		flushes.WithLabelValues(resultError).Inc()
		t.logger.Warn().Err(err).Str("chat", string(chat)).Str("message", string(id)).Msg("mark as read failed")
		return
	}
	flushes.WithLabelValues(resultOK).Inc()
	t.logger.Debug().Str("chat", string(chat)).Str("message", string(id)).Msg("marked as read")
}

// Close flushes any pending watermark and stops tracking.
func (t *Tracker) Close(ctx context.Context) {
	t.Flush(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.unobserveAllLocked()
	t.closed = true
}

func (t *Tracker) observeAllLocked() {
	if t.observer == nil {
		return
	}
	for _, msg := range t.messages {
		t.observer.Observe(msg.ID)
	}
}

func (t *Tracker) unobserveAllLocked() {
	if t.observer == nil {
		return
	}
	for _, msg := range t.messages {
		t.observer.Unobserve(msg.ID)
	}
}
