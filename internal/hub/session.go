package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/auth"
	"github.com/example/roster-sync/internal/hubproto"
)

var (
	errSendBufferFull  = errors.New("send buffer full")
	errSessionClosed   = errors.New("session closed")
	errHeartbeatMissed = errors.New("missed heartbeats")
	errTransportInUse  = errors.New("session already bound to another transport")
)

type sessionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
}

// Session is one negotiated client connection. Outbound records queue on the
// session until the attached transport drains them.
type Session struct {
	id       string
	hub      *Hub
	identity auth.Identity
	logger   zerolog.Logger
	opts     sessionOptions

	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	transport atomic.Value // string
	lastSeen  atomic.Int64

	groupsMu sync.Mutex
	groups   map[string]struct{}

	onClose func()
}

func newSession(id string, h *Hub, identity auth.Identity, logger zerolog.Logger, opts sessionOptions, onClose func()) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		hub:      h,
		identity: identity,
		logger:   logger,
		opts:     opts,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		groups:   make(map[string]struct{}),
		onClose:  onClose,
	}
	s.transport.Store("")
	s.touch()
	return s
}

// ID returns the negotiated connection id.
func (s *Session) ID() string { return s.id }

// Hub returns the owning hub's name.
func (s *Session) Hub() string { return s.hub.name }

// Identity returns the authenticated caller.
func (s *Session) Identity() auth.Identity { return s.identity }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Transport returns the bound transport name, empty before the first attach.
func (s *Session) Transport() string { return s.transport.Load().(string) }

// attach binds the session to transport. Long polling re-attaches per poll.
func (s *Session) attach(transport string) (first bool, err error) {
	if s.ctx.Err() != nil {
		return false, errSessionClosed
	}
	if s.transport.CompareAndSwap("", transport) {
		return true, nil
	}
	if s.Transport() == transport && transport == hubproto.TransportLongPolling {
		return false, nil
	}
	return false, errTransportInUse
}

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// Send enqueues an encoded record. A full queue closes the session.
func (s *Session) Send(frame []byte) error {
	if s.ctx.Err() != nil {
		return errSessionClosed
	}
	select {
	case s.send <- frame:
		sendQueueDepth.WithLabelValues(s.hub.name).Set(float64(len(s.send)))
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	default:
		s.logger.Warn().Msg("send buffer full; closing session")
		backpressureCloses.WithLabelValues(s.hub.name).Inc()
		s.Close(errSendBufferFull)
		return errSendBufferFull
	}
}

// SendMessage encodes and enqueues msg.
func (s *Session) SendMessage(msg hubproto.Message) error {
	frame, err := hubproto.Encode(msg)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

// Invoke sends a server-to-client invocation.
func (s *Session) Invoke(target string, args ...any) error {
	msg, err := hubproto.NewInvocation("", target, args...)
	if err != nil {
		return err
	}
	return s.SendMessage(msg)
}

// drain returns every queued record without blocking.
func (s *Session) drain(first []byte) []byte {
	buf := append([]byte(nil), first...)
	for {
		select {
		case frame := <-s.send:
			buf = append(buf, frame...)
		default:
			return buf
		}
	}
}

// Close terminates the session once; cause is nil for a requested close.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
		if cause != nil {
			s.logger.Debug().Err(cause).Msg("session closed")
		} else {
			s.logger.Debug().Msg("session closed")
		}
	})
}

func (s *Session) addGroup(group string) {
	s.groupsMu.Lock()
	s.groups[group] = struct{}{}
	s.groupsMu.Unlock()
}

func (s *Session) removeGroup(group string) {
	s.groupsMu.Lock()
	delete(s.groups, group)
	s.groupsMu.Unlock()
}

// Groups lists the groups the session belongs to.
func (s *Session) Groups() []string {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	return out
}

// heartbeatLoop pings the client and closes sessions whose transport has
// stopped showing signs of life.
func (s *Session) heartbeatLoop() {
	if s.opts.heartbeatInterval <= 0 {
		return
	}
	ping := hubproto.MustEncode(hubproto.Message{Type: hubproto.TypePing})
	ticker := time.NewTicker(s.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Send(ping); err != nil {
				return
			}
			if s.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, s.lastSeen.Load())
				allowed := s.opts.heartbeatInterval * time.Duration(s.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					s.Close(errHeartbeatMissed)
					return
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}
