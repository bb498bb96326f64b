package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/auth"
	"github.com/example/roster-sync/internal/hubproto"
)

const maxMessageSize = 64 << 10

// Config controls the runtime behaviour of the hub server.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	// PollTimeout bounds how long a long-poll request waits for data.
	PollTimeout time.Duration
	// Transports lists the enabled transports; empty enables all three.
	Transports []string
}

// Publisher fans a server-to-client invocation out to a hub group.
type Publisher interface {
	Publish(ctx context.Context, hub, group, target string, args ...any) error
}

// Server negotiates sessions and binds them to WebSocket, server-sent event
// or long-polling transports.
type Server struct {
	auth     auth.Authenticator
	logger   zerolog.Logger
	cfg      Config
	hubs     map[string]*Hub
	upgrader websocket.Upgrader
}

// NewServer creates a Server for hubs with sane defaults.
func NewServer(authn auth.Authenticator, logger zerolog.Logger, cfg Config, hubs ...*Hub) (*Server, error) {
	if authn == nil {
		return nil, errors.New("authenticator is required")
	}
	if len(hubs) == 0 {
		return nil, errors.New("at least one hub is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 25 * time.Second
	}
	if len(cfg.Transports) == 0 {
		cfg.Transports = []string{hubproto.TransportWebSockets, hubproto.TransportServerSentEvents, hubproto.TransportLongPolling}
	}

	byName := make(map[string]*Hub, len(hubs))
	for _, h := range hubs {
		if _, dup := byName[h.name]; dup {
			return nil, fmt.Errorf("hub %q registered twice", h.name)
		}
		byName[h.name] = h
	}
	return &Server{
		auth:   authn,
		logger: logger,
		cfg:    cfg,
		hubs:   byName,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Hub returns the hub registered under name.
func (s *Server) Hub(name string) (*Hub, bool) {
	h, ok := s.hubs[name]
	return h, ok
}

// Routes mounts the hub endpoints on r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/hubs/{hub}/negotiate", s.negotiate).Methods(http.MethodPost)
	r.HandleFunc("/hubs/{hub}", s.connect).Methods(http.MethodGet)
	r.HandleFunc("/hubs/{hub}", s.receive).Methods(http.MethodPost)
	r.HandleFunc("/hubs/{hub}", s.hangUp).Methods(http.MethodDelete)
}

// Publish delivers target to the local members of group on hub.
func (s *Server) Publish(_ context.Context, hub, group, target string, args ...any) error {
	h, ok := s.hubs[hub]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("unknown hub %q", hub))
	}
	_, err := h.Broadcast(group, target, args...)
	return err
}

// Deliver hands an encoded record to the local members of group on hub,
// skipping the session whose id equals skip.
func (s *Server) Deliver(hub, group string, frame []byte, skip string) int {
	h, ok := s.hubs[hub]
	if !ok {
		return 0
	}
	return h.BroadcastFrame(group, frame, skip)
}

// Shutdown tells every client to reconnect elsewhere and closes all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	closing := hubproto.Message{Type: hubproto.TypeClose, AllowReconnect: true}
	for _, h := range s.hubs {
		for _, sess := range h.registry.Sessions() {
			if err := ctx.Err(); err != nil {
				return err
			}
			_ = sess.SendMessage(closing)
			sess.Close(nil)
		}
	}
	return nil
}

func (s *Server) enabled(transport string) bool {
	return slices.Contains(s.cfg.Transports, transport)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (*Hub, auth.Identity, bool) {
	name := mux.Vars(r)["hub"]
	h, ok := s.hubs[name]
	if !ok {
		apperr.WriteHTTP(w, apperr.NotFound(fmt.Sprintf("unknown hub %q", name)))
		return nil, auth.Identity{}, false
	}
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return nil, auth.Identity{}, false
	}
	return h, identity, true
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	h, identity, ok := s.resolve(w, r)
	if !ok {
		return nil, false
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		apperr.WriteHTTP(w, apperr.Invalid("missing connection id"))
		return nil, false
	}
	sess, ok := h.registry.Session(id)
	if !ok {
		apperr.WriteHTTP(w, apperr.NotFound("unknown or closed connection"))
		return nil, false
	}
	if sess.identity.UserID != identity.UserID {
		apperr.WriteHTTP(w, apperr.Unauthorized("connection belongs to another user"))
		return nil, false
	}
	return sess, true
}

func (s *Server) negotiate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	h, identity, ok := s.resolve(w, r)
	if !ok {
		return
	}

	id := uuid.NewString()
	logger := s.logger.With().Str("hub", h.name).Str("session", id).Str("user", string(identity.UserID)).Logger()
	var sess *Session
	sess = newSession(id, h, identity, logger, sessionOptions{
		heartbeatInterval:  s.cfg.HeartbeatInterval,
		heartbeatTolerance: s.cfg.HeartbeatTolerance,
		sendBufferSize:     s.cfg.SendBuffer,
	}, func() {
		h.registry.Unregister(sess)
		if sess.Transport() != "" {
			h.disconnected(sess)
		}
	})
	h.registry.Register(sess)
	go sess.heartbeatLoop()

	resp := hubproto.NegotiateResponse{ConnectionID: id}
	for _, t := range s.cfg.Transports {
		resp.AvailableTransports = append(resp.AvailableTransports, hubproto.AvailableTransport{Transport: t})
	}
	negotiateLatency.WithLabelValues(h.name).Observe(time.Since(started).Seconds())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Debug().Err(err).Msg("write negotiate response")
	}
}

func (s *Server) bind(sess *Session, transport string) (bool, error) {
	if !s.enabled(transport) {
		return false, apperr.Invalid(fmt.Sprintf("transport %s is disabled", transport))
	}
	first, err := sess.attach(transport)
	switch {
	case errors.Is(err, errSessionClosed):
		return false, apperr.Wrap(apperr.KindNotFound, "connection closed", err)
	case err != nil:
		return false, apperr.Wrap(apperr.KindInvalid, "connection already bound", err)
	}
	if first {
		transportAttachments.WithLabelValues(sess.hub.name, transport).Inc()
		sess.logger.Info().Str("transport", transport).Msg("hub session established")
		sess.hub.connected(sess)
	}
	return first, nil
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	switch {
	case websocket.IsWebSocketUpgrade(r):
		s.serveWebSocket(w, r, sess)
	case strings.Contains(r.Header.Get("Accept"), "text/event-stream"):
		s.serveEvents(w, r, sess)
	default:
		s.poll(w, r, sess)
	}
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.KindInvalid, "read request body", err))
		return
	}
	sess.touch()
	if err := sess.hub.dispatch(sess, data); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) hangUp(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Close(nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, sess *Session) {
	if _, err := s.bind(sess, hubproto.TransportWebSockets); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Close(fmt.Errorf("websocket upgrade: %w", err))
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wsWriteLoop(conn, sess)
	}()
	s.wsReadLoop(conn, sess)
	<-done
}

func (s *Server) wsReadLoop(conn *websocket.Conn, sess *Session) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		sess.touch()
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			sess.Close(err)
			return
		}
		sess.touch()
		if err := sess.hub.dispatch(sess, data); err != nil {
			sess.logger.Debug().Err(err).Msg("dropping malformed frame")
		}
	}
}

func (s *Server) wsWriteLoop(conn *websocket.Conn, sess *Session) {
	defer conn.Close()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	write := func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	for {
		select {
		case frame := <-sess.send:
			if err := write(sess.drain(frame)); err != nil {
				sess.Close(err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				sess.Close(err)
				return
			}
		case <-sess.Done():
			if rest := sess.drain(nil); len(rest) > 0 {
				_ = write(rest)
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, sess *Session) {
	rc := http.NewResponseController(w)
	if _, err := s.bind(sess, hubproto.TransportServerSentEvents); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		sess.Close(fmt.Errorf("event stream: %w", err))
		return
	}

	write := func(data []byte) error {
		_ = rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil {
			return err
		}
		sess.touch()
		return nil
	}
	for {
		select {
		case frame := <-sess.send:
			if err := write(sess.drain(frame)); err != nil {
				sess.Close(err)
				return
			}
		case <-sess.Done():
			if rest := sess.drain(nil); len(rest) > 0 {
				_ = write(rest)
			}
			return
		case <-r.Context().Done():
			sess.Close(nil)
			return
		}
	}
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request, sess *Session) {
	first, err := s.bind(sess, hubproto.TransportLongPolling)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	sess.touch()
	defer sess.touch()

	respond := func(data []byte) {
		if len(data) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}

	if first {
		respond(sess.drain(nil))
		return
	}

	timer := time.NewTimer(s.cfg.PollTimeout)
	defer timer.Stop()
	select {
	case frame := <-sess.send:
		respond(sess.drain(frame))
	case <-timer.C:
		respond(nil)
	case <-sess.Done():
		if rest := sess.drain(nil); len(rest) > 0 {
			respond(rest)
			return
		}
		apperr.WriteHTTP(w, apperr.NotFound("connection closed"))
	case <-r.Context().Done():
	}
}
