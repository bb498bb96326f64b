package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/hubproto"
	"github.com/example/roster-sync/internal/types"
)

// ErrNotConnected is returned when invoking on a connection that is not live.
var ErrNotConnected = errors.New("hub connection is not connected")

// State is the lifecycle state of a Conn.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string { return string(s.Status()) }

// Status converts the state into the UI-facing connection status.
func (s State) Status() types.ConnectionStatus {
	switch s {
	case StateConnecting:
		return types.StatusConnecting
	case StateConnected:
		return types.StatusConnected
	case StateReconnecting:
		return types.StatusReconnecting
	default:
		return types.StatusDisconnected
	}
}

// TokenFunc supplies the bearer token for each (re)connect.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc that always yields token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// Handler receives the arguments of a server-invoked method.
type Handler func(args []json.RawMessage)

// ConnOption customises a Conn.
type ConnOption func(*Conn)

// WithTransports overrides the transport preference list.
func WithTransports(factories ...TransportFactory) ConnOption {
	return func(c *Conn) { c.factories = factories }
}

// WithNegotiator overrides the negotiate step.
func WithNegotiator(fn NegotiateFunc) ConnOption {
	return func(c *Conn) { c.negotiate = fn }
}

// WithRetryPolicy overrides the automatic reconnect policy.
func WithRetryPolicy(policy RetryPolicy) ConnOption {
	return func(c *Conn) { c.policy = policy }
}

// WithHTTPClient sets the client used by negotiate and HTTP transports.
func WithHTTPClient(client *http.Client) ConnOption {
	return func(c *Conn) { c.httpClient = client }
}

// Conn is a client connection to one hub. It reconnects automatically and is
// single-use: once it reaches StateDisconnected after Start it stays there.
type Conn struct {
	url        string
	hub        string
	token      TokenFunc
	factories  []TransportFactory
	negotiate  NegotiateFunc
	policy     RetryPolicy
	httpClient *http.Client
	logger     zerolog.Logger

	mu           sync.Mutex
	state        State
	started      bool
	stopped      bool
	transport    Transport
	connectionID string
	handlers     map[string][]Handler
	pending      map[string]chan hubproto.Message

	onReconnecting []func(error)
	onReconnected  []func(connectionID string)
	onClose        []func(error)

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn builds a connection to the hub at url (e.g. https://api/hubs/position).
func NewConn(url, hub string, token TokenFunc, logger zerolog.Logger, opts ...ConnOption) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:       url,
		hub:       hub,
		token:     token,
		factories: DefaultTransports(),
		negotiate: HTTPNegotiate,
		policy:    DefaultBackoff(),
		logger:    logger.With().Str("hub", hub).Logger(),
		handlers:  make(map[string][]Handler),
		pending:   make(map[string]chan hubproto.Message),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hub returns the hub name.
func (c *Conn) Hub() string { return c.hub }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the id negotiated for the live transport.
func (c *Conn) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Transport returns the name of the live transport, if any.
func (c *Conn) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return ""
	}
	return c.transport.Name()
}

// Done is closed once the connection has terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

// On registers a handler for a server-invoked method. Handlers run on the
// read goroutine and must not block on Invoke.
func (c *Conn) On(method string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = append(c.handlers[method], handler)
}

// Off removes every handler for method.
func (c *Conn) Off(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, method)
}

// OnReconnecting registers a callback fired when the transport drops.
func (c *Conn) OnReconnecting(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = append(c.onReconnecting, fn)
}

// OnReconnected registers a callback fired after a successful reconnect.
func (c *Conn) OnReconnected(fn func(connectionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = append(c.onReconnected, fn)
}

// OnClose registers a callback fired once when the connection terminates.
// err is nil for a requested Stop.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Start negotiates and opens the first transport.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("hub connection already started")
	}
	c.started = true
	c.state = StateConnecting
	c.mu.Unlock()

	tr, connectionID, err := c.connect(ctx)
	if err != nil {
		c.finish(err, false)
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = tr.Close()
		c.finish(nil, true)
		return apperr.ConnectionLost(ErrNotConnected)
	}
	c.transport = tr
	c.connectionID = connectionID
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info().Str("transport", tr.Name()).Str("connection", connectionID).Msg("hub connection established")
	go c.readLoop(tr)
	return nil
}

// Stop closes the connection and waits for teardown or ctx expiry.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	tr := c.transport
	c.mu.Unlock()

	c.cancel()
	if tr != nil {
		closeMsg := hubproto.MustEncode(hubproto.Message{Type: hubproto.TypeClose})
		sendCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = tr.Send(sendCtx, closeMsg)
		cancel()
		_ = tr.Close()
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke calls a hub method and waits for its completion.
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) error {
	return c.InvokeResult(ctx, nil, method, args...)
}

// InvokeResult calls a hub method and decodes the completion result into out.
// Hub failures come back as *apperr.Error; transport failures as ConnectionLost.
func (c *Conn) InvokeResult(ctx context.Context, out any, method string, args ...any) error {
	id := uuid.NewString()
	msg, err := hubproto.NewInvocation(id, method, args...)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalid, "invalid invocation arguments", err)
	}
	data, err := hubproto.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}

	c.mu.Lock()
	if c.state != StateConnected || c.transport == nil {
		c.mu.Unlock()
		return apperr.ConnectionLost(ErrNotConnected)
	}
	ch := make(chan hubproto.Message, 1)
	c.pending[id] = ch
	tr := c.transport
	c.mu.Unlock()

	if err := tr.Send(ctx, data); err != nil {
		c.dropPending(id)
		return apperr.ConnectionLost(err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return apperr.ConnectionLost(ctx.Err())
	}
}

// Send fires an invocation without waiting for a completion.
func (c *Conn) Send(ctx context.Context, method string, args ...any) error {
	msg, err := hubproto.NewInvocation("", method, args...)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalid, "invalid invocation arguments", err)
	}
	c.mu.Lock()
	tr := c.transport
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || tr == nil {
		return apperr.ConnectionLost(ErrNotConnected)
	}
	if err := tr.Send(ctx, hubproto.MustEncode(msg)); err != nil {
		return apperr.ConnectionLost(err)
	}
	return nil
}

func (c *Conn) connect(ctx context.Context) (Transport, string, error) {
	token := ""
	if c.token != nil {
		t, err := c.token(ctx)
		if err != nil {
			return nil, "", apperr.Wrap(apperr.KindUnauthorized, "access token unavailable", err)
		}
		token = t
	}
	ep := Endpoint{URL: c.url, Token: token, HTTPClient: c.httpClient}

	negotiated, err := c.negotiate(ctx, ep)
	if err != nil {
		return nil, "", fmt.Errorf("negotiate %s: %w", c.hub, err)
	}
	ep.ConnectionID = negotiated.ConnectionID

	var lastErr error
	for _, factory := range c.factories {
		if !negotiated.Supports(factory.Name()) {
			continue
		}
		tr, err := factory.Connect(ctx, ep)
		if err != nil {
			c.logger.Debug().Err(err).Str("transport", factory.Name()).Msg("transport unavailable; falling back")
			lastErr = err
			if apperr.KindOf(err) == apperr.KindUnauthorized {
				return nil, "", err
			}
			continue
		}
		return tr, negotiated.ConnectionID, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no mutually supported transport")
	}
	return nil, "", fmt.Errorf("connect %s: %w", c.hub, lastErr)
}

func (c *Conn) readLoop(tr Transport) {
	var buf []byte
	for {
		data, err := tr.Receive(c.ctx)
		if err != nil {
			c.transportLost(tr, err)
			return
		}
		buf = append(buf, data...)
		cut := bytes.LastIndexByte(buf, hubproto.RecordSeparator)
		if cut < 0 {
			continue
		}
		messages, err := hubproto.Decode(buf[:cut+1])
		buf = append([]byte(nil), buf[cut+1:]...)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed hub frame")
		}
		for _, msg := range messages {
			if closed := c.dispatch(tr, msg); closed {
				return
			}
		}
	}
}

// dispatch handles one inbound message and reports whether the read loop
// must stop.
func (c *Conn) dispatch(tr Transport, msg hubproto.Message) bool {
	switch msg.Type {
	case hubproto.TypeInvocation:
		c.mu.Lock()
		handlers := append([]Handler(nil), c.handlers[msg.Target]...)
		c.mu.Unlock()
		for _, h := range handlers {
			c.safeHandle(msg.Target, h, msg.Arguments)
		}
	case hubproto.TypeCompletion:
		c.mu.Lock()
		ch, ok := c.pending[msg.InvocationID]
		delete(c.pending, msg.InvocationID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	case hubproto.TypePing:
	case hubproto.TypeClose:
		var cause error
		if msg.Error != nil {
			cause = msg.Error
		}
		if msg.AllowReconnect {
			if cause == nil {
				cause = errors.New("server requested reconnect")
			}
			_ = tr.Close()
			c.transportLost(tr, cause)
			return true
		}
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		_ = tr.Close()
		c.finish(cause, true)
		return true
	default:
		c.logger.Debug().Int("type", int(msg.Type)).Msg("ignoring unknown hub message")
	}
	return false
}

func (c *Conn) safeHandle(method string, h Handler, args []json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("method", method).Interface("panic", r).Msg("hub handler panicked")
		}
	}()
	h(args)
}

func (c *Conn) transportLost(tr Transport, cause error) {
	c.mu.Lock()
	if c.transport != tr {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	if c.stopped {
		c.mu.Unlock()
		c.finish(nil, true)
		return
	}
	c.state = StateReconnecting
	c.failPendingLocked(cause)
	callbacks := append([]func(error){}, c.onReconnecting...)
	c.mu.Unlock()

	c.logger.Warn().Err(cause).Msg("hub connection lost; reconnecting")
	for _, fn := range callbacks {
		fn(cause)
	}
	go c.reconnect(cause)
}

func (c *Conn) reconnect(cause error) {
	started := time.Now()
	for retries := 0; ; retries++ {
		delay, ok := c.policy.NextDelay(retries)
		if !ok {
			c.logger.Error().Err(cause).Int("retries", retries).Dur("elapsed", time.Since(started)).Msg("giving up reconnecting")
			c.finish(cause, true)
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			c.finish(nil, true)
			return
		}

		reconnectAttempts.WithLabelValues(c.hub).Inc()
		tr, connectionID, err := c.connect(c.ctx)
		if err != nil {
			cause = err
			c.logger.Debug().Err(err).Int("retry", retries+1).Msg("reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			_ = tr.Close()
			c.finish(nil, true)
			return
		}
		c.transport = tr
		c.connectionID = connectionID
		c.state = StateConnected
		callbacks := append([]func(string){}, c.onReconnected...)
		c.mu.Unlock()

		c.logger.Info().Str("transport", tr.Name()).Int("retries", retries+1).Msg("hub connection re-established")
		go c.readLoop(tr)
		for _, fn := range callbacks {
			fn(connectionID)
		}
		return
	}
}

// finish moves the connection to its terminal state exactly once.
func (c *Conn) finish(cause error, notify bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.transport = nil
		c.failPendingLocked(ErrNotConnected)
		callbacks := append([]func(error){}, c.onClose...)
		c.mu.Unlock()

		c.cancel()
		// Close hooks run before done is closed so Stop returns after them.
		if notify {
			for _, fn := range callbacks {
				fn(cause)
			}
		}
		close(c.done)
	})
}

func (c *Conn) failPendingLocked(cause error) {
	for id, ch := range c.pending {
		ch <- hubproto.Message{Type: hubproto.TypeCompletion, InvocationID: id, Error: apperr.ConnectionLost(cause)}
		delete(c.pending, id)
	}
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
