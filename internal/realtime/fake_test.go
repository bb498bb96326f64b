package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/roster-sync/internal/hubproto"
)

// fakeHub plays the server side of every fakeTransport it hands out.
type fakeHub struct {
	mu         sync.Mutex
	transports []*fakeTransport
	received   []hubproto.Message
	negotiated atomic.Int32
	// reply computes the completion for an invocation; nil acknowledges it.
	reply func(msg hubproto.Message) (any, error)
}

func newFakeHub() *fakeHub { return &fakeHub{} }

func (h *fakeHub) negotiate(context.Context, Endpoint) (hubproto.NegotiateResponse, error) {
	n := h.negotiated.Add(1)
	return hubproto.NegotiateResponse{
		ConnectionID: fmt.Sprintf("conn-%d", n),
		AvailableTransports: []hubproto.AvailableTransport{
			{Transport: hubproto.TransportWebSockets},
			{Transport: hubproto.TransportServerSentEvents},
			{Transport: hubproto.TransportLongPolling},
		},
	}, nil
}

func (h *fakeHub) latest() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.transports) == 0 {
		return nil
	}
	return h.transports[len(h.transports)-1]
}

func (h *fakeHub) invocations(target string) []hubproto.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hubproto.Message
	for _, msg := range h.received {
		if msg.Type == hubproto.TypeInvocation && msg.Target == target {
			out = append(out, msg)
		}
	}
	return out
}

func (h *fakeHub) handle(t *fakeTransport, msg hubproto.Message) {
	h.mu.Lock()
	h.received = append(h.received, msg)
	reply := h.reply
	h.mu.Unlock()

	if msg.Type != hubproto.TypeInvocation || msg.InvocationID == "" {
		return
	}
	var (
		result any
		err    error
	)
	if reply != nil {
		result, err = reply(msg)
	}
	completion, cErr := hubproto.NewCompletion(msg.InvocationID, result, err)
	if cErr != nil {
		panic(cErr)
	}
	t.push(completion)
}

// fakeFactory hands out fakeTransports, optionally failing.
type fakeFactory struct {
	name     string
	hub      *fakeHub
	fail     error
	connects atomic.Int32
	mu       sync.Mutex
}

func (f *fakeFactory) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeFactory) Name() string { return f.name }

func (f *fakeFactory) Connect(ctx context.Context, ep Endpoint) (Transport, error) {
	f.connects.Add(1)
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &fakeTransport{
		name:   f.name,
		hub:    f.hub,
		connID: ep.ConnectionID,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	f.hub.mu.Lock()
	f.hub.transports = append(f.hub.transports, t)
	f.hub.mu.Unlock()
	return t, nil
}

type fakeTransport struct {
	name      string
	hub       *fakeHub
	connID    string
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	messages, err := hubproto.Decode(data)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		t.hub.handle(t, msg)
	}
	return nil
}

func (t *fakeTransport) Receive(context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// push delivers a server message to the client.
func (t *fakeTransport) push(msg hubproto.Message) {
	select {
	case t.in <- hubproto.MustEncode(msg):
	case <-t.closed:
	}
}

// invoke delivers a server-to-client invocation.
func (t *fakeTransport) invoke(target string, args ...any) {
	msg, err := hubproto.NewInvocation("", target, args...)
	if err != nil {
		panic(err)
	}
	t.push(msg)
}

// drop simulates a network failure.
func (t *fakeTransport) drop() { _ = t.Close() }

func fastRetry() ExponentialBackoff {
	return ExponentialBackoff{Base: time.Millisecond, Max: 2 * time.Millisecond}
}

func testConnOptions(hub *fakeHub, factories ...TransportFactory) []ConnOption {
	if len(factories) == 0 {
		factories = []TransportFactory{&fakeFactory{name: hubproto.TransportWebSockets, hub: hub}}
	}
	return []ConnOption{
		WithNegotiator(hub.negotiate),
		WithTransports(factories...),
		WithRetryPolicy(fastRetry()),
	}
}

var errBoom = errors.New("boom")
