package realtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/hubproto"
)

var errTransportClosed = errors.New("transport closed")

// Endpoint addresses one negotiated hub connection.
type Endpoint struct {
	URL          string
	ConnectionID string
	Token        string
	HTTPClient   *http.Client
}

func (ep Endpoint) withConnection() (*url.URL, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	q := u.Query()
	q.Set("id", ep.ConnectionID)
	u.RawQuery = q.Encode()
	return u, nil
}

func (ep Endpoint) client() *http.Client {
	if ep.HTTPClient != nil {
		return ep.HTTPClient
	}
	return http.DefaultClient
}

// Transport moves encoded hub records between client and server.
type Transport interface {
	Name() string
	Send(ctx context.Context, data []byte) error
	// Receive blocks until the server delivers data or the transport fails.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// TransportFactory opens a Transport of one kind.
type TransportFactory interface {
	Name() string
	Connect(ctx context.Context, ep Endpoint) (Transport, error)
}

// DefaultTransports returns the factories in preference order.
func DefaultTransports() []TransportFactory {
	return []TransportFactory{
		WebSocketTransport{},
		ServerSentEventsTransport{},
		LongPollingTransport{},
	}
}

// NegotiateFunc asks the server for a connection id and its transports.
type NegotiateFunc func(ctx context.Context, ep Endpoint) (hubproto.NegotiateResponse, error)

// HTTPNegotiate posts to {hub}/negotiate.
func HTTPNegotiate(ctx context.Context, ep Endpoint) (hubproto.NegotiateResponse, error) {
	resp, err := doHTTP(ctx, ep.client(), http.MethodPost, strings.TrimRight(ep.URL, "/")+"/negotiate", ep.Token, nil)
	if err != nil {
		return hubproto.NegotiateResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return hubproto.NegotiateResponse{}, statusError(resp, "negotiate")
	}
	var out hubproto.NegotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return hubproto.NegotiateResponse{}, fmt.Errorf("decode negotiate response: %w", err)
	}
	if out.ConnectionID == "" {
		return hubproto.NegotiateResponse{}, errors.New("negotiate response missing connection id")
	}
	return out, nil
}

// WebSocketTransport dials the hub with gorilla/websocket.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
}

func (WebSocketTransport) Name() string { return hubproto.TransportWebSockets }

func (f WebSocketTransport) Connect(ctx context.Context, ep Endpoint) (Transport, error) {
	u, err := ep.withConnection()
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	header := http.Header{}
	if ep.Token != "" {
		q := u.Query()
		q.Set("access_token", ep.Token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+ep.Token)
	}

	dialer := f.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.Wrap(apperr.KindUnauthorized, "websocket handshake rejected", err)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) Name() string { return hubproto.TransportWebSockets }

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive(context.Context) ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// ServerSentEventsTransport receives over an event stream and sends with POST.
type ServerSentEventsTransport struct{}

func (ServerSentEventsTransport) Name() string { return hubproto.TransportServerSentEvents }

func (ServerSentEventsTransport) Connect(ctx context.Context, ep Endpoint) (Transport, error) {
	u, err := ep.withConnection()
	if err != nil {
		return nil, err
	}

	// The stream outlives the connect context; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	req, err := newRequest(streamCtx, http.MethodGet, u.String(), ep.Token, nil)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := ep.client().Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, statusError(resp, "open event stream")
	}
	return &sseTransport{
		httpSender: httpSender{ep: ep, url: u.String()},
		body:       resp.Body,
		reader:     bufio.NewReader(resp.Body),
		cancel:     cancel,
	}, nil
}

type sseTransport struct {
	httpSender
	body      io.ReadCloser
	reader    *bufio.Reader
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (t *sseTransport) Name() string { return hubproto.TransportServerSentEvents }

func (t *sseTransport) Receive(context.Context) ([]byte, error) {
	var data []byte
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(data) > 0 {
				return data, nil
			}
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(payload, " ")...)
		}
	}
}

func (t *sseTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		_ = t.body.Close()
		t.hangUp()
	})
	return nil
}

// LongPollingTransport polls with GET and sends with POST.
type LongPollingTransport struct{}

func (LongPollingTransport) Name() string { return hubproto.TransportLongPolling }

func (LongPollingTransport) Connect(ctx context.Context, ep Endpoint) (Transport, error) {
	u, err := ep.withConnection()
	if err != nil {
		return nil, err
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	t := &pollTransport{
		httpSender: httpSender{ep: ep, url: u.String()},
		ctx:        pollCtx,
		cancel:     cancel,
	}

	// The first poll proves the session is reachable and returns promptly.
	stop := context.AfterFunc(ctx, cancel)
	first, err := t.poll()
	stop()
	if err != nil {
		cancel()
		return nil, err
	}
	t.pending = first
	return t, nil
}

type pollTransport struct {
	httpSender
	ctx       context.Context
	cancel    context.CancelFunc
	pending   []byte
	mu        sync.Mutex
	closeOnce sync.Once
}

func (t *pollTransport) Name() string { return hubproto.TransportLongPolling }

func (t *pollTransport) Receive(context.Context) ([]byte, error) {
	t.mu.Lock()
	if len(t.pending) > 0 {
		data := t.pending
		t.pending = nil
		t.mu.Unlock()
		return data, nil
	}
	t.mu.Unlock()

	for {
		data, err := t.poll()
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			return data, nil
		}
	}
}

func (t *pollTransport) poll() ([]byte, error) {
	if t.ctx.Err() != nil {
		return nil, errTransportClosed
	}
	resp, err := doHTTP(t.ctx, t.ep.client(), http.MethodGet, t.url, t.ep.Token, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, statusError(resp, "poll")
	}
}

func (t *pollTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.hangUp()
	})
	return nil
}

// httpSender posts outbound records for the HTTP-based transports.
type httpSender struct {
	ep  Endpoint
	url string
}

func (s httpSender) Send(ctx context.Context, data []byte) error {
	resp, err := doHTTP(ctx, s.ep.client(), http.MethodPost, s.url, s.ep.Token, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return statusError(resp, "send")
	}
	return nil
}

func (s httpSender) hangUp() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if resp, err := doHTTP(ctx, s.ep.client(), http.MethodDelete, s.url, s.ep.Token, nil); err == nil {
		resp.Body.Close()
	}
}

func newRequest(ctx context.Context, method, target, token string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	return req, nil
}

func doHTTP(ctx context.Context, client *http.Client, method, target, token string, body []byte) (*http.Response, error) {
	req, err := newRequest(ctx, method, target, token, body)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperr.ConnectionLost(err)
	}
	return resp, nil
}

func statusError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var appErr apperr.Error
	if json.Unmarshal(body, &appErr) == nil && appErr.Kind != "" {
		return &appErr
	}
	return apperr.FromStatus(resp.StatusCode, fmt.Sprintf("%s: %s", op, resp.Status))
}
