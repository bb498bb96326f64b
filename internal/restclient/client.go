// Package restclient calls the REST API. The roster syncer and read tracker
// use it as their fallback path when no hub connection is live.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/realtime"
	"github.com/example/roster-sync/internal/types"
)

const defaultMaxTries = 3

// Client is a REST API client authenticated with a bearer token.
type Client struct {
	baseURL  string
	token    realtime.TokenFunc
	http     *http.Client
	maxTries uint
	logger   zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithMaxTries bounds the attempts made for reads that fail to connect.
func WithMaxTries(n uint) Option { return func(cl *Client) { cl.maxTries = n } }

// New builds a client for the API served at baseURL.
func New(baseURL string, token realtime.TokenFunc, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: 15 * time.Second},
		maxTries: defaultMaxTries,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EventPositions fetches an event's roster.
func (c *Client) EventPositions(ctx context.Context, eventID types.EventID) ([]types.Position, error) {
	var out []types.Position
	err := c.get(ctx, "/api/events/"+url.PathEscape(string(eventID))+"/positions", &out)
	return out, err
}

// Position fetches one position.
func (c *Client) Position(ctx context.Context, id types.PositionID) (types.Position, error) {
	var out types.Position
	err := c.get(ctx, positionPath(id, ""), &out)
	return out, err
}

// ClaimPosition claims id for the token's user.
func (c *Client) ClaimPosition(ctx context.Context, id types.PositionID) (types.Position, error) {
	var out types.Position
	err := c.do(ctx, http.MethodPost, positionPath(id, "/claim"), nil, &out)
	return out, err
}

// ReleasePosition releases id held by the token's user.
func (c *Client) ReleasePosition(ctx context.Context, id types.PositionID) (types.Position, error) {
	var out types.Position
	err := c.do(ctx, http.MethodPost, positionPath(id, "/release"), nil, &out)
	return out, err
}

// AssignPosition places user on id.
func (c *Client) AssignPosition(ctx context.Context, id types.PositionID, user types.UserID) (types.Position, error) {
	return c.assign(ctx, id, &user)
}

// ClearPosition removes whoever occupies id.
func (c *Client) ClearPosition(ctx context.Context, id types.PositionID) (types.Position, error) {
	return c.assign(ctx, id, nil)
}

func (c *Client) assign(ctx context.Context, id types.PositionID, user *types.UserID) (types.Position, error) {
	var out types.Position
	body := struct {
		UserID *types.UserID `json:"userId"`
	}{user}
	err := c.do(ctx, http.MethodPost, positionPath(id, "/assign"), body, &out)
	return out, err
}

// Messages fetches up to limit of a chat's newest messages, oldest first.
func (c *Client) Messages(ctx context.Context, chatID types.ChatID, limit int) ([]types.Message, error) {
	path := chatPath(chatID, "/messages")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []types.Message
	err := c.get(ctx, path, &out)
	return out, err
}

// SendMessage posts body to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID types.ChatID, body string) (types.Message, error) {
	var out types.Message
	err := c.do(ctx, http.MethodPost, chatPath(chatID, "/messages"), map[string]string{"body": body}, &out)
	return out, err
}

// MarkRead advances the token user's watermark in chatID.
func (c *Client) MarkRead(ctx context.Context, chatID types.ChatID, messageID types.MessageID) error {
	body := map[string]types.MessageID{"messageId": messageID}
	return c.do(ctx, http.MethodPost, chatPath(chatID, "/read"), body, nil)
}

// ReadReceipts fetches every user's watermark in a chat.
func (c *Client) ReadReceipts(ctx context.Context, chatID types.ChatID) ([]types.ReadReceipt, error) {
	var out []types.ReadReceipt
	err := c.get(ctx, chatPath(chatID, "/receipts"), &out)
	return out, err
}

// get retries reads that could not reach the server.
func (c *Client) get(ctx context.Context, path string, out any) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err != nil && apperr.KindOf(err) != apperr.KindConnectionLost {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug().Err(err).Str("path", path).Dur("backoff", next).Msg("api read failed; retrying")
		}),
	)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return apperr.Wrap(apperr.KindUnauthorized, "access token unavailable", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.ConnectionLost(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var appErr apperr.Error
	if json.Unmarshal(raw, &appErr) == nil && appErr.Kind != "" {
		return &appErr
	}
	return apperr.FromStatus(resp.StatusCode, resp.Status)
}

func positionPath(id types.PositionID, suffix string) string {
	return "/api/positions/" + url.PathEscape(string(id)) + suffix
}

func chatPath(id types.ChatID, suffix string) string {
	return "/api/chats/" + url.PathEscape(string(id)) + suffix
}
