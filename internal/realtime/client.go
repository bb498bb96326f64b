package realtime

import (
	"context"

	"github.com/example/roster-sync/internal/apperr"
)

// HubClient invokes methods on whichever connection the manager currently
// tracks for one hub, so callers survive restarts without rebinding.
type HubClient struct {
	manager *Manager
	baseURL string
	hub     string
}

// Client returns a HubClient bound to baseURL and hub.
func (m *Manager) Client(baseURL, hub string) *HubClient {
	return &HubClient{manager: m, baseURL: baseURL, hub: hub}
}

// Connected reports whether calls would go over a live connection.
func (c *HubClient) Connected() bool {
	return c.manager.IsConnected(c.baseURL, c.hub)
}

// InvokeResult calls method on the live connection.
func (c *HubClient) InvokeResult(ctx context.Context, out any, method string, args ...any) error {
	conn := c.manager.Connection(c.baseURL, c.hub)
	if conn == nil {
		return apperr.ConnectionLost(ErrNotConnected)
	}
	return conn.InvokeResult(ctx, out, method, args...)
}

// Invoke calls method and discards the result.
func (c *HubClient) Invoke(ctx context.Context, method string, args ...any) error {
	return c.InvokeResult(ctx, nil, method, args...)
}
