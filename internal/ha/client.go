// Package ha is a thin client for the Home Assistant REST API: calling
// services and reading entity states, authenticated with a long-lived
// bearer token.
package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client calls the Home Assistant REST API. One client is created per
// call and not shared across calls.
type Client struct {
	http *resty.Client
}

// StatusError carries a non-2xx controller response so the caller can
// surface status and body as a tool result.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("home assistant returned %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a client for the Home Assistant instance at
// baseURL using token for bearer authentication.
func NewClient(baseURL, token string) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)

	return &Client{http: http}
}

// CallService POSTs serviceData to /api/services/<domain>/<service>
// and returns the response body decoded as JSON.
func (c *Client) CallService(ctx context.Context, domain, service string, serviceData map[string]any) (any, error) {
	if serviceData == nil {
		serviceData = map[string]any{}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(serviceData).
		Post(fmt.Sprintf("/api/services/%s/%s", domain, service))
	if err != nil {
		return nil, fmt.Errorf("call service %s.%s: %w", domain, service, err)
	}
	if resp.IsError() {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	var result any
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		// Some services reply with an empty body.
		return nil, nil
	}
	return result, nil
}

// GetState reads /api/states/<entityID> and returns the decoded state
// object.
func (c *Client) GetState(ctx context.Context, entityID string) (map[string]any, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/api/states/" + entityID)
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", entityID, err)
	}
	if resp.IsError() {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	var state map[string]any
	if err := json.Unmarshal(resp.Body(), &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", entityID, err)
	}
	return state, nil
}

// Close releases idle connections held by the underlying HTTP client.
func (c *Client) Close() {
	c.http.GetClient().CloseIdleConnections()
}
