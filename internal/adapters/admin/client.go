package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// APIError is a non-2xx response from the admin API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %s (%d %s)", e.Message, e.StatusCode, e.Code)
}

// Unwrap maps known codes back to the control-surface sentinels, so callers
// can use errors.Is on either side of the wire.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeNotBlocked:
		return ports.ErrNotBlocked
	case CodeNotWhitelisted:
		return ports.ErrNotWhitelisted
	case CodeStopped:
		return ports.ErrMonitorStopped
	case CodeInvalidRequest:
		return domain.ErrInvalidEvent
	case CodeInvalidEntry:
		return domain.ErrInvalidWhitelistEntry
	}
	return nil
}

// Client talks to a running sshwarden admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient accepts either a URL or a bare host:port.
func NewClient(addr string, timeout time.Duration) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Status(ctx context.Context) (domain.StatusSnapshot, error) {
	var snap domain.StatusSnapshot
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &snap)
	return snap, err
}

func (c *Client) Blocks(ctx context.Context) (BlocksResponse, error) {
	var resp BlocksResponse
	err := c.do(ctx, http.MethodGet, "/v1/blocks", nil, &resp)
	return resp, err
}

func (c *Client) Unblock(ctx context.Context, identity string) error {
	return c.do(ctx, http.MethodPost, "/v1/unblock", UnblockRequest{Identity: identity}, nil)
}

func (c *Client) Whitelist(ctx context.Context) ([]string, error) {
	var resp WhitelistResponse
	err := c.do(ctx, http.MethodGet, "/v1/whitelist", nil, &resp)
	return resp.Entries, err
}

func (c *Client) WhitelistAdd(ctx context.Context, entry string) error {
	return c.do(ctx, http.MethodPost, "/v1/whitelist", WhitelistRequest{Entry: entry}, nil)
}

func (c *Client) WhitelistRemove(ctx context.Context, entry string) error {
	return c.do(ctx, http.MethodDelete, "/v1/whitelist", WhitelistRequest{Entry: entry}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&er); err == nil {
			apiErr.Code = er.Code
			if er.Error != "" {
				apiErr.Message = er.Error
			}
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("admin api %s %s: decode response: %w", method, path, err)
	}
	return nil
}
