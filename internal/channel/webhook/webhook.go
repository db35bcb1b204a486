package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"listflow/internal/channel"
	"listflow/internal/domain"
)

// TokenProvider yields the bearer token for an account.
type TokenProvider interface {
	Get(ctx context.Context, account string) (string, error)
	Invalidate(account string)
}

// Client lists items by POSTing them to a marketplace bridge endpoint.
type Client struct {
	Endpoint string
	Headers  map[string]string
	Tokens   TokenProvider // optional
	HTTP     *http.Client
}

type Request struct {
	ItemKey string          `json:"item_key"`
	Channel string          `json:"channel"`
	Account string          `json:"account"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func New(endpoint string, timeout time.Duration, tokens TokenProvider) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		Endpoint: endpoint,
		Tokens:   tokens,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

var _ channel.Client = (*Client)(nil)

func (c *Client) List(ctx context.Context, item domain.WorkItem) (channel.Result, error) {
	if c.Endpoint == "" {
		return channel.Result{}, fmt.Errorf("endpoint is required")
	}

	body, err := json.Marshal(Request{ItemKey: item.ItemKey, Channel: item.Channel, Account: item.Account, Payload: item.Payload})
	if err != nil {
		return channel.Result{}, fmt.Errorf("invalid listing payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return channel.Result{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}
	if c.Tokens != nil {
		tok, err := c.Tokens.Get(ctx, item.Account)
		if err != nil {
			return channel.Result{}, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return channel.Result{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return channel.Result{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && c.Tokens != nil {
		c.Tokens.Invalidate(item.Account)
	}
	if resp.StatusCode >= 400 {
		return channel.Result{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var res channel.Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return channel.Result{}, fmt.Errorf("invalid listing response: %w", err)
	}
	return res, nil
}
