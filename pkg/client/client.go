// Package client is a Go SDK for the settlement coordinator API. A Client is
// a session: Connect authenticates, Send submits settlements, and
// StreamSettlements follows status changes over a websocket.
package client

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
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultTimeout = 30 * time.Second

// Config carries the connection settings for a session.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client is one authenticated session against the coordinator. Connect and
// Disconnect are idempotent; all other calls require a connected session.
type Client struct {
	baseURL string
	apiKey  string
	secret  string
	http    *http.Client

	mu    sync.Mutex
	token string
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		secret:  cfg.APISecret,
		http:    &http.Client{Timeout: timeout},
	}
}

// Connect authenticates the session. Calling Connect on a connected session
// is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"api_key":    c.apiKey,
		"api_secret": c.secret,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := c.doInto(req, &result); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if result.Token == "" {
		return fmt.Errorf("authentication failed: empty token")
	}

	c.token = result.Token
	return nil
}

// Disconnect drops the session token. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

// IsConnected reports whether the session holds a token.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// SendOption customizes a settlement submission.
type SendOption func(*sendOptions)

type sendOptions struct {
	idempotencyKey string
	wait           bool
}

// WithIdempotencyKey pins the submission to a client-chosen key, making
// retries safe.
func WithIdempotencyKey(key string) SendOption {
	return func(o *sendOptions) { o.idempotencyKey = key }
}

// WithWait blocks the call until the settlement reaches a terminal status.
func WithWait() SendOption {
	return func(o *sendOptions) { o.wait = true }
}

// Send submits a single-transfer settlement.
func (c *Client) Send(ctx context.Context, req SettlementRequest, opts ...SendOption) (*Settlement, error) {
	return c.submit(ctx, "/api/v1/settlements", req, opts)
}

// SendMulti submits a settlement with explicit legs that commit atomically.
func (c *Client) SendMulti(ctx context.Context, req MultiSettlementRequest, opts ...SendOption) (*Settlement, error) {
	return c.submit(ctx, "/api/v1/settlements/multi", req, opts)
}

func (c *Client) submit(ctx context.Context, path string, payload interface{}, opts []SendOption) (*Settlement, error) {
	options := sendOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	target := c.baseURL + path
	if options.wait {
		target += "?wait=true"
	}
	req, err := c.newAuthedRequest(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if options.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", options.idempotencyKey)
	}

	var settlement Settlement
	if err := c.doInto(req, &settlement); err != nil {
		return nil, err
	}
	return &settlement, nil
}

// GetSettlement fetches one settlement by id.
func (c *Client) GetSettlement(ctx context.Context, settlementID string) (*Settlement, error) {
	req, err := c.newAuthedRequest(ctx, http.MethodGet,
		c.baseURL+"/api/v1/settlements/"+url.PathEscape(settlementID), nil)
	if err != nil {
		return nil, err
	}

	var settlement Settlement
	if err := c.doInto(req, &settlement); err != nil {
		return nil, err
	}
	return &settlement, nil
}

// ListSettlements returns the session participant's settlements, newest
// first. Pass an empty status to list all.
func (c *Client) ListSettlements(ctx context.Context, status string, limit, offset int) ([]Settlement, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	req, err := c.newAuthedRequest(ctx, http.MethodGet,
		c.baseURL+"/api/v1/settlements?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var settlements []Settlement
	if err := c.doInto(req, &settlements); err != nil {
		return nil, err
	}
	return settlements, nil
}

// GetBalances returns every currency balance held by the session participant.
func (c *Client) GetBalances(ctx context.Context) ([]Balance, error) {
	req, err := c.newAuthedRequest(ctx, http.MethodGet, c.baseURL+"/api/v1/balances", nil)
	if err != nil {
		return nil, err
	}

	var balances []Balance
	if err := c.doInto(req, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// GetBalance returns the session participant's balance in one currency.
func (c *Client) GetBalance(ctx context.Context, currency string) (*Balance, error) {
	req, err := c.newAuthedRequest(ctx, http.MethodGet,
		c.baseURL+"/api/v1/balances/"+url.PathEscape(currency), nil)
	if err != nil {
		return nil, err
	}

	var balance Balance
	if err := c.doInto(req, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// StreamSettlements opens the websocket feed of the participant's settlement
// status changes. The returned channel closes when the context ends or the
// connection drops; resubscribe and re-query to recover anything missed.
func (c *Client) StreamSettlements(ctx context.Context) (<-chan Event, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return nil, fmt.Errorf("not connected")
	}

	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/v1/stream"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("stream dial failed: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer conn.Close()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			var event Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *Client) newAuthedRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return nil, fmt.Errorf("not connected")
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// doInto executes the request and unmarshals the envelope's data field.
func (c *Client) doInto(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *APIError       `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("malformed response (%d): %s", resp.StatusCode, string(body))
	}

	if envelope.Error != nil {
		return envelope.Error
	}
	if !envelope.Success {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
