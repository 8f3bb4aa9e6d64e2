// Package rest wraps the platform's message history and send endpoints.
// Everything else on the REST surface (goals, portals, payments) belongs to
// the screens and is out of scope here.
package rest

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

	"go.uber.org/zap"
)

// AuthError is returned on 401/403 responses. It is never retried locally;
// the caller must surface it so credentials get reset and the realtime
// connection torn down.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized: http %d", e.StatusCode)
}

// Message is a server message record as returned by the REST endpoints.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	CreatedAt      int64  `json:"created_at"` // unix millis
	Read           bool   `json:"read"`
}

// Client talks to the message endpoints with bearer authentication.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// SetToken swaps the bearer token (credential refresh without rebuild).
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// History fetches up to limit messages older than beforeID in ascending
// order. A beforeID of 0 means "newest page".
func (c *Client) History(ctx context.Context, conversationID string, beforeID int64, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("conversation", conversationID)
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "ASC")

	body, err := c.request(ctx, http.MethodGet, "/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode history page: %w", err)
	}
	return resp.Messages, nil
}

// Send posts a new message and returns the server-confirmed record, whose
// id the reconciliation engine matches against its optimistic placeholder.
func (c *Client) Send(ctx context.Context, conversationID, text string) (*Message, error) {
	req := map[string]string{
		"conversation_id": conversationID,
		"text":            text,
	}
	body, err := c.request(ctx, http.MethodPost, "/messages/send", req)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	return &msg, nil
}

func (c *Client) request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.RUnlock()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api %s %s: %d %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
