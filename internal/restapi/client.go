// Package restapi is the HTTP client for the chat REST endpoints.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Unwrap maps well-known statuses onto the shared sentinel errors.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return interfaces.ErrUnauthorized
	case http.StatusNotFound:
		if e.Code == types.CodeUserNotFound {
			return interfaces.ErrUserNotFound
		}
		return interfaces.ErrChatNotFound
	default:
		return nil
	}
}

// Client implements interfaces.ChatAPI.
type Client struct {
	base   *url.URL
	token  func() string
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithToken sets the bearer token source. An empty token sends no header.
func WithToken(token func() string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", u.Scheme)
	}

	c := &Client{
		base:   u,
		token:  func() string { return "" },
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "restapi")
	return c, nil
}

func (c *Client) CreateOrGetChat(ctx context.Context, req types.CreateChatRequest) (*types.Conversation, error) {
	var conv types.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/chat", nil, req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) ListChats(ctx context.Context, userID string) ([]*types.Conversation, error) {
	var convs []*types.Conversation
	q := url.Values{"userId": {userID}}
	if err := c.do(ctx, http.MethodGet, "/api/chat", q, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Client) GetMessages(ctx context.Context, chatID string) ([]*types.Message, error) {
	var msgs []*types.Message
	if err := c.do(ctx, http.MethodGet, "/api/message/"+url.PathEscape(chatID), nil, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, req types.SendMessageRequest) (*types.Message, error) {
	var msg types.Message
	if err := c.do(ctx, http.MethodPost, "/api/message", nil, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListUsers returns the directory for role: /api/users/students or /api/users/instructors.
func (c *Client) ListUsers(ctx context.Context, role types.Role) ([]*types.UserSummary, error) {
	if !role.IsValid() {
		return nil, types.ErrInvalidRole
	}
	var users []*types.UserSummary
	if err := c.do(ctx, http.MethodGet, "/api/users/"+string(role)+"s", nil, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) GetUser(ctx context.Context, userID string) (*types.UserSummary, error) {
	var user types.UserSummary
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var eb errorBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb); err == nil {
			se.Code = eb.Code
			se.Message = eb.Message
			if se.Message == "" {
				se.Message = eb.Error
			}
		}
		c.logger.Debug("request failed", "method", method, "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%s %s: %w", method, path, se)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
