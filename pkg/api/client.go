// Package api is the REST client of the chat backend. Every call except
// Login and Register carries the stored bearer token.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/verastack/chatline/pkg/logger"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRetries    = 3
	defaultRetryDelay = 200 * time.Millisecond
	maxErrorBody      = 64 * 1024
)

// ErrSessionExpired is returned when the backend rejects the stored token.
// The stored session has been cleared by the time it is returned.
var ErrSessionExpired = errors.New("session expired")

// APIError is a non-2xx response other than 401.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// temporary reports whether retrying the request may succeed.
func (e *APIError) temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Session is the persisted login state. *storage.TokenStore implements it.
type Session interface {
	Token(ctx context.Context) (string, error)
	SaveBearerToken(ctx context.Context, token string) (time.Time, error)
	SaveUserInfo(ctx context.Context, info *UserInfo) error
	Clear(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// Retries is the number of attempts for idempotent requests and for
	// persisting the session.
	Retries    uint
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// Client talks to the chat REST API.
type Client struct {
	baseURL    string
	http       *http.Client
	session    Session
	retries    uint
	retryDelay time.Duration
	log        *slog.Logger
}

// NewClient creates a REST client for opts.BaseURL.
func NewClient(opts Options, session Session) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is required")
	}

	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}

	if session == nil {
		return nil, fmt.Errorf("session store is required")
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}

	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		http:       httpClient,
		session:    session,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		log:        logger.Component("api"),
	}, nil
}

// Login exchanges credentials for an access token and persists it.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp loginResponse

	err := c.do(ctx, http.MethodPost, "/user/login", loginRequest{Email: email, Password: password}, &resp, false)
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}

	if resp.AccessToken == "" {
		return "", fmt.Errorf("no access token received from server")
	}

	var expiresAt time.Time

	err = retry.Do(
		func() error {
			var saveErr error
			expiresAt, saveErr = c.session.SaveBearerToken(ctx, resp.AccessToken)
			return saveErr
		},
		retry.Attempts(c.retries),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("Saving access token failed, retrying",
				"attempt", n+1,
				"error", err,
			)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to persist access token: %w", err)
	}

	c.log.Info("Logged in", "email", email, "expires_at", expiresAt.Format(time.RFC3339))

	return resp.AccessToken, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) error {
	var resp registerResponse

	if err := c.do(ctx, http.MethodPost, "/user/register", req, &resp, false); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	if !resp.Success {
		return fmt.Errorf("registration failed: server did not confirm the account")
	}

	c.log.Info("Registered", "email", req.Email)

	return nil
}

// Logout forgets the stored session.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.session.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	c.log.Info("Logged out")

	return nil
}

// UserInfo fetches the signed-in user's profile and caches it.
func (c *Client) UserInfo(ctx context.Context) (*UserInfo, error) {
	var info UserInfo
	if err := c.get(ctx, "/auth/user/info", &info); err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	if err := c.session.SaveUserInfo(ctx, &info); err != nil {
		c.log.Warn("Failed to cache user info", "error", err)
	}

	return &info, nil
}

// UpdateUserInfo changes the signed-in user's profile and caches the result.
func (c *Client) UpdateUserInfo(ctx context.Context, req *UpdateUserInfoRequest) (*UserInfo, error) {
	var info UserInfo
	if err := c.do(ctx, http.MethodPatch, "/auth/user", req, &info, true); err != nil {
		return nil, fmt.Errorf("failed to update user info: %w", err)
	}

	if err := c.session.SaveUserInfo(ctx, &info); err != nil {
		c.log.Warn("Failed to cache user info", "error", err)
	}

	return &info, nil
}

// SearchUsers finds users whose name or email matches keyword.
func (c *Client) SearchUsers(ctx context.Context, keyword string) ([]UserInfo, error) {
	var users []UserInfo

	path := "/auth/user/search?keyword=" + url.QueryEscape(keyword)
	if err := c.get(ctx, path, &users); err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}

	return users, nil
}

// Conversations lists the signed-in user's conversations.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var conversations []Conversation
	if err := c.get(ctx, "/auth/conversation", &conversations); err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}

	return conversations, nil
}

// LastMessages lists conversations with their latest message.
func (c *Client) LastMessages(ctx context.Context) ([]Conversation, error) {
	var conversations []Conversation
	if err := c.get(ctx, "/conversation/last-messages", &conversations); err != nil {
		return nil, fmt.Errorf("failed to get last messages: %w", err)
	}

	return conversations, nil
}

// CreateConversation opens a conversation with userID.
func (c *Client) CreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	var conv Conversation

	err := c.do(ctx, http.MethodPost, "/conversation", createConversationRequest{UserID: userID}, &conv, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return &conv, nil
}

// DeleteConversation removes a conversation and its history.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	path := "/conversation/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, true); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	return nil
}

// Messages returns the history of a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var messages []Message

	path := "/message/" + url.PathEscape(conversationID)
	if err := c.get(ctx, path, &messages); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	return messages, nil
}

// SendMessage posts a message; the backend echoes it with its id.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	if req.Type == "" {
		req.Type = "text"
	}

	var msg Message
	if err := c.do(ctx, http.MethodPost, "/message", req, &msg, true); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	return &msg, nil
}

// MarkAsRead marks every message of a conversation as read.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	path := "/conversation/" + url.PathEscape(conversationID) + "/read"
	if err := c.do(ctx, http.MethodPut, path, nil, nil, true); err != nil {
		return fmt.Errorf("failed to mark conversation as read: %w", err)
	}

	return nil
}

// get performs an authenticated GET, retrying transient failures.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return retry.Do(
		func() error {
			return c.do(ctx, http.MethodGet, path, nil, out, true)
		},
		retry.Attempts(c.retries),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTemporary),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("Request failed, retrying",
				"path", path,
				"attempt", n+1,
				"error", err,
			)
		}),
	)
}

func isTemporary(err error) bool {
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.temporary()
	}

	var decodeErr *decodeError
	if errors.As(err, &decodeErr) {
		return false
	}

	// Transport failures.
	return true
}

// decodeError marks a 2xx response whose body could not be decoded.
type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "failed to decode response: " + e.err.Error() }

func (e *decodeError) Unwrap() error { return e.err }

// response is the backend's standard wrapper.
type response struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Status  int             `json:"status,omitempty"`
}

// do sends one request. When authenticated is set the stored token is
// attached and a 401 clears the session.
func (c *Client) do(ctx context.Context, method, path string, body, out any, authenticated bool) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authenticated {
		token, err := c.session.Token(ctx)
		if err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	c.log.Debug("API request", "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode == http.StatusUnauthorized && authenticated {
		c.log.Warn("Session expired, clearing stored credentials", "path", path)

		if err := c.session.Clear(ctx); err != nil {
			c.log.Error("Failed to clear session", "error", err)
		}

		return ErrSessionExpired
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.apiError(method, path, resp)
	}

	if out == nil {
		return nil
	}

	var wrapped response
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return &decodeError{err: err}
	}

	if len(wrapped.Data) == 0 || string(wrapped.Data) == "null" {
		return nil
	}

	if err := json.Unmarshal(wrapped.Data, out); err != nil {
		return &decodeError{err: err}
	}

	return nil
}

func (c *Client) apiError(method, path string, resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: "An error occurred"}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // partial body is fine

	var wrapped response
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Message != "" {
		apiErr.Message = wrapped.Message
	}

	c.log.Error("API request failed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"message", apiErr.Message,
	)

	return apiErr
}
