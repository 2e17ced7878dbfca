// Package api is the REST client for the chat backend and the relay's login endpoint.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/studydash/callengine/internal/chat"
)

type sendRequest struct {
	BodyText string    `json:"body_text"`
	Kind     chat.Kind `json:"kind"`
	TempID   string    `json:"temp_id"`
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// LoginResponse carries a signaling token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// envelope wraps every response body.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client talks to a JSON REST API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client. A nil httpClient uses a client with a 15s timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient}
}

func messagesPath(target chat.Target) (string, error) {
	switch {
	case target.IsGroup():
		return "/api/groups/" + url.PathEscape(target.GroupID) + "/messages", nil
	case target.ConversationID != "":
		return "/api/conversations/" + url.PathEscape(target.ConversationID) + "/messages", nil
	}
	return "", chat.ErrNoTarget
}

// Send posts a message. It satisfies the same contract as the realtime client.
func (c *Client) Send(ctx context.Context, target chat.Target, text string, kind chat.Kind) (chat.Message, error) {
	p, err := messagesPath(target)
	if err != nil {
		return chat.Message{}, err
	}
	var m chat.Message
	err = c.do(ctx, http.MethodPost, p, sendRequest{BodyText: text, Kind: kind, TempID: uuid.NewString()}, &m)
	if err != nil {
		return chat.Message{}, fmt.Errorf("send message: %w", err)
	}
	return m, nil
}

// History fetches up to limit recent messages of target, oldest first. A
// limit of zero uses the server default.
func (c *Client) History(ctx context.Context, target chat.Target, limit int) ([]chat.Message, error) {
	p, err := messagesPath(target)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []chat.Message
	if err := c.do(ctx, http.MethodGet, p, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return msgs, nil
}

// Login exchanges a user id for a signaling token. The relay only serves
// this endpoint in development.
func (c *Client) Login(ctx context.Context, userID, username string) (*LoginResponse, error) {
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", loginRequest{UserID: userID, Username: username}, &out); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, p string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, body)
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	jsonErr := json.Unmarshal(respBody, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Message: string(respBody)}
		if jsonErr == nil && env.Error != nil {
			se.Code, se.Message = env.Error.Code, env.Error.Message
		}
		return se
	}
	if jsonErr != nil {
		return fmt.Errorf("unmarshal response: %w", jsonErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	return nil
}
