// Package auth implements the credential collaborator: the HTTP
// login/registration calls that produce a Session, and the persisted
// session used to rehydrate one without re-authenticating.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/omochice/duo-chat/internal/chat"
)

// Client talks to the auth endpoints of the chat server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the given base URL, e.g.
// http://localhost:5000.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type credentialsResponse struct {
	Token string `json:"token"`
	User  struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// Login exchanges email and password for a Session.
func (c *Client) Login(ctx context.Context, email, password string) (chat.Session, error) {
	return c.exchange(ctx, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Register creates an account and returns its Session.
func (c *Client) Register(ctx context.Context, username, email, password string) (chat.Session, error) {
	return c.exchange(ctx, "/api/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	})
}

func (c *Client) exchange(ctx context.Context, path string, payload map[string]string) (chat.Session, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return chat.Session{}, fmt.Errorf("failed to encode credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return chat.Session{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return chat.Session{}, &chat.TransportError{Op: "auth", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		reason := readErrorReason(resp.Body)
		if reason == "" {
			reason = resp.Status
		}
		return chat.Session{}, &chat.AuthError{Reason: reason}
	}

	var cr credentialsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return chat.Session{}, fmt.Errorf("failed to decode auth response: %w", err)
	}
	if cr.Token == "" || cr.User.ID == "" {
		return chat.Session{}, &chat.AuthError{Reason: "incomplete credentials in response"}
	}
	return chat.Session{
		UserID:   cr.User.ID,
		Username: cr.User.Username,
		Token:    cr.Token,
	}, nil
}

func readErrorReason(r io.Reader) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return ""
	}
	return e.Error
}
