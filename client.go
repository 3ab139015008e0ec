// Package chatloop is the Go client core for the chatloop messaging backend.
//
// It covers the directory/history REST API, the realtime socket channel, and
// the client-side conversation state. The Reconciler owns all mutable state;
// the Channel and Composer only ever submit intents into it.
//
// Example:
//
//	client := chatloop.NewClient(chatloop.WithBaseURL("http://localhost:3005"))
//	rec := chatloop.NewReconciler(nil)
//	ch := chatloop.NewChannel(client.BaseURL(), rec, nil)
//
//	user, _ := client.CheckUser(ctx, "ada@example.com")
//	rec.Apply(chatloop.SessionResolved{Session: *user})
//	ch.Connect(ctx)
//	ch.AnnouncePresence(ctx, user.UserID)
package chatloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3005"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the directory/history REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new chatloop REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return data, resp.StatusCode, newAPIError(resp.StatusCode, data)
	}
	return data, resp.StatusCode, nil
}

// newAPIError extracts the error message out of a failure body, falling back
// to the raw text for non-JSON responses.
func newAPIError(status int, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Error != "":
			msg = payload.Error
		case payload.Message != "":
			msg = payload.Message
		}
	}
	return &APIError{Code: status, Message: msg}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Directory API
// ============================================================================

// CheckUser resolves an external identity (email) to an account record.
// An unknown account is not an error: it returns (nil, nil) so callers can
// route to onboarding.
func (c *Client) CheckUser(ctx context.Context, email string) (*Session, error) {
	data, _, err := c.doRequest(ctx, "POST", "/api/auth/check-user", map[string]string{"email": email})
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[CheckUserResult](data)
	if err != nil {
		return nil, err
	}
	if !result.Status {
		return nil, nil
	}
	return result.User, nil
}

// OnboardUser creates a new account for an identity check-user did not know.
func (c *Client) OnboardUser(ctx context.Context, opts *OnboardOptions) (*Session, error) {
	if opts == nil || opts.Email == "" || opts.Name == "" {
		return nil, fmt.Errorf("email and name are required")
	}
	data, _, err := c.doRequest(ctx, "POST", "/api/auth/onboard-user", opts)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[CheckUserResult](data)
	if err != nil {
		return nil, err
	}
	if !result.Status || result.User == nil {
		return nil, fmt.Errorf("onboarding rejected for %s", opts.Email)
	}
	return result.User, nil
}

// InitialContacts lists the user's contacts together with the ids currently
// online.
func (c *Client) InitialContacts(ctx context.Context, userID int) (*ContactsResult, error) {
	data, _, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/auth/get-initial-contacts/%d", userID), nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ContactsResult](data)
}

// ============================================================================
// History API
// ============================================================================

// Messages returns the stored history between two users, oldest first.
func (c *Client) Messages(ctx context.Context, userID, peerID int) ([]Message, error) {
	data, _, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/messages/get-messages/%d/%d", userID, peerID), nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[MessagesResult](data)
	if err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// AddMessage persists a text message and returns the stored record with its
// backend-assigned id.
func (c *Client) AddMessage(ctx context.Context, from, to int, body string) (*Message, error) {
	data, _, err := c.doRequest(ctx, "POST", "/api/messages/add-message", map[string]interface{}{
		"from": from, "to": to, "message": body,
	})
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[MessageResult](data)
	if err != nil {
		return nil, err
	}
	return &result.Message, nil
}

// AddImageMessage uploads an image as a multipart form and persists it as an
// image message. The backend answers 201 on success.
func (c *Client) AddImageMessage(ctx context.Context, from, to int, filename string, image []byte) (*Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	_ = w.Close()

	url := fmt.Sprintf("%s/api/messages/add-image-message?from=%d&to=%d", c.baseURL, from, to)
	req, err := http.NewRequestWithContext(ctx, "POST", url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, newAPIError(resp.StatusCode, data)
	}
	result, err := decodeJSON[MessageResult](data)
	if err != nil {
		return nil, err
	}
	return &result.Message, nil
}
