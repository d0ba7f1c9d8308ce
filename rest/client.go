// Package rest is the client for the backend REST collaborator:
// message submission and user-directory lookups.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Bwesun/Chat/models"
)

// DefaultTimeout bounds each backend call.
const DefaultTimeout = 15 * time.Second

// Client talks to the backend REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// PostMessage submits a message for delivery. The backend persists it
// into the document store; this client never inserts it locally.
func (c *Client) PostMessage(ctx context.Context, m models.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post message: backend returned %s", resp.Status)
	}
	return nil
}

// GetUser fetches one user-directory profile.
func (c *Client) GetUser(ctx context.Context, id string) (*models.UserProfile, error) {
	if id == "" {
		return nil, fmt.Errorf("user id is required")
	}

	var profile models.UserProfile
	if err := c.getJSON(ctx, "/api/user/"+url.PathEscape(id), &profile); err != nil {
		return nil, err
	}
	if profile.ID == "" {
		profile.ID = id
	}
	return &profile, nil
}

// GetContacts fetches the contact profiles of a user.
func (c *Client) GetContacts(ctx context.Context, userID string) ([]models.UserProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	var contacts []models.UserProfile
	if err := c.getJSON(ctx, "/api/contacts/"+url.PathEscape(userID), &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: backend returned %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response for %s: %w", path, err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
