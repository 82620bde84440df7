package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPClient makes REST calls to the generation API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient replaces the underlying http.Client. Used by tests.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.client = hc
	return c
}

// Token returns the auth token the client was created with.
func (c *HTTPClient) Token() string {
	return c.token
}

// StartGeneration sends POST /api/generations and returns the new session id.
func (c *HTTPClient) StartGeneration(ctx context.Context, req StartRequest) (string, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, "/api/generations", req, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("%w: start returned no session id", ErrRequest)
	}
	return out.SessionID, nil
}

// Resume sends POST /api/generations/{id}/resume.
func (c *HTTPClient) Resume(ctx context.Context, sessionID string) error {
	ack := Ack{OK: true}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "resume"), nil, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%w: resume rejected: %s", ErrRequest, ack.Message)
	}
	return nil
}

// Status fetches GET /api/generations/{id}/status.
func (c *HTTPClient) Status(ctx context.Context, sessionID string) (StatusReport, error) {
	var out StatusReport
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "status"), nil, &out); err != nil {
		return StatusReport{}, err
	}
	return out, nil
}

// UpdateCredential sends PUT /api/credentials/{name}.
func (c *HTTPClient) UpdateCredential(ctx context.Context, name, value string) error {
	if name == "" {
		return fmt.Errorf("%w: credential name is empty", ErrRequest)
	}
	path := "/api/credentials/" + url.PathEscape(name)
	return c.do(ctx, http.MethodPut, path, CredentialUpdate{Value: value}, nil)
}

// StreamURL returns the websocket URL for a session's event stream. The
// token rides in the query string because the stream cannot carry custom
// headers.
func (c *HTTPClient) StreamURL(sessionID, token string) (string, error) {
	return StreamURL(c.baseURL, sessionID, token)
}

// StreamURL converts http(s)://host to ws(s)://host/api/generations/{id}/stream.
func StreamURL(baseURL, sessionID, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	basePath := strings.TrimRight(u.Path, "/")
	baseRaw := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = basePath + "/api/generations/" + sessionID + "/stream"
	u.RawPath = baseRaw + sessionPath(sessionID, "stream")
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sessionPath(sessionID, action string) string {
	return "/api/generations/" + url.PathEscape(sessionID) + "/" + action
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
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
	req.Header.Set("X-Request-ID", uuid.NewString())
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: %s %s: %d %s", ErrRequest, method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
		switch resp.StatusCode {
		case http.StatusNotFound:
			return errors.Join(err, ErrNotFound)
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Join(err, ErrUnauthorized)
		}
		return err
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
