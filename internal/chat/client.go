// Package chat is the client side of a committee room. It talks to the motions API,
// keeps a local copy of the room's motions and keeps the room usable while the API is
// unreachable by applying changes locally and replaying them once it is back.
package chat

import (
	"bufio"
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

	"quorum/api/internal/motion"
	"quorum/api/internal/realtime"
)

// Motion is a motion as served by the API, with its derived state.
type Motion struct {
	motion.Motion
	State motion.State `json:"state"`
}

// APIError is a non-2xx response carrying the API's error envelope.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.Status, e.Message)
}

// Retryable reports whether err means the API could not be reached or could not
// serve the request, as opposed to rejecting it.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError || apiErr.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the API rooted at baseURL. token is sent as a bearer
// token when non-empty.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// Patch is the update body accepted by PATCH /api/motions.
type Patch struct {
	ID       string                `json:"id"`
	Status   motion.State          `json:"status,omitempty"`
	Vote     motion.Choice         `json:"vote,omitempty"`
	VoterID  string                `json:"voterId,omitempty"`
	Decision *motion.DecisionInput `json:"decisionDetails,omitempty"`
	Meta     *motion.MetaInput     `json:"meta,omitempty"`
}

type NewMotion struct {
	CommitteeID    string            `json:"committeeId"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	ParentMotionID string            `json:"parentMotionId,omitempty"`
	Meta           *motion.MetaInput `json:"meta,omitempty"`
}

func (c *Client) ListMotions(ctx context.Context, committeeID string) ([]Motion, error) {
	var out []Motion
	err := c.do(ctx, http.MethodGet, "/api/motions?committeeId="+url.QueryEscape(committeeID), nil, &out)
	return out, err
}

func (c *Client) GetMotion(ctx context.Context, id string) (Motion, error) {
	var out Motion
	err := c.do(ctx, http.MethodGet, "/api/motions?id="+url.QueryEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateMotion(ctx context.Context, in NewMotion) (Motion, error) {
	var out Motion
	err := c.do(ctx, http.MethodPost, "/api/motions", in, &out)
	return out, err
}

func (c *Client) PatchMotion(ctx context.Context, patch Patch) (Motion, error) {
	var out Motion
	err := c.do(ctx, http.MethodPatch, "/api/motions", patch, &out)
	return out, err
}

// LiftDuePostponements asks the server to lift every postponement whose time has come.
func (c *Client) LiftDuePostponements(ctx context.Context) (int, error) {
	var out struct {
		Lifted int `json:"lifted"`
	}
	err := c.do(ctx, http.MethodPost, "/api/motions/lift", struct{}{}, &out)
	return out.Lifted, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Events streams the committee's change notifications until ctx ends or the stream
// breaks; the channel is closed either way.
func (c *Client) Events(ctx context.Context, committeeID string) (<-chan realtime.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events?committeeId="+url.QueryEscape(committeeID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	// The stream outlives any request timeout configured on c.http.
	streaming := *c.http
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr)
		return nil, apiErr
	}

	out := make(chan realtime.Event, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var event realtime.Event
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
