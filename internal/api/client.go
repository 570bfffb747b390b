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
	"strings"
	"time"

	"github.com/pitchtag/annotator/pkg/core"
)

// Client talks to a running annotator API, so command line edits go through
// the same store as the player that owns it.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the API is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthcheck", nil)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// List fetches the annotations of the bound video.
func (c *Client) List(ctx context.Context, sorted bool) ([]core.Annotation, error) {
	var out []annotationJSON
	if err := c.call(ctx, http.MethodGet, "/annotations?sorted="+strconv.FormatBool(sorted), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return fromJSONList(out), nil
}

// Add creates an annotation.
func (c *Client) Add(ctx context.Context, positionMS int64, label core.Label, team core.Team) (core.Annotation, error) {
	body := map[string]any{"position": positionMS, "label": label, "team": team}
	var out annotationJSON
	if err := c.call(ctx, http.MethodPost, "/annotations", body, http.StatusCreated, &out); err != nil {
		return core.Annotation{}, err
	}
	return fromJSON(out), nil
}

// Update applies fields to the annotation with id.
func (c *Client) Update(ctx context.Context, id string, fields map[string]string) (core.Annotation, error) {
	var out annotationJSON
	if err := c.call(ctx, http.MethodPatch, "/annotations/"+url.PathEscape(id), fields, http.StatusOK, &out); err != nil {
		return core.Annotation{}, err
	}
	return fromJSON(out), nil
}

// Remove deletes the annotation with id.
func (c *Client) Remove(ctx context.Context, id string) (core.Annotation, error) {
	var out annotationJSON
	if err := c.call(ctx, http.MethodDelete, "/annotations/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return core.Annotation{}, err
	}
	return fromJSON(out), nil
}

// StatusError is returned for unexpected response codes.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API returned status %d", e.Status)
	}
	return fmt.Sprintf("API returned status %d: %s", e.Status, e.Message)
}

func (c *Client) call(ctx context.Context, method, path string, body any, want int, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e errorJSON
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &e)
		return &StatusError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func fromJSON(a annotationJSON) core.Annotation {
	return core.Annotation{
		ID:         a.ID,
		Position:   a.Position,
		GameTime:   a.GameTime,
		Label:      core.Label(a.Label),
		Team:       core.Team(a.Team),
		Visibility: a.Visibility,
	}
}

func fromJSONList(list []annotationJSON) []core.Annotation {
	out := make([]core.Annotation, 0, len(list))
	for _, a := range list {
		out = append(out, fromJSON(a))
	}
	return out
}
