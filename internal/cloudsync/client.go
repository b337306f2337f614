package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"watchsync/internal/models"
	"watchsync/internal/state"
)

const apiPrefix = "/api/watchsync/v1"

var (
	ErrUnauthorized = errors.New("watchsync unauthorized")
	ErrForbidden    = errors.New("watchsync forbidden")
	ErrInvalid      = errors.New("watchsync rejected request")
)

// ConflictError is a 409 from the mutation endpoint.
type ConflictError struct {
	Conflict models.Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("watchsync conflict on %s (server updated_at=%d)", e.Conflict.ID(), e.Conflict.ServerVersion.UpdatedAt)
}

func (e *ConflictError) ConflictDescriptor() models.Conflict {
	return e.Conflict
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userID     string
	deviceID   string
}

type favoriteRequest struct {
	ItemKey         string `json:"item_key"`
	Favorite        bool   `json:"favorite"`
	ClientUpdatedAt int64  `json:"client_updated_at"`
	Force           bool   `json:"force,omitempty"`
}

type statusRequest struct {
	ItemKey         string `json:"item_key"`
	Status          string `json:"status"`
	Progress        int    `json:"progress"`
	ClientUpdatedAt int64  `json:"client_updated_at"`
	Force           bool   `json:"force,omitempty"`
}

type reviewRequest struct {
	ItemKey         string `json:"item_key"`
	Episode         int    `json:"episode"`
	Text            string `json:"text"`
	ClientUpdatedAt int64  `json:"client_updated_at"`
	Force           bool   `json:"force,omitempty"`
}

type MutationResponse struct {
	UpdatedAt int64           `json:"updated_at"`
	Records   []models.Record `json:"records"`
}

type errorBody struct {
	Error           string            `json:"error"`
	Kind            models.RecordKind `json:"kind"`
	RecordKey       models.RecordKey  `json:"record_key"`
	Proposed        models.Value      `json:"proposed"`
	ClientUpdatedAt int64             `json:"client_updated_at"`
	ServerVersion   models.Record     `json:"server_version"`
}

// NewClient talks to the server rooted at baseURL, e.g. http://host:8090.
func NewClient(httpClient *http.Client, baseURL, token, userID, deviceID string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		userID:     strings.TrimSpace(userID),
		deviceID:   strings.TrimSpace(deviceID),
	}
}

func (c *Client) Snapshot(ctx context.Context) (models.Snapshot, error) {
	var out models.Snapshot
	if err := c.do(ctx, http.MethodGet, "/snapshot", nil, &out); err != nil {
		return models.Snapshot{}, err
	}
	return out, nil
}

func (c *Client) Sessions(ctx context.Context) (int, error) {
	var out struct {
		Sessions int `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return 0, err
	}
	return out.Sessions, nil
}

// Submit sends m to the endpoint for its kind and returns every record the server wrote,
// the submitted one first. It makes Client a state.Backend.
func (c *Client) Submit(ctx context.Context, m models.Mutation) ([]models.Record, error) {
	var (
		path string
		body any
	)
	switch m.Kind {
	case models.KindFavorite:
		path = "/favorites"
		body = favoriteRequest{ItemKey: m.Key.ItemKey, Favorite: m.Value.Favorite, ClientUpdatedAt: m.ClientUpdatedAt, Force: m.Force}
	case models.KindStatus:
		path = "/statuses"
		body = statusRequest{ItemKey: m.Key.ItemKey, Status: string(m.Value.Status), Progress: m.Value.Progress, ClientUpdatedAt: m.ClientUpdatedAt, Force: m.Force}
	case models.KindEpisodeReview:
		path = "/episode-reviews"
		body = reviewRequest{ItemKey: m.Key.ItemKey, Episode: m.Key.Episode, Text: m.Value.Text, ClientUpdatedAt: m.ClientUpdatedAt, Force: m.Force}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, m.Kind)
	}
	var out MutationResponse
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	if len(out.Records) == 0 {
		return []models.Record{{Kind: m.Kind, Key: m.Key, Value: m.Value.ForKind(m.Kind), UpdatedAt: out.UpdatedAt}}, nil
	}
	return out.Records, nil
}

// EventsURL is the websocket address of the caller's event stream.
func (c *Client) EventsURL() string {
	u := c.baseURL + apiPrefix + "/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		h.Set("Authorization", token)
	}
	if c.userID != "" {
		h.Set("X-User-ID", c.userID)
	}
	if c.deviceID != "" {
		h.Set("X-Device-ID", c.deviceID)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, r)
	if err != nil {
		return err
	}
	req.Header = c.headers()
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", state.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", state.ErrTransport, err)
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch {
	case resp.StatusCode == http.StatusConflict:
		return &ConflictError{Conflict: models.Conflict{
			Kind:            eb.Kind,
			Key:             eb.RecordKey,
			Proposed:        eb.Proposed,
			ClientUpdatedAt: eb.ClientUpdatedAt,
			ServerVersion:   eb.ServerVersion,
		}}
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server status %d", state.ErrTransport, resp.StatusCode)
	default:
		if strings.TrimSpace(eb.Error) != "" {
			return fmt.Errorf("%w: %d %s", ErrInvalid, resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("%w: status %d", ErrInvalid, resp.StatusCode)
	}
}
