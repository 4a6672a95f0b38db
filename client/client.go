// Package client is a Go client for the protoboard HTTP API.
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
	"strconv"
	"strings"
	"time"

	"github.com/orian/protoboard/models"
)

// APIError is a non-2xx response the client has no richer type for.
type APIError struct {
	Status  int
	Code    string
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// sentinels maps error codes to the models errors they wrap.
var sentinels = map[string]error{
	"not_found":         models.ErrNotFound,
	"forbidden":         models.ErrForbidden,
	"unauthorized":      models.ErrUnauthorized,
	"validation_error":  models.ErrValidation,
	"already_exists":    models.ErrAlreadyExists,
	"already_on_target": models.ErrAlreadyOnTarget,
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New returns a client for the API at baseURL authenticating with a bearer
// token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func prototypePath(slug string, rest ...string) string {
	p := "/api/prototypes/" + url.PathEscape(slug)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) GetPrototype(ctx context.Context, slug string) (*models.Prototype, error) {
	var p models.Prototype
	if err := c.do(ctx, http.MethodGet, prototypePath(slug), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) CreatePrototype(ctx context.Context, np models.NewPrototype) (*models.Prototype, error) {
	var p models.Prototype
	if err := c.do(ctx, http.MethodPost, "/api/prototypes", np, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePrototype sends an edit. upd.ExpectedVersion becomes If-Match.
func (c *Client) UpdatePrototype(ctx context.Context, slug string, upd models.PrototypeUpdate) (*models.Prototype, error) {
	var p models.Prototype
	if err := c.do(ctx, http.MethodPut, prototypePath(slug), upd, upd.ExpectedVersion, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListVersions(ctx context.Context, slug string, f models.VersionFilter) (*models.VersionPage, error) {
	q := url.Values{}
	if f.Branch != "" {
		q.Set("branch", f.Branch)
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := prototypePath(slug, "versions")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page models.VersionPage
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) RestoreVersion(ctx context.Context, slug string, number int64, expected *int64) (*models.Prototype, error) {
	var p models.Prototype
	path := prototypePath(slug, "versions", strconv.FormatInt(number, 10), "restore")
	if err := c.do(ctx, http.MethodPost, path, nil, expected, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListBranches(ctx context.Context, slug string) ([]*models.Branch, error) {
	var branches []*models.Branch
	if err := c.do(ctx, http.MethodGet, prototypePath(slug, "branches"), nil, nil, &branches); err != nil {
		return nil, err
	}
	return branches, nil
}

func (c *Client) CreateBranch(ctx context.Context, slug string, nb models.NewBranch) (*models.Branch, error) {
	var b models.Branch
	if err := c.do(ctx, http.MethodPost, prototypePath(slug, "branches"), nb, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) SwitchBranch(ctx context.Context, slug, branchSlug string, expected *int64) (*models.Prototype, error) {
	var p models.Prototype
	path := prototypePath(slug, "branches", url.PathEscape(branchSlug), "switch")
	if err := c.do(ctx, http.MethodPost, path, nil, expected, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) SwitchToMain(ctx context.Context, slug string, expected *int64) (*models.Prototype, error) {
	var p models.Prototype
	if err := c.do(ctx, http.MethodPost, prototypePath(slug, "branches", "switch-main"), nil, expected, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// errorResponse covers both the plain and the conflict error bodies.
type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	Field         string `json:"field"`
	Reason        string `json:"reason"`
	ServerVersion *int64 `json:"serverVersion"`
	YourVersion   *int64 `json:"yourVersion"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, ifMatch *int64, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if ifMatch != nil {
		req.Header.Set("If-Match", strconv.Quote(strconv.FormatInt(*ifMatch, 10)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return decodeError(resp)
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		er.Error = strings.TrimSpace(string(raw))
	}

	if resp.StatusCode == http.StatusConflict && er.ServerVersion != nil {
		return &models.ConflictError{
			ServerVersion: *er.ServerVersion,
			YourVersion:   er.YourVersion,
			Reason:        er.Reason,
		}
	}

	apiErr := &APIError{Status: resp.StatusCode, Code: er.Code, Message: er.Error, Field: er.Field}
	sentinel, ok := sentinels[er.Code]
	if !ok {
		switch resp.StatusCode {
		case http.StatusNotFound:
			sentinel = models.ErrNotFound
		case http.StatusForbidden:
			sentinel = models.ErrForbidden
		case http.StatusUnauthorized:
			sentinel = models.ErrUnauthorized
		}
	}
	if sentinel != nil {
		return fmt.Errorf("%w: %w", sentinel, apiErr)
	}
	return apiErr
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, models.ErrConflict)
}
