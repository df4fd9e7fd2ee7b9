// Package cloud is the HTTP client of the cloud API. It serves as the remote
// data source of the project cache and as the upload and acknowledgement
// endpoint of the report service.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpggio/fieldsync/internal/domain/project"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/rpggio/fieldsync/internal/repository"
)

// HTTPError is a non-2xx answer of the cloud.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// UserMessage is the text shown next to a report the cloud refused.
func (e *HTTPError) UserMessage() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return "You are not allowed to upload reports for this device."
	case e.StatusCode == http.StatusRequestEntityTooLarge:
		return "The report is too large to upload."
	}
	return ""
}

func (e *HTTPError) Is(target error) bool {
	return target == repository.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// TokenSource returns the bearer token of the logged in user, empty when
// logged out.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource that never changes.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// Client talks to the cloud REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRetry sets how often and how patiently failed requests are retried.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	c := &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.New(slog.DiscardHandler),
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type page[T any] struct {
	Count   int    `json:"count"`
	Next    string `json:"next"`
	Results []T    `json:"results"`
}

// list follows the pagination of a collection endpoint.
func list[T any](ctx context.Context, c *Client, requestPath string, query url.Values) ([]T, error) {
	next := requestPath
	if len(query) > 0 {
		next += "?" + query.Encode()
	}
	var out []T
	for next != "" {
		var p page[T]
		if err := c.doJSON(ctx, http.MethodGet, next, nil, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Results...)
		next = p.Next
	}
	return out, nil
}

func projectQuery(projectID string) url.Values {
	q := url.Values{}
	if projectID != "" {
		q.Set("project", projectID)
	}
	return q
}

func (c *Client) FetchOrgs(ctx context.Context) ([]project.Org, error) {
	return list[project.Org](ctx, c, "/api/v1/org/", nil)
}

func (c *Client) FetchMembership(ctx context.Context, orgSlug string) (*project.Membership, error) {
	var m project.Membership
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/org/"+url.PathEscape(orgSlug)+"/membership/", nil, &m); err != nil {
		return nil, err
	}
	if m.Org == "" {
		m.Org = orgSlug
	}
	return &m, nil
}

func (c *Client) FetchProjects(ctx context.Context) ([]project.RawProject, error) {
	return list[project.RawProject](ctx, c, "/api/v1/project/", nil)
}

func (c *Client) FetchProjectTemplates(ctx context.Context) ([]project.ProjectTemplate, error) {
	return list[project.ProjectTemplate](ctx, c, "/api/v1/pt/", nil)
}

func (c *Client) FetchDevices(ctx context.Context, projectID string) ([]project.Device, error) {
	return list[project.Device](ctx, c, "/api/v1/device/", projectQuery(projectID))
}

func (c *Client) FetchStreams(ctx context.Context, projectID string) ([]project.Stream, error) {
	return list[project.Stream](ctx, c, "/api/v1/stream/", projectQuery(projectID))
}

func (c *Client) FetchVariables(ctx context.Context, projectID string) ([]project.Variable, error) {
	return list[project.Variable](ctx, c, "/api/v1/variable/", projectQuery(projectID))
}

func (c *Client) FetchVariableTypes(ctx context.Context) ([]project.VarType, error) {
	return list[project.VarType](ctx, c, "/api/v1/vartype/", nil)
}

func (c *Client) FetchSensorGraphs(ctx context.Context) ([]project.SensorGraph, error) {
	return list[project.SensorGraph](ctx, c, "/api/v1/sg/", nil)
}

// PatchModel sends a partial update of one record.
func (c *Client) PatchModel(ctx context.Context, model, slug string, fields map[string]any) error {
	if model == "" || slug == "" {
		return fmt.Errorf("%w: patch needs a model and a slug", repository.ErrInvalidArgument)
	}
	return c.doJSON(ctx, http.MethodPatch, "/api/v1/"+url.PathEscape(model)+"/"+url.PathEscape(slug)+"/", fields, nil)
}

// UploadReport posts a report payload as a multipart file.
func (c *Client) UploadReport(ctx context.Context, upload report.Upload) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", upload.Key+upload.Format.Extension())
	if err != nil {
		return err
	}
	if _, err := part.Write(upload.Payload); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("timestamp", upload.Timestamp.UTC().Format(time.RFC3339))
	return c.do(ctx, http.MethodPost, "/api/v1/streamer/report/?"+q.Encode(), w.FormDataContentType(), body.Bytes(), nil)
}

// FetchAcknowledgements lists the streamer acknowledgements of a device,
// or of every device the user can see when deviceSlug is empty.
func (c *Client) FetchAcknowledgements(ctx context.Context, deviceSlug string) ([]report.RemoteAck, error) {
	q := url.Values{}
	if deviceSlug != "" {
		q.Set("device", deviceSlug)
	}
	return list[report.RemoteAck](ctx, c, "/api/v1/streamer/", q)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var payload []byte
	contentType := ""
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.do(ctx, method, requestPath, contentType, payload, out)
}

// do sends one request, retrying network errors, 429 and 5xx answers with
// exponential backoff. requestPath may also be an absolute URL, as found in
// pagination links.
func (c *Client) do(ctx context.Context, method, requestPath, contentType string, payload []byte, out any) error {
	target := requestPath
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + requestPath
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return err
		}
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				c.logger.Debug("cloud request failed, retrying", "method", method, "path", requestPath, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%s %s: %w", method, requestPath, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decoding %s %s: %w", method, requestPath, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug("cloud request refused, retrying", "method", method, "path", requestPath, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeError(resp.StatusCode, body)
	}
}

func decodeError(status int, body []byte) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Message
	if msg == "" {
		msg = payload.Detail
	}
	return &HTTPError{StatusCode: status, Code: payload.Code, Message: msg}
}

// IsUnauthorized reports whether err is a 401 answer of the cloud.
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ project.RemoteSource = (*Client)(nil)
	_ report.Cloud         = (*Client)(nil)
)
