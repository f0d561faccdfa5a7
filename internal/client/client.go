// Package client talks to the script execution backend over HTTP.
package client

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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mpataki/scriptrun/internal/logging"
	"github.com/mpataki/scriptrun/internal/models"
)

// maxBodyBytes bounds any response body the client will read.
const maxBodyBytes = 16 << 20

// Credentials identify the caller on every request. A Token takes
// precedence over Identity.
type Credentials struct {
	Identity string
	Token    string
}

// Principal is what the credentials present as, for display and journaling.
func (c Credentials) Principal() string {
	if c.Identity != "" {
		return c.Identity
	}
	if c.Token != "" {
		return "bearer"
	}
	return ""
}

type Client struct {
	baseURL *url.URL
	creds   Credentials
	routes  Routes
	http    *http.Client
	logger  zerolog.Logger

	mu sync.Mutex
	// owners maps execution ids to their module, for layouts that read
	// status from the module's listing.
	owners map[models.ID]models.ID
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithRoutes(r Routes) Option {
	return func(c *Client) { c.routes = r }
}

// WithTimeout bounds each request. It has no effect once a custom
// http.Client was installed with WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.http == http.DefaultClient {
			c.http = &http.Client{Timeout: d}
		}
	}
}

func New(baseURL string, creds Credentials, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}
	if creds.Identity == "" && creds.Token == "" {
		return nil, fmt.Errorf("credentials are required")
	}

	c := &Client{
		baseURL: u,
		creds:   creds,
		routes:  APIRoutes,
		http:    http.DefaultClient,
		logger:  logging.Component("client"),
		owners:  make(map[models.ID]models.ID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Credentials() Credentials {
	return c.creds
}

func (c *Client) ListModules(ctx context.Context) ([]models.Module, error) {
	var out []models.Module
	if err := c.do(ctx, "list modules", http.MethodGet, c.routes.Modules, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListExecutions(ctx context.Context, moduleID models.ID) ([]models.Execution, error) {
	q := url.Values{"module_id": {moduleID.String()}}
	var out []models.Execution
	if err := c.do(ctx, "list executions", http.MethodGet, c.routes.Executions, q, nil, &out); err != nil {
		return nil, err
	}
	for _, ex := range out {
		c.TrackExecution(ex.ID, moduleID)
	}
	return out, nil
}

// TrackExecution records which module an execution belongs to. Launch and
// ListExecutions do this on their own.
func (c *Client) TrackExecution(id, moduleID models.ID) {
	if id == "" || moduleID == "" {
		return
	}
	c.mu.Lock()
	c.owners[id] = moduleID
	c.mu.Unlock()
}

func (c *Client) owner(id models.ID) (models.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.owners[id]
	return m, ok
}

func (c *Client) GetExecution(ctx context.Context, id models.ID) (*models.Execution, error) {
	if c.routes.Execution == "" {
		return c.findExecution(ctx, id)
	}

	var out models.Execution
	if err := c.do(ctx, "get execution", http.MethodGet, expand(c.routes.Execution, id.String()), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// findExecution reads the status of id from its module's listing.
func (c *Client) findExecution(ctx context.Context, id models.ID) (*models.Execution, error) {
	moduleID, ok := c.owner(id)
	if !ok {
		return nil, fmt.Errorf("get execution %s: %w", id, ErrStatusUnavailable)
	}

	executions, err := c.ListExecutions(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	for i := range executions {
		if executions[i].ID == id {
			ex := executions[i]
			if ex.ModuleID == "" {
				ex.ModuleID = moduleID
			}
			return &ex, nil
		}
	}
	return nil, &StatusError{
		Op:         "get execution",
		StatusCode: http.StatusNotFound,
		Detail:     fmt.Sprintf("execution %s not listed for module %s", id, moduleID),
	}
}

// Launch creates an execution of moduleID. Every failure, including a
// response without an id, comes back as a *LaunchError.
func (c *Client) Launch(ctx context.Context, moduleID models.ID, params map[string]any) (*models.Execution, error) {
	if params == nil {
		params = map[string]any{}
	}
	body := map[string]any{"parameters": params}

	path := expand(c.routes.Launch, moduleID.String())
	if c.routes.LaunchModuleInBody {
		body["module_id"] = moduleID
	}

	var out models.Execution
	if err := c.do(ctx, "launch", http.MethodPost, path, nil, body, &out); err != nil {
		return nil, &LaunchError{ModuleID: moduleID.String(), Err: err}
	}
	if out.ID == "" {
		return nil, &LaunchError{ModuleID: moduleID.String(), Err: &ParseError{Op: "launch", Err: errMissingID}}
	}
	c.TrackExecution(out.ID, moduleID)
	return &out, nil
}

// FetchLogs returns the chunks of executionID with sequence_no >= sinceSeq.
// An empty result means no new output yet.
func (c *Client) FetchLogs(ctx context.Context, executionID models.ID, sinceSeq int64) ([]models.LogChunk, error) {
	q := url.Values{"sinceSeq": {strconv.FormatInt(sinceSeq, 10)}}
	var out []models.LogChunk
	if err := c.do(ctx, "fetch logs", http.MethodGet, expand(c.routes.Logs, executionID.String()), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListArtifacts(ctx context.Context, executionID models.ID) ([]models.Artifact, error) {
	var out []models.Artifact
	if err := c.do(ctx, "list artifacts", http.MethodGet, expand(c.routes.Artifacts, executionID.String()), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := *c.baseURL
	u.RawPath = c.baseURL.EscapedPath() + path
	unescaped, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return fmt.Errorf("%s: invalid path %q: %w", op, path, err)
	}
	u.Path = unescaped
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.creds.Token)
	} else {
		req.Header.Set("X-Demo-User", c.creds.Identity)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: op, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	logging.FromContext(ctx, &c.logger).Debug().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", u.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if transient(resp.StatusCode) {
			return &TransportError{Op: op, StatusCode: resp.StatusCode}
		}
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Detail: errorDetail(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &ParseError{Op: op, Err: err}
	}
	return nil
}

// errorDetail extracts the backend's {"detail": "..."} message if present.
func errorDetail(data []byte) string {
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Detail == nil {
		return strings.TrimSpace(string(data))
	}
	if s, ok := payload.Detail.(string); ok {
		return s
	}
	b, _ := json.Marshal(payload.Detail)
	return string(b)
}
