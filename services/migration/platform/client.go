// Package platform binds the migration pipeline to the AI platform's HTTP
// APIs and to the asset-to-project index table.
package platform

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"aimigrate/services/migration"
)

const maxErrorBody = 4 << 10

// Config locates the source platform, the target platform and the lineage
// service.
type Config struct {
	SourceURL  string
	TargetURL  string
	LineageURL string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the platform migration endpoints.
type Client struct {
	http    *http.Client
	source  string
	target  string
	lineage string
	token   string
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.SourceURL) == "" {
		return nil, errors.New("source url is required")
	}
	if strings.TrimSpace(cfg.TargetURL) == "" {
		return nil, errors.New("target url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		http:    httpClient,
		source:  strings.TrimRight(cfg.SourceURL, "/"),
		target:  strings.TrimRight(cfg.TargetURL, "/"),
		lineage: strings.TrimRight(cfg.LineageURL, "/"),
		token:   cfg.Token,
	}, nil
}

// Export fetches the canonical JSON for one asset from the source platform.
func (c *Client) Export(ctx context.Context, t migration.AssetType, id, projectID string) ([]byte, error) {
	ref := migration.AssetRef{Type: t, ID: id}
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	endpoint := fmt.Sprintf("%s/v1/migration/%s/%s/export", c.source, strings.ToLower(string(t)), url.PathEscape(id))
	body, err := c.do(ctx, http.MethodGet, endpoint, q, nil)
	if err != nil {
		return nil, wrap("export asset", ref, err)
	}
	if !json.Valid(body) {
		return nil, migration.NewError(migration.KindParse, "export asset", ref, errors.New("response is not valid JSON"))
	}
	return body, nil
}

type importBody struct {
	ID              string               `json:"id"`
	TargetProjectID string               `json:"target_project_id"`
	Exists          bool                 `json:"exists"`
	Mode            migration.ImportMode `json:"mode"`
	Actor           string               `json:"actor"`
	Payload         json.RawMessage      `json:"payload"`
}

// Import replays one asset into the target platform.
func (c *Client) Import(ctx context.Context, req migration.ImportRequest) error {
	ref := migration.AssetRef{Type: req.Type, ID: req.ID}
	if !json.Valid(req.Payload) {
		return migration.NewError(migration.KindParse, "import asset", ref, errors.New("payload is not valid JSON"))
	}
	data, err := json.Marshal(importBody{
		ID:              req.ID,
		TargetProjectID: req.TargetProjectID,
		Exists:          req.Exists,
		Mode:            req.Mode,
		Actor:           req.Actor,
		Payload:         req.Payload,
	})
	if err != nil {
		return migration.NewError(migration.KindParse, "import asset", ref, err)
	}
	endpoint := fmt.Sprintf("%s/v1/migration/%s/import", c.target, strings.ToLower(string(req.Type)))
	if _, err := c.do(ctx, http.MethodPost, endpoint, nil, data); err != nil {
		return wrap("import asset", ref, err)
	}
	return nil
}

// Exists asks the target platform whether an asset is already present.
func (c *Client) Exists(ctx context.Context, t migration.AssetType, id string) (bool, error) {
	ref := migration.AssetRef{Type: t, ID: id}
	endpoint := fmt.Sprintf("%s/v1/migration/%s/%s/exists", c.target, strings.ToLower(string(t)), url.PathEscape(id))
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return false, nil
		}
		return false, wrap("probe asset", ref, err)
	}
	var resp struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, migration.NewError(migration.KindParse, "probe asset", ref, err)
	}
	return resp.Exists, nil
}

// Deployments lists the deployments of an agent app on the source platform.
func (c *Client) Deployments(ctx context.Context, id string) ([]migration.Deployment, error) {
	ref := migration.AssetRef{Type: migration.TypeAgentApp, ID: id}
	endpoint := fmt.Sprintf("%s/v1/agent-apps/%s/deployments", c.source, url.PathEscape(id))
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, wrap("list deployments", ref, err)
	}
	var out []migration.Deployment
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, migration.NewError(migration.KindParse, "list deployments", ref, err)
	}
	return out, nil
}

// Bind registers HTTP-backed capabilities for every asset type.
func Bind(registry *migration.Registry, c *Client) error {
	if registry == nil {
		return errors.New("registry is required")
	}
	if c == nil {
		return errors.New("client is required")
	}
	for _, t := range migration.AllAssetTypes() {
		caps := migration.Capabilities{
			Export: func(ctx context.Context, id, projectID string) ([]byte, error) {
				return c.Export(ctx, t, id, projectID)
			},
			Import: c.Import,
		}
		if t != migration.TypeProject && t != migration.TypeAgentApp {
			caps.Exists = func(ctx context.Context, id string) (bool, error) {
				return c.Exists(ctx, t, id)
			}
		}
		if t == migration.TypeAgentApp {
			caps.Deployments = c.Deployments
		}
		if err := registry.Register(t, caps); err != nil {
			return err
		}
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body []byte) ([]byte, error) {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	return io.ReadAll(resp.Body)
}

// kindForStatus maps platform responses to pipeline error kinds.
func kindForStatus(code int) migration.Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return migration.KindPermission
	case http.StatusNotFound:
		return migration.KindNotFound
	case http.StatusConflict:
		return migration.KindDuplicate
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return migration.KindValidation
	default:
		return migration.KindExternal
	}
}

func wrap(op string, ref migration.AssetRef, err error) error {
	var se *statusError
	if errors.As(err, &se) {
		return migration.NewError(kindForStatus(se.code), op, ref, err)
	}
	return migration.NewError(migration.KindExternal, op, ref, err)
}
