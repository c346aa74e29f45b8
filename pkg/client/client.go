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
	"time"

	"nodelab/pkg/api"
	"nodelab/pkg/errs"
	"nodelab/pkg/model"
)

// Client talks to a controller over its HTTP API.
type Client struct {
	base  string
	http  *http.Client
	actor string
}

// New returns a client for the controller at base, e.g. http://127.0.0.1:3000.
// actor is sent as X-Actor and ends up in the audit log; empty leaves it to the server.
func New(base, actor string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		http:  &http.Client{Timeout: timeout},
		actor: actor,
	}
}

// APIError is a non-2xx answer from the controller.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
}

// Unwrap exposes the error kind so errors.Is matches the errs sentinels.
func (e *APIError) Unwrap() error {
	return errs.New(errs.Kind(e.Code), "", e.Message)
}

func (c *Client) Create(ctx context.Context, kind model.Kind, name string) (model.NodeView, error) {
	var out model.NodeView
	err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(string(kind)), api.CreateNodeRequest{Name: name}, &out)
	return out, err
}

func (c *Client) List(ctx context.Context) ([]model.NodeView, error) {
	var out []model.NodeView
	err := c.do(ctx, http.MethodGet, "/nodes", nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (model.NodeView, error) {
	var out model.NodeView
	err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Run(ctx context.Context, id string) (model.NodeView, error) {
	return c.action(ctx, id, "run")
}

func (c *Client) Stop(ctx context.Context, id string) (model.NodeView, error) {
	return c.action(ctx, id, "stop")
}

func (c *Client) Wipe(ctx context.Context, id string) (model.NodeView, error) {
	return c.action(ctx, id, "wipe")
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/nodes/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Diagnose(ctx context.Context, id string) (model.DiagReport, error) {
	var out model.DiagReport
	err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(id)+"/diagnose", nil, &out)
	return out, err
}

func (c *Client) Taps(ctx context.Context) (map[string]model.TapInfo, error) {
	out := map[string]model.TapInfo{}
	err := c.do(ctx, http.MethodGet, "/taps", nil, &out)
	return out, err
}

func (c *Client) Bridges(ctx context.Context) ([]model.BridgeInfo, error) {
	var out []model.BridgeInfo
	err := c.do(ctx, http.MethodGet, "/bridges", nil, &out)
	return out, err
}

// Bridge joins two taps and returns the bridge name.
func (c *Client) Bridge(ctx context.Context, tapA, tapB string) (string, error) {
	var out api.BridgeResponse
	path := "/taps/" + url.PathEscape(tapA) + "/bridge/" + url.PathEscape(tapB)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", err
	}
	return out.Bridge, nil
}

func (c *Client) Audit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	err := c.do(ctx, http.MethodGet, "/audit?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (model.HealthReport, error) {
	var out model.HealthReport
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

func (c *Client) Version(ctx context.Context) (api.VersionResponse, error) {
	var out api.VersionResponse
	err := c.do(ctx, http.MethodGet, "/version", nil, &out)
	return out, err
}

func (c *Client) action(ctx context.Context, id, verb string) (model.NodeView, error) {
	var out model.NodeView
	err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(id)+"/"+verb, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Code: "internal", Message: resp.Status}
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Code != "" {
			apiErr.Code, apiErr.Message, apiErr.Retryable = e.Code, e.Error, e.Retryable
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
