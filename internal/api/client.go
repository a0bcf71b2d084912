package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/taskmesh/internal/dispatch"
	"github.com/danmuck/taskmesh/internal/mesh"
	"github.com/danmuck/taskmesh/internal/supervisor"
)

const defaultClientTimeout = 60 * time.Second

// Error is a non-2xx response from a node.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: http %d", e.Status)
	}
	return fmt.Sprintf("api: http %d %s: %s", e.Status, e.Code, e.Message)
}

// Client calls one node's HTTP façade.
type Client struct {
	base string
	http *http.Client
}

// NewClient accepts host:port or a full http(s) URL.
func NewClient(addr string, httpClient *http.Client) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{base: base, http: httpClient}
}

func (c *Client) BaseURL() string { return c.base }

func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) PostJSON(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) DeleteJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		var eb ErrorBody
		if json.NewDecoder(resp.Body).Decode(&eb) == nil {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) Hosts(ctx context.Context) ([]mesh.HostRecord, error) {
	var out []mesh.HostRecord
	return out, c.GetJSON(ctx, "/hosts/list", &out)
}

func (c *Client) Tasks(ctx context.Context) ([]supervisor.TaskInstance, error) {
	var out []supervisor.TaskInstance
	return out, c.GetJSON(ctx, "/tasks/list", &out)
}

func (c *Client) Processing(ctx context.Context) ([]string, error) {
	var out []string
	return out, c.GetJSON(ctx, "/tasks/processing", &out)
}

func (c *Client) ProcessingDetail(ctx context.Context) ([]dispatch.PendingInvocation, error) {
	var out []dispatch.PendingInvocation
	return out, c.GetJSON(ctx, "/tasks/processing?detail=true", &out)
}

func (c *Client) Conf(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	return out, c.GetJSON(ctx, "/conf", &out)
}

func (c *Client) Init(ctx context.Context, req supervisor.InitRequest) (map[string]supervisor.InitResult, error) {
	var out map[string]supervisor.InitResult
	return out, c.PostJSON(ctx, "/tasks/init", req, &out)
}

func (c *Client) Trigger(ctx context.Context, taskID string, data json.RawMessage) (json.RawMessage, error) {
	var out TriggerResponse
	if err := c.PostJSON(ctx, "/tasks/lb_trigger_single", TriggerRequest{TaskID: taskID, Data: data}, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Clear(ctx context.Context) error {
	return c.DeleteJSON(ctx, "/tasks/clear", nil)
}
