package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
)

var _ ports.Coordinator = (*Client)(nil)

// Client talks to a gateway over HTTP. Workers use it as their coordinator.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: hc}
}

// do sends in as JSON and decodes a 2xx body into out. It returns false when
// the gateway answered 204 No Content.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (bool, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return false, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return false, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return false, err
	}
	if resp.StatusCode/100 != 2 {
		return false, decodeError(resp.StatusCode, raw)
	}
	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return true, nil
}

func taskPath(id string, suffix string) string {
	return "/v1/tasks/" + url.PathEscape(id) + suffix
}

// Submit enqueues a task and returns its id.
func (c *Client) Submit(ctx context.Context, taskType string, payload json.RawMessage, priority int, affinity string) (string, error) {
	req := submitReq{TaskType: taskType, Payload: payload, Priority: priority}
	if affinity != "" {
		req.TargetAffinity = &affinity
	}
	var resp submitResp
	if _, err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

func (c *Client) Status(ctx context.Context, id string) (domain.Task, error) {
	var v TaskView
	if _, err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &v); err != nil {
		return domain.Task{}, err
	}
	return v.task(), nil
}

func (c *Client) ReportHeartbeat(ctx context.Context, nodeID string, tags []string, load domain.Load) (domain.Node, error) {
	req := heartbeatReq{NodeID: nodeID, Tags: tags, CPU: load.CPU, Memory: load.Memory, ActiveTasks: load.ActiveTasks}
	var resp heartbeatResp
	if _, err := c.do(ctx, http.MethodPost, "/v1/nodes/heartbeat", req, &resp); err != nil {
		return domain.Node{}, err
	}
	if !resp.Acknowledged {
		return domain.Node{}, fmt.Errorf("heartbeat for %s not acknowledged", nodeID)
	}
	return domain.Node{ID: nodeID, Tags: tags, Load: load}, nil
}

func (c *Client) ClaimTask(ctx context.Context, nodeID string) (*domain.Task, error) {
	var v TaskView
	ok, err := c.do(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(nodeID)+"/claim", nil, &v)
	if err != nil || !ok {
		return nil, err
	}
	t := v.task()
	return &t, nil
}

func (c *Client) StartTask(ctx context.Context, taskID, nodeID string) (domain.Task, error) {
	var v TaskView
	if _, err := c.do(ctx, http.MethodPost, taskPath(taskID, "/start"), nodeReq{NodeID: nodeID}, &v); err != nil {
		return domain.Task{}, err
	}
	return v.task(), nil
}

func (c *Client) ReportResult(ctx context.Context, taskID, nodeID string, o domain.Outcome) (domain.Task, error) {
	req := resultReq{NodeID: nodeID, Success: o.Success, Result: o.Result, Error: o.Error}
	var v TaskView
	if _, err := c.do(ctx, http.MethodPost, taskPath(taskID, "/result"), req, &v); err != nil {
		return domain.Task{}, err
	}
	return v.task(), nil
}

func (c *Client) ReleaseTask(ctx context.Context, taskID, nodeID, reason string) (domain.Task, error) {
	var v TaskView
	if _, err := c.do(ctx, http.MethodPost, taskPath(taskID, "/release"), releaseReq{NodeID: nodeID, Reason: reason}, &v); err != nil {
		return domain.Task{}, err
	}
	return v.task(), nil
}
