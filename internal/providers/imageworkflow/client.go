// Package imageworkflow implements providers.ImageWorkflow against a
// ComfyUI-style async workflow backend: create a task against a workflow
// template id with node-level parameter overrides, then poll its status and
// fetch its output file URL once complete.
package imageworkflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/deepstoryhq/storyengine/internal/providers"
)

// Config points the client at the workflow host and credential.
type Config struct {
	Host   string // e.g. "www.runninghub.cn"
	APIKey string
}

// NodeOverride sets one node's field to a value when creating a task, the
// mechanism the workflow backend uses to parameterize a fixed template
// (e.g. inject a prompt string into a text node).
type NodeOverride struct {
	NodeID     string `json:"nodeId"`
	FieldName  string `json:"fieldName"`
	FieldValue string `json:"fieldValue"`
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}}
}

var _ providers.ImageWorkflow = (*Client)(nil)

func (c *Client) invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	payload["apiKey"] = c.cfg.APIKey

	var result map[string]any
	op := func() error {
		body, err := json.Marshal(payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("https://%s/task/openapi/%s", c.cfg.Host, endpoint), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("host", c.cfg.Host)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("imageworkflow: http %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// Submit creates a task from workflow and returns its provider-side task id.
// inputs carries optional "node_overrides" ([]NodeOverride) and
// "webhook_url" (string).
func (c *Client) Submit(ctx context.Context, workflow string, inputs map[string]any) (string, error) {
	payload := map[string]any{"workflowId": workflow}
	if overrides, ok := inputs["node_overrides"].([]NodeOverride); ok && len(overrides) > 0 {
		payload["nodeInfoList"] = overrides
	}
	if webhook, ok := inputs["webhook_url"].(string); ok && webhook != "" {
		payload["webhookUrl"] = webhook
	}

	result, err := c.invoke(ctx, "create", payload)
	if err != nil {
		return "", fmt.Errorf("imageworkflow: create task: %w", err)
	}
	data, _ := result["data"].(map[string]any)
	if data == nil {
		return "", fmt.Errorf("imageworkflow: create task failed: %v", result["msg"])
	}
	taskID, _ := data["taskId"].(string)
	if taskID == "" {
		return "", fmt.Errorf("imageworkflow: create response missing taskId")
	}
	return taskID, nil
}

// Status reports whether the task has reached a terminal state. A task that
// reports FAILED or CANCELLED is surfaced as an error rather than "done".
func (c *Client) Status(ctx context.Context, jobID string) (bool, error) {
	result, err := c.invoke(ctx, "status", map[string]any{"taskId": jobID})
	if err != nil {
		return false, fmt.Errorf("imageworkflow: get status: %w", err)
	}
	status, _ := result["data"].(string)
	switch status {
	case "COMPLETED":
		return true, nil
	case "FAILED", "CANCELLED":
		return false, fmt.Errorf("imageworkflow: task %s %s", jobID, status)
	default:
		return false, nil
	}
}

// Result fetches the first output file's URL once Status reports done.
func (c *Client) Result(ctx context.Context, jobID string) (providers.ImageWorkflowResult, error) {
	outputs, err := c.Outputs(ctx, jobID)
	if err != nil {
		return providers.ImageWorkflowResult{}, err
	}
	return outputs[0], nil
}

// Outputs fetches every output file the job produced. Character-portrait
// workflows render one file per detected emotion; scene-drawing workflows
// produce exactly one.
func (c *Client) Outputs(ctx context.Context, jobID string) ([]providers.ImageWorkflowResult, error) {
	result, err := c.invoke(ctx, "outputs", map[string]any{"taskId": jobID})
	if err != nil {
		return nil, fmt.Errorf("imageworkflow: get result: %w", err)
	}
	raw, _ := result["data"].([]any)
	if len(raw) == 0 {
		return nil, fmt.Errorf("imageworkflow: task %s produced no outputs", jobID)
	}
	var outputs []providers.ImageWorkflowResult
	for _, o := range raw {
		data, _ := o.(map[string]any)
		url, _ := data["fileUrl"].(string)
		if url == "" {
			continue
		}
		outputs = append(outputs, providers.ImageWorkflowResult{URL: url, Metadata: data})
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("imageworkflow: task %s output missing fileUrl", jobID)
	}
	return outputs, nil
}
