// Package promptservice implements providers.PromptService against a
// Dify-style chatflow/workflow backend: SSE-framed "data: {...}" chunks over
// a blocking HTTP POST, with a cached conversation id for continuity across
// calls within one session.
package promptservice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deepstoryhq/storyengine/internal/logging"
	"github.com/deepstoryhq/storyengine/internal/providers"
)

var log = logging.WithComponent("promptservice")

// Config points the client at one Dify app.
type Config struct {
	BaseURL string
	APIKey  string
	User    string
}

// Client is a stateful chatflow session: conversation_id is learned from the
// first response and threaded into every subsequent call.
type Client struct {
	cfg            Config
	http           *http.Client
	conversationID string
	taskID         string
}

func New(cfg Config) *Client {
	if cfg.User == "" {
		cfg.User = "story"
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: 0}}
}

var _ providers.PromptService = (*Client)(nil)

type ssePayload struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id"`
}

func (c *Client) postStream(ctx context.Context, endpoint string, payload map[string]any) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		body, err := json.Marshal(payload)
		if err != nil {
			errs <- fmt.Errorf("promptservice: encode payload: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+endpoint, bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			errs <- fmt.Errorf("promptservice: request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- fmt.Errorf("promptservice: http %d", resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "" || data == "[DONE]" {
				continue
			}
			var chunk ssePayload
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				log.Warn("dropping unparsable sse chunk", "error", err)
				continue
			}
			if chunk.TaskID != "" {
				c.taskID = chunk.TaskID
			}
			if chunk.ConversationID != "" {
				c.conversationID = chunk.ConversationID
			}
			if chunk.Event == "message" {
				out <- chunk.Answer
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("promptservice: stream read: %w", err)
		}
	}()

	return out, errs
}

// PlanStory streams the planner output, splitting the model's leading
// "<think>...</think>" block off from the rest and relabeling it as a
// PlanChunk of Kind "think"; everything else passes through as "output".
func (c *Client) PlanStory(ctx context.Context, pitch providers.StoryPitch) (<-chan providers.PlanChunk, <-chan error) {
	inputs := map[string]any{
		"characters": formatRoles(pitch.Roles),
		"tags":       strings.Join(pitch.Tags, ", "),
	}
	payload := map[string]any{
		"query":         pitch.Logline,
		"user":          c.cfg.User,
		"response_mode": "streaming",
		"inputs":        inputs,
	}
	if c.conversationID != "" {
		payload["conversation_id"] = c.conversationID
	}

	raw, rawErrs := c.postStream(ctx, "chat-messages", payload)
	out := make(chan providers.PlanChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		var think strings.Builder
		inThink := false
		for chunk := range raw {
			if !inThink && think.Len() == 0 && strings.HasPrefix(chunk, "<think>") {
				inThink = true
			}
			if !inThink {
				out <- providers.PlanChunk{Kind: "output", Content: chunk}
				continue
			}
			think.WriteString(chunk)
			if idx := strings.Index(think.String(), "</think>"); idx >= 0 {
				full := think.String()
				out <- providers.PlanChunk{Kind: "think", Content: strings.TrimPrefix(full[:idx], "<think>")}
				if rest := full[idx+len("</think>"):]; rest != "" {
					out <- providers.PlanChunk{Kind: "output", Content: rest}
				}
				inThink = false
			}
		}
		for err := range rawErrs {
			errs <- err
		}
	}()

	return out, errs
}

// StreamScene streams the detailed script for one scene in the same
// conversation the earlier PlanStory call established.
func (c *Client) StreamScene(ctx context.Context, sessionID string, query string) (<-chan string, <-chan error) {
	payload := map[string]any{
		"query":         query,
		"user":          c.cfg.User,
		"response_mode": "streaming",
	}
	if sessionID != "" {
		payload["conversation_id"] = sessionID
	} else if c.conversationID != "" {
		payload["conversation_id"] = c.conversationID
	}
	return c.postStream(ctx, "chat-messages", payload)
}

// Stop cancels the in-flight chat task, if the server reported one, and
// clears the cached id. Mirrors the teacher's "stop on cancellation" safety
// behavior for long-running streamed generations.
func (c *Client) Stop(ctx context.Context) error {
	if c.taskID == "" {
		return nil
	}
	defer func() { c.taskID = "" }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/chat-messages/%s/stop", c.cfg.BaseURL, c.taskID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// invokeBlocking runs a one-shot (non-streaming) workflow call and returns
// its decoded "outputs" object, mirroring the teacher's blocking
// WorkflowClient.invoke used for art-direction lookups that must complete
// before the caller can proceed (unlike the planner/scene streams).
func (c *Client) invokeBlocking(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"inputs":        inputs,
		"user":          c.cfg.User,
		"response_mode": "blocking",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("promptservice: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/workflows/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("promptservice: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("promptservice: http %d", resp.StatusCode)
	}

	var decoded struct {
		Data struct {
			Outputs map[string]any `json:"outputs"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("promptservice: decode response: %w", err)
	}
	return decoded.Data.Outputs, nil
}

// parseJSONField decodes a workflow output field that may arrive as an
// already-decoded object or as a JSON (optionally ```json-fenced) string.
func parseJSONField(field any) (map[string]any, error) {
	switch v := field.(type) {
	case map[string]any:
		return v, nil
	case string:
		text := strings.TrimSpace(v)
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimSuffix(text, "```")
		var out map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
			return nil, fmt.Errorf("promptservice: decode field: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("promptservice: unexpected field type %T", field)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// DescribeScene runs the "场景画像" workflow for one background label.
func (c *Client) DescribeScene(ctx context.Context, storyPrompt, sceneLabel string) (providers.SceneDetails, error) {
	outputs, err := c.invokeBlocking(ctx, map[string]any{
		"story": storyPrompt,
		"scene": sceneLabel,
		"task":  "场景画像",
	})
	if err != nil {
		return providers.SceneDetails{}, err
	}
	details, err := parseJSONField(outputs["scene"])
	if err != nil {
		return providers.SceneDetails{}, err
	}
	return providers.SceneDetails{Prompt: stringField(details, "prompt"), Raw: details}, nil
}

// DescribeCharacter runs the "人物画像" workflow for one character label.
func (c *Client) DescribeCharacter(ctx context.Context, storyPrompt, characterLabel string) (providers.CharacterDetails, error) {
	outputs, err := c.invokeBlocking(ctx, map[string]any{
		"story":     storyPrompt,
		"character": characterLabel,
		"task":      "人物画像",
	})
	if err != nil {
		return providers.CharacterDetails{}, err
	}
	details, err := parseJSONField(outputs["character"])
	if err != nil {
		return providers.CharacterDetails{}, err
	}
	return providers.CharacterDetails{
		Prompt: stringField(details, "prompt"),
		Voice:  stringField(details, "voice"),
		Gender: stringField(details, "gender"),
		Raw:    details,
	}, nil
}

func formatRoles(roles []providers.PitchRole) string {
	var b strings.Builder
	for i, r := range roles {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s", r.Name)
		if r.Gender != "" {
			fmt.Fprintf(&b, " (%s", r.Gender)
			if r.Age != "" {
				fmt.Fprintf(&b, ", %s", r.Age)
			}
			b.WriteString(")")
		} else if r.Age != "" {
			fmt.Fprintf(&b, " (%s)", r.Age)
		}
	}
	return b.String()
}
