// Package tts implements providers.TTS against the media library's speech
// synthesis endpoint.
package tts

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

type Config struct {
	BaseURL string
	APIKey  string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: 5 * time.Minute}}
}

var _ providers.TTS = (*Client)(nil)

func (c *Client) Synthesize(ctx context.Context, text, voiceID, emotion, voiceEffect string) (providers.TTSResult, error) {
	if emotion == "" {
		emotion = "normal"
	}
	payload := map[string]any{
		"text":      text,
		"voice_id":  voiceID,
		"emotion":   emotion,
		"emo_alpha": 1.0,
	}
	if voiceEffect != "" {
		payload["voice_effect"] = voiceEffect
	}

	var result struct {
		AudioURL    string  `json:"audio_url"`
		AudioLength float64 `json:"audio_length"`
	}

	op := func() error {
		body, err := json.Marshal(payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/tts", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("tts: http %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return providers.TTSResult{}, fmt.Errorf("tts: synthesize: %w", err)
	}
	return providers.TTSResult{URL: result.AudioURL, Duration: result.AudioLength}, nil
}
