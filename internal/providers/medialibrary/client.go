// Package medialibrary implements providers.MediaLibrary against the media
// catalog backend: voice search, sound/music search, and signed download
// URL lookup.
package medialibrary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
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
	return &Client{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}}
}

var _ providers.MediaLibrary = (*Client)(nil)

func (c *Client) headers(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any) (json.RawMessage, error) {
	var raw json.RawMessage
	op := func() error {
		body, err := json.Marshal(payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.headers(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("medialibrary: http %d on %s", resp.StatusCode, endpoint)
		}
		return json.NewDecoder(resp.Body).Decode(&raw)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	var raw json.RawMessage
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.headers(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("medialibrary: http %d on %s", resp.StatusCode, endpoint)
		}
		return json.NewDecoder(resp.Body).Decode(&raw)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return raw, nil
}

type voiceHit struct {
	VoiceID     string `json:"voice_id"`
	Description string `json:"description"`
}

func (c *Client) SearchVoice(ctx context.Context, query, gender, age string, limit int) ([]providers.VoiceCandidate, error) {
	if limit <= 0 {
		limit = 10
	}
	payload := map[string]any{"query": query, "limit": limit}
	if gender != "" {
		payload["gender"] = gender
	}
	if age != "" {
		payload["age"] = age
	}

	raw, err := c.post(ctx, "/voice/search", payload)
	if err != nil {
		return nil, fmt.Errorf("medialibrary: search voice: %w", err)
	}
	var hits []voiceHit
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil, fmt.Errorf("medialibrary: decode voice search response: %w", err)
	}
	out := make([]providers.VoiceCandidate, len(hits))
	for i, h := range hits {
		out[i] = providers.VoiceCandidate{VoiceID: h.VoiceID, Description: h.Description}
	}
	return out, nil
}

type audioHit struct {
	AudioID  any     `json:"id"`
	Duration float64 `json:"duration"`
}

// SearchAudio returns the single best match, or nil if nothing matched.
// maxDistance mirrors the catalog's match-distance threshold: nil lets the
// backend use its configured default, music/mood searches always pass nil
// since they are insensitive to exact match precision.
func (c *Client) SearchAudio(ctx context.Context, query string, audioType providers.AudioType, maxDistance *float64) (*providers.AudioCandidate, error) {
	payload := map[string]any{"query": query, "limit": 1}
	if audioType != "" {
		payload["type"] = string(audioType)
		if audioType == providers.AudioTypeMusic {
			payload["enable_commercial"] = true
		}
	}
	if audioType == providers.AudioTypeMusic || audioType == providers.AudioTypeMood {
		maxDistance = nil
	}
	if maxDistance != nil {
		payload["max_distance"] = *maxDistance
	}

	raw, err := c.post(ctx, "/audio/search", payload)
	if err != nil {
		return nil, fmt.Errorf("medialibrary: search audio: %w", err)
	}
	var hits []audioHit
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil, fmt.Errorf("medialibrary: decode audio search response: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	return &providers.AudioCandidate{AudioID: fmt.Sprint(hits[0].AudioID), Duration: hits[0].Duration}, nil
}

func (c *Client) AudioDownloadURL(ctx context.Context, audioID string) (string, error) {
	raw, err := c.get(ctx, fmt.Sprintf("/audio/%s/download-url", url.PathEscape(audioID)))
	if err != nil {
		return "", fmt.Errorf("medialibrary: download url: %w", err)
	}
	var result struct {
		URL         string `json:"url"`
		DownloadURL string `json:"download_url"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("medialibrary: decode download url response: %w", err)
	}
	if result.URL != "" {
		return result.URL, nil
	}
	return result.DownloadURL, nil
}
