// Package tasks wires the engine's resource-producing work (background
// drawing, character portraits, dialogue/narration synthesis, sound search)
// into a taskqueue.Registry. Each registered function calls exactly one
// external provider, waits out its own async lifecycle if the provider is
// job-based, and returns a model.ResourceResult — never a raw provider
// payload and never a downloaded file; downloading is the consumer's job.
package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deepstoryhq/storyengine/internal/logging"
	"github.com/deepstoryhq/storyengine/internal/model"
	"github.com/deepstoryhq/storyengine/internal/providers"
	"github.com/deepstoryhq/storyengine/internal/providers/imageworkflow"
	"github.com/deepstoryhq/storyengine/internal/taskqueue"
)

// Function names the engine submits by. Kept as constants so the engine and
// the registry never drift on the string contract.
const (
	FuncSceneDrawing      = "tasks.scene_drawing"
	FuncCharacterPortrait = "tasks.character_portrait"
	FuncDialogueASR       = "tasks.dialogue_asr"
	FuncSoundAudio        = "tasks.sound_audio"
)

const (
	sceneDrawingWorkflow      = "1953068722455048194"
	sceneDrawingNodeID        = "80"
	characterPortraitWorkflow = "1997665824230019074"
	characterPortraitNodeID   = "215"

	// runningHubCooldown gives the provider's per-account concurrency quota
	// time to release between a job settling and the next one being
	// submitted by a waiting worker.
	runningHubCooldown = 5 * time.Second
)

var log = logging.WithComponent("tasks")

// Config bundles the polling behavior shared by every image-workflow task.
type Config struct {
	ImageWorkflow providers.ImageWorkflow
	TTS           providers.TTS
	MediaLibrary  providers.MediaLibrary

	// PollInterval is how often Status is polled after Submit. Defaults to
	// 3s if zero.
	PollInterval time.Duration
	// PollTimeout bounds a single job's create+poll+result lifecycle.
	// Defaults to 10 minutes if zero.
	PollTimeout time.Duration
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 3 * time.Second
}

func (c Config) pollTimeout() time.Duration {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return 10 * time.Minute
}

// NewRegistry builds the taskqueue.Registry the engine's producer submits
// resource work into.
func NewRegistry(cfg Config) taskqueue.Registry {
	return taskqueue.Registry{
		FuncSceneDrawing:      sceneDrawingFunc(cfg),
		FuncCharacterPortrait: characterPortraitFunc(cfg),
		FuncDialogueASR:       dialogueASRFunc(cfg),
		FuncSoundAudio:        soundAudioFunc(cfg),
	}
}

// sceneDrawingFunc submits a single-output background image job. args[0] is
// the scene prompt text.
func sceneDrawingFunc(cfg Config) taskqueue.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		prompt, ok := argString(args, 0)
		if !ok {
			return nil, fmt.Errorf("tasks.scene_drawing: missing prompt arg")
		}

		outputs, err := runImageWorkflow(ctx, cfg, sceneDrawingWorkflow, []imageworkflow.NodeOverride{
			{NodeID: sceneDrawingNodeID, FieldName: "String", FieldValue: prompt},
		})
		if err != nil {
			return nil, fmt.Errorf("tasks.scene_drawing: %w", err)
		}

		urlMap := labelOutputs(outputs)
		return model.ResourceResult{Kind: model.ResourceImage, UrlMap: urlMap}, nil
	}
}

// characterPortraitFunc submits a multi-output portrait job (one image per
// detected emotion). args[0] is the character prompt text.
func characterPortraitFunc(cfg Config) taskqueue.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		prompt, ok := argString(args, 0)
		if !ok {
			return nil, fmt.Errorf("tasks.character_portrait: missing prompt arg")
		}

		outputs, err := runImageWorkflow(ctx, cfg, characterPortraitWorkflow, []imageworkflow.NodeOverride{
			{NodeID: characterPortraitNodeID, FieldName: "String", FieldValue: prompt},
		})
		if err != nil {
			return nil, fmt.Errorf("tasks.character_portrait: %w", err)
		}

		urlMap := labelOutputs(outputs)
		log.Info("character portrait completed", "emotions", len(urlMap))
		return model.NewPortraitResult(urlMap), nil
	}
}

// runImageWorkflow creates a job, polls until terminal, fetches every
// output, and waits out the provider's cooldown before returning — the
// worker holding the queue's concurrency slot for that long is deliberate:
// it throttles how fast new jobs can be submitted against the same quota.
func runImageWorkflow(ctx context.Context, cfg Config, workflow string, overrides []imageworkflow.NodeOverride) ([]providers.ImageWorkflowResult, error) {
	jobID, err := cfg.ImageWorkflow.Submit(ctx, workflow, map[string]any{"node_overrides": overrides})
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, cfg.pollTimeout())
	defer cancel()

	ticker := time.NewTicker(cfg.pollInterval())
	defer ticker.Stop()

	for {
		done, err := cfg.ImageWorkflow.Status(pollCtx, jobID)
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		if done {
			break
		}
		select {
		case <-pollCtx.Done():
			return nil, fmt.Errorf("poll: %w", pollCtx.Err())
		case <-ticker.C:
		}
	}

	outputs, err := cfg.ImageWorkflow.Outputs(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}

	select {
	case <-time.After(runningHubCooldown):
	case <-ctx.Done():
	}
	return outputs, nil
}

// labelOutputs maps each output to a label derived from its URL's filename
// prefix ("happy_00007.png" -> "happy"), falling back to "default" when no
// label can be extracted. When more than one output shares a label, the
// first one keeps it and the later ones are dropped.
func labelOutputs(outputs []providers.ImageWorkflowResult) map[string]string {
	urlMap := make(map[string]string, len(outputs))
	for _, o := range outputs {
		label := extractLabel(o.URL)
		if _, exists := urlMap[label]; !exists {
			urlMap[label] = o.URL
		}
	}
	return urlMap
}

// extractLabel pulls the prefix before the first underscore out of a file
// URL's basename, e.g. "https://x/happy_00007.png" -> "happy".
func extractLabel(url string) string {
	name := url
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.IndexByte(name, '?'); idx >= 0 {
		name = name[:idx]
	}
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		name = name[:idx]
	}
	if idx := strings.IndexByte(name, '_'); idx > 0 {
		return strings.ToLower(name[:idx])
	}
	if name == "" {
		return "default"
	}
	return strings.ToLower(name)
}

// dialogueASRFunc synthesizes one line of dialogue or narration audio.
// args: [voiceID, text]. kwargs: emotion (string, default "normal"),
// voice_effect (string, optional).
func dialogueASRFunc(cfg Config) taskqueue.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		voiceID, ok := argString(args, 0)
		if !ok {
			return nil, fmt.Errorf("tasks.dialogue_asr: missing voice_id arg")
		}
		text, ok := argString(args, 1)
		if !ok {
			return nil, fmt.Errorf("tasks.dialogue_asr: missing text arg")
		}
		emotion, _ := kwargs["emotion"].(string)
		if emotion == "" {
			emotion = "normal"
		}
		voiceEffect, _ := kwargs["voice_effect"].(string)

		result, err := cfg.TTS.Synthesize(ctx, text, voiceID, emotion, voiceEffect)
		if err != nil {
			return nil, fmt.Errorf("tasks.dialogue_asr: %w", err)
		}

		duration := result.Duration
		return model.ResourceResult{
			Kind:        model.ResourceAudio,
			UrlMap:      map[string]string{"default": result.URL},
			Duration:    &duration,
			VoiceID:     voiceID,
			Emotion:     emotion,
			VoiceEffect: voiceEffect,
		}, nil
	}
}

// soundAudioFunc searches the media library for one sound/music/ambient
// clip. args: [description, sound_type]. A miss is not an error — the
// Python task this is grounded on completes successfully with no file when
// the library has no matching asset, so we return a result with an empty
// url_map and let the consumer treat it as missing media.
func soundAudioFunc(cfg Config) taskqueue.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		description, ok := argString(args, 0)
		if !ok {
			return nil, fmt.Errorf("tasks.sound_audio: missing description arg")
		}
		soundType, ok := argString(args, 1)
		if !ok {
			return nil, fmt.Errorf("tasks.sound_audio: missing sound_type arg")
		}

		audioType := providers.AudioType(soundType)
		var maxDistance *float64
		if audioType == providers.AudioTypeMusic || audioType == providers.AudioTypeMood {
			maxDistance = nil
		}

		hit, err := cfg.MediaLibrary.SearchAudio(ctx, description, audioType, maxDistance)
		if err != nil {
			return nil, fmt.Errorf("tasks.sound_audio: %w", err)
		}
		st := model.SoundType(soundType)
		if hit == nil {
			log.Warn("no matching audio found", "description", description, "sound_type", soundType)
			return model.ResourceResult{Kind: model.ResourceAudio, UrlMap: map[string]string{}, SoundType: &st}, nil
		}

		url, err := cfg.MediaLibrary.AudioDownloadURL(ctx, hit.AudioID)
		if err != nil {
			return nil, fmt.Errorf("tasks.sound_audio: download url: %w", err)
		}

		duration := hit.Duration
		return model.ResourceResult{
			Kind:      model.ResourceAudio,
			UrlMap:    map[string]string{"default": url},
			Duration:  &duration,
			SoundType: &st,
		}, nil
	}
}

func argString(args []any, idx int) (string, bool) {
	if idx >= len(args) {
		return "", false
	}
	s, ok := args[idx].(string)
	return s, ok
}
