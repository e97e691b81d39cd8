// Package fakeprovider implements providers.PromptService, ImageWorkflow,
// TTS and MediaLibrary entirely in memory, for tests that exercise the
// taskqueue/tracker/engine/consumer packages without a network dependency.
package fakeprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepstoryhq/storyengine/internal/providers"
)

// PromptService replays a fixed sequence of PlanChunk/scene-script chunks
// regardless of the pitch/query it receives, which is all the engine's unit
// tests need to drive the pull parser deterministically.
type PromptService struct {
	PlanChunks []providers.PlanChunk

	// SceneScripts keys chunks by the exact query StreamScene receives.
	// SceneChunks, when SceneScripts has no entry for a query, is consumed
	// positionally instead — the Nth StreamScene call gets SceneChunks[N]
	// regardless of its query, for tests that don't want to reproduce the
	// engine's exact scene-content serialization.
	SceneScripts map[string][]string
	SceneChunks  [][]string
	sceneCalls   int

	// SceneDetails/CharacterDetails key lookups by the label passed to
	// DescribeScene/DescribeCharacter; a miss falls back to a deterministic
	// default derived from the label so tests need not populate every entry.
	SceneDetails     map[string]providers.SceneDetails
	CharacterDetails map[string]providers.CharacterDetails
}

var _ providers.PromptService = (*PromptService)(nil)

func (p *PromptService) PlanStory(ctx context.Context, pitch providers.StoryPitch) (<-chan providers.PlanChunk, <-chan error) {
	out := make(chan providers.PlanChunk, len(p.PlanChunks))
	errs := make(chan error, 1)
	for _, c := range p.PlanChunks {
		out <- c
	}
	close(out)
	close(errs)
	return out, errs
}

func (p *PromptService) StreamScene(ctx context.Context, sessionID string, query string) (<-chan string, <-chan error) {
	var chunks []string
	if p.SceneScripts != nil {
		chunks = p.SceneScripts[query]
	}
	if chunks == nil && p.sceneCalls < len(p.SceneChunks) {
		chunks = p.SceneChunks[p.sceneCalls]
	}
	p.sceneCalls++
	out := make(chan string, len(chunks))
	errs := make(chan error, 1)
	for _, c := range chunks {
		out <- c
	}
	close(out)
	close(errs)
	return out, errs
}

func (p *PromptService) DescribeScene(ctx context.Context, storyPrompt, sceneLabel string) (providers.SceneDetails, error) {
	if d, ok := p.SceneDetails[sceneLabel]; ok {
		return d, nil
	}
	return providers.SceneDetails{Prompt: "a painting of " + sceneLabel}, nil
}

func (p *PromptService) DescribeCharacter(ctx context.Context, storyPrompt, characterLabel string) (providers.CharacterDetails, error) {
	if d, ok := p.CharacterDetails[characterLabel]; ok {
		return d, nil
	}
	return providers.CharacterDetails{Prompt: "a portrait of " + characterLabel, Voice: "清脆明亮的声音"}, nil
}

// ImageWorkflow settles every submitted job immediately to a deterministic
// URL derived from the job counter, so tests can assert on ordering without
// coordinating timing.
type ImageWorkflow struct {
	mu      sync.Mutex
	results map[string][]providers.ImageWorkflowResult
	next    int
	Fail    map[string]bool // workflow name -> force Result to error

	// Emotions, when set, makes Submit produce one output per label instead
	// of a single "default" one, for tests exercising portrait multi-emotion
	// handling.
	Emotions []string
}

var _ providers.ImageWorkflow = (*ImageWorkflow)(nil)

func (f *ImageWorkflow) Submit(ctx context.Context, workflow string, inputs map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string][]providers.ImageWorkflowResult)
	}
	f.next++
	id := fmt.Sprintf("job-%d", f.next)

	labels := f.Emotions
	if len(labels) == 0 {
		labels = []string{"default"}
	}
	outputs := make([]providers.ImageWorkflowResult, 0, len(labels))
	for _, label := range labels {
		outputs = append(outputs, providers.ImageWorkflowResult{
			URL: fmt.Sprintf("https://fake.test/%s/%s_%s.png", workflow, label, id),
		})
	}
	if f.Fail[workflow] {
		outputs = outputs[:0]
	}
	f.results[id] = outputs
	return id, nil
}

func (f *ImageWorkflow) Status(ctx context.Context, jobID string) (bool, error) {
	return true, nil
}

func (f *ImageWorkflow) Result(ctx context.Context, jobID string) (providers.ImageWorkflowResult, error) {
	outputs, err := f.Outputs(ctx, jobID)
	if err != nil {
		return providers.ImageWorkflowResult{}, err
	}
	return outputs[0], nil
}

func (f *ImageWorkflow) Outputs(ctx context.Context, jobID string) ([]providers.ImageWorkflowResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[jobID]
	if !ok {
		return nil, fmt.Errorf("fakeprovider: unknown job %q", jobID)
	}
	if len(r) == 0 {
		return nil, fmt.Errorf("fakeprovider: job %q forced to fail", jobID)
	}
	return r, nil
}

// TTS always succeeds, returning a deterministic URL keyed by voiceID+text
// length so repeated calls with the same inputs are stable.
type TTS struct{}

var _ providers.TTS = TTS{}

func (TTS) Synthesize(ctx context.Context, text, voiceID, emotion, voiceEffect string) (providers.TTSResult, error) {
	return providers.TTSResult{
		URL:      fmt.Sprintf("https://fake.test/tts/%s/%d.wav", voiceID, len(text)),
		Duration: float64(len(text)) * 0.06,
	}, nil
}

// MediaLibrary serves a fixed voice roster and always reports one audio
// match, to exercise the dedup/fallback logic in the engine's voice
// selection without network calls.
type MediaLibrary struct {
	Voices []providers.VoiceCandidate
}

var _ providers.MediaLibrary = (*MediaLibrary)(nil)

func (m *MediaLibrary) SearchVoice(ctx context.Context, query, gender, age string, limit int) ([]providers.VoiceCandidate, error) {
	if len(m.Voices) == 0 {
		return []providers.VoiceCandidate{{VoiceID: "voice-default", Description: query}}, nil
	}
	return m.Voices, nil
}

func (m *MediaLibrary) SearchAudio(ctx context.Context, query string, audioType providers.AudioType, maxDistance *float64) (*providers.AudioCandidate, error) {
	return &providers.AudioCandidate{AudioID: "audio-" + query, Duration: 12.5}, nil
}

func (m *MediaLibrary) AudioDownloadURL(ctx context.Context, audioID string) (string, error) {
	return "https://fake.test/audio/" + audioID + ".mp3", nil
}
