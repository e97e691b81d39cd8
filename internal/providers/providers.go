// Package providers defines the engine's outbound collaborators: the LLM
// prompt service that streams planner/scene script XML, the image workflow
// backend, the text-to-speech backend, and the media library used for
// voice/sound search. Each is a narrow interface so the engine never talks
// HTTP directly; concrete implementations live in this package's
// sub-packages (promptservice, imageworkflow, tts, medialibrary) and a
// fakeprovider sub-package backs the test suite.
package providers

import "context"

// PlanChunk is one piece of the planner's streamed output. Kind is either
// "think" (the model's visible reasoning, which the engine persists and
// folds into its art-direction prompts) or
// "output" (story/sequence/scene XML text to feed the pull parser).
type PlanChunk struct {
	Kind    string
	Content string
}

// StoryPitch is the pitch the caller hands to the planner.
type StoryPitch struct {
	Logline string
	Roles   []PitchRole
	Tags    []string
}

type PitchRole struct {
	Name   string
	Gender string
	Age    string
}

// SceneDetails is the art-direction brief the planner returns for one
// background, used to drive the scene-drawing image task.
type SceneDetails struct {
	Prompt string
	Raw    map[string]any
}

// CharacterDetails is the art-direction and voice brief the planner returns
// for one character at one age/period.
type CharacterDetails struct {
	Prompt string
	Voice  string
	Gender string
	Raw    map[string]any
}

// PromptService is the narrative LLM backend: it streams a story plan for a
// pitch, separately streams the fully-detailed script for one scene given
// the running conversation/session context, and answers one-shot
// art-direction lookups used while the plan is still streaming.
type PromptService interface {
	// PlanStory streams the two-phase planning output (summary/outline as
	// "think", then incremental story/sequence/scene XML as "output") for a
	// fresh pitch.
	PlanStory(ctx context.Context, pitch StoryPitch) (<-chan PlanChunk, <-chan error)

	// StreamScene streams the detailed script XML for one scene.
	// sessionID, when non-empty, names the backend conversation to continue;
	// PlanStory does not return one, so an implementation may fall back to
	// a conversation it tracks itself (as promptservice.Client does).
	StreamScene(ctx context.Context, sessionID string, query string) (<-chan string, <-chan error)

	// DescribeScene returns the art-direction brief for one background,
	// given the accumulated story prompt and a "<location> - <time>" label.
	DescribeScene(ctx context.Context, storyPrompt, sceneLabel string) (SceneDetails, error)

	// DescribeCharacter returns the art-direction and voice brief for one
	// character, given the accumulated story prompt and a "<name> - <age>"
	// label.
	DescribeCharacter(ctx context.Context, storyPrompt, characterLabel string) (CharacterDetails, error)
}

// ImageWorkflowResult is the outcome of a completed image generation job.
type ImageWorkflowResult struct {
	URL      string
	Metadata map[string]any
}

// ImageWorkflow generates background and portrait art. Submit returns a
// provider-side job id; the caller (a taskqueue worker) polls Status and
// fetches Result once it reports complete. Providers that are synchronous
// under the hood (request/response, no polling) may implement Status/Result
// as no-ops returning complete immediately after Submit blocks internally.
type ImageWorkflow interface {
	Submit(ctx context.Context, workflow string, inputs map[string]any) (jobID string, err error)
	Status(ctx context.Context, jobID string) (done bool, err error)
	Result(ctx context.Context, jobID string) (ImageWorkflowResult, error)

	// Outputs returns every output file the job produced, for workflows
	// (character portraits) that render one image per emotion variant.
	// Result is equivalent to Outputs()[0] for single-output workflows.
	Outputs(ctx context.Context, jobID string) ([]ImageWorkflowResult, error)
}

// TTSResult is one synthesized utterance.
type TTSResult struct {
	URL      string
	Duration float64
}

// TTS synthesizes dialogue/narration audio for a single line.
type TTS interface {
	Synthesize(ctx context.Context, text, voiceID, emotion, voiceEffect string) (TTSResult, error)
}

// VoiceCandidate is one search hit from the media library's voice catalog.
type VoiceCandidate struct {
	VoiceID     string
	Description string
}

// AudioCandidate is one search hit from the media library's sound/music
// catalog.
type AudioCandidate struct {
	AudioID  string
	Duration float64
}

// AudioType classifies a sound-search request, mirroring the media
// library's own type filter.
type AudioType string

const (
	AudioTypeMusic  AudioType = "music"
	AudioTypeMood   AudioType = "mood"
	AudioTypeAmbient AudioType = "ambient"
	AudioTypeAction AudioType = "action"
)

// MediaLibrary is the voice and sound-effect search/download backend.
type MediaLibrary interface {
	SearchVoice(ctx context.Context, query, gender, age string, limit int) ([]VoiceCandidate, error)
	SearchAudio(ctx context.Context, query string, audioType AudioType, maxDistance *float64) (*AudioCandidate, error)
	AudioDownloadURL(ctx context.Context, audioID string) (string, error)
}
