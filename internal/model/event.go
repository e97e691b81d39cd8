package model

// EventType discriminates the NarrativeEvent sum type.
type EventType string

const (
	EventStoryStart   EventType = "story_start"
	EventStoryEnd     EventType = "story_end"
	EventChapterStart EventType = "chapter_start"
	EventSceneStart   EventType = "scene_start"
	EventDialogue     EventType = "dialogue"
	EventNarration    EventType = "narration"
	EventAudio        EventType = "audio"
	EventError        EventType = "error"
)

// AudioChannel classifies an Audio event.
type AudioChannel string

const (
	ChannelMusic   AudioChannel = "music"
	ChannelAmbient AudioChannel = "ambient"
	ChannelSound   AudioChannel = "sound"
)

// NarrativeEvent is a discrete, ordered unit of the narrative stream. Every
// variant carries EventID and EventType; the remaining fields are
// variant-specific and populated according to EventType. Resource keys
// (VoiceKey, ImageKey, BackgroundKey, MusicKey, AmbientKey, AudioKey) are
// filled in by the producer; the matching *_url fields and VoiceDuration
// are never set by the engine — only by a consumer after resolving keys
// through the resource tracker.
type NarrativeEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`

	// StoryStart
	Title string `json:"title,omitempty"`

	// ChapterStart
	ChapterIndex int `json:"chapter_index,omitempty"`

	// SceneStart
	SceneIndex    int    `json:"scene_index,omitempty"`
	Location      string `json:"location,omitempty"`
	Time          string `json:"time,omitempty"`
	BgID          string `json:"bg_id,omitempty"`
	BackgroundKey string `json:"background_key,omitempty"`
	MusicKey      string `json:"music_key,omitempty"`
	AmbientKey    string `json:"ambient_key,omitempty"`
	MusicDesc     string `json:"music_desc,omitempty"`
	AmbientDesc   string `json:"ambient_desc,omitempty"`

	// Dialogue
	Character    string `json:"character,omitempty"`
	CharacterTag string `json:"character_tag,omitempty"`
	Text         string `json:"text,omitempty"`
	Emotion      string `json:"emotion,omitempty"`
	IsMonologue  bool   `json:"is_monologue,omitempty"`
	VoiceKey     string `json:"voice_key,omitempty"`
	ImageKey     string `json:"image_key,omitempty"`

	// Audio
	Channel     AudioChannel `json:"channel,omitempty"`
	AudioKey    string       `json:"audio_key,omitempty"`
	Description string       `json:"description,omitempty"`

	// Error
	ErrorMessage string `json:"error_message,omitempty"`

	// Filled in by a consumer, never by the engine.
	VoiceURL      string   `json:"voice_url,omitempty"`
	ImageURL      string   `json:"image_url,omitempty"`
	BackgroundURL string   `json:"background_url,omitempty"`
	MusicURL      string   `json:"music_url,omitempty"`
	AmbientURL    string   `json:"ambient_url,omitempty"`
	AudioURL      string   `json:"audio_url,omitempty"`
	VoiceDuration *float64 `json:"voice_duration,omitempty"`
}
