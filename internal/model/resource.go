package model

import "sort"

// ResourceKind discriminates the ResourceResult sum type.
type ResourceKind string

const (
	ResourceAudio    ResourceKind = "audio"
	ResourceImage    ResourceKind = "image"
	ResourcePortrait ResourceKind = "portrait"

	// ResourceVoiceDescription is a direct-mode-only tracked value: the
	// planner's prose description of a character's voice at one age, set
	// on the request's voice_<request>_<name>_<age> handle so the engine's
	// voice selector can resolve it to a voice_id later. It never comes
	// from a task and carries no URL.
	ResourceVoiceDescription ResourceKind = "voice_description"
)

// SoundType classifies an Audio resource's channel.
type SoundType string

const (
	SoundMusic   SoundType = "music"
	SoundAmbient SoundType = "ambient"
	SoundAction  SoundType = "action"
)

// ResourceResult is the value a resolved resource key settles to. Exactly
// one of the Kind-specific fields is meaningful per Kind; UrlMap and
// Metadata are always present.
type ResourceResult struct {
	Kind     ResourceKind      `json:"kind"`
	UrlMap   map[string]string `json:"url_map"`
	Metadata map[string]any    `json:"metadata,omitempty"`

	// Audio-only.
	Duration    *float64   `json:"duration,omitempty"`
	VoiceID     string     `json:"voice_id,omitempty"`
	Emotion     string     `json:"emotion,omitempty"`
	VoiceEffect string     `json:"voice_effect,omitempty"`
	SoundType   *SoundType `json:"sound_type,omitempty"`
}

// NewImageResult builds an Image resource with the conventional single
// "default" URL entry.
func NewImageResult(url string) ResourceResult {
	return ResourceResult{Kind: ResourceImage, UrlMap: map[string]string{"default": url}}
}

// NewAudioResult builds an Audio resource with the conventional single
// "default" URL entry.
func NewAudioResult(url string) ResourceResult {
	return ResourceResult{Kind: ResourceAudio, UrlMap: map[string]string{"default": url}}
}

// NewPortraitResult builds a Portrait resource with one URL per detected
// emotion label.
func NewPortraitResult(urlsByEmotion map[string]string) ResourceResult {
	return ResourceResult{Kind: ResourcePortrait, UrlMap: urlsByEmotion}
}

// NewVoiceDescriptionResult wraps a voice description so it can travel
// through the same settle-once future as every other tracked resource,
// even though it carries prose text instead of a URL.
func NewVoiceDescriptionResult(description string) ResourceResult {
	return ResourceResult{Kind: ResourceVoiceDescription, UrlMap: map[string]string{"default": description}}
}

// firstURL deterministically picks one entry out of UrlMap. Go map
// iteration order is randomized, unlike the originating Python dict's
// insertion order (next(iter(url_map.values()))); a stable-sorted key is
// the closest equivalent available without threading an insertion-order
// slice through every call site that builds a UrlMap.
func (r ResourceResult) firstURL() (string, bool) {
	if len(r.UrlMap) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(r.UrlMap))
	for k := range r.UrlMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return r.UrlMap[keys[0]], true
}

// PrimaryURL returns the conventional "default" entry, falling back to any
// single entry when "default" is absent.
func (r ResourceResult) PrimaryURL() string {
	if u, ok := r.UrlMap["default"]; ok {
		return u
	}
	u, _ := r.firstURL()
	return u
}

// GetURL resolves a URL by label (e.g. an emotion) with the portrait
// fallback rules from spec §3: if exactly one URL is present it is always
// returned regardless of the requested key; otherwise the exact key is
// tried, then — if fallback is true — "default", then any remaining URL.
func (r ResourceResult) GetURL(key string, fallback bool) (string, bool) {
	if len(r.UrlMap) == 1 {
		return r.firstURL()
	}
	if u, ok := r.UrlMap[key]; ok {
		return u, true
	}
	if !fallback {
		return "", false
	}
	if u, ok := r.UrlMap["default"]; ok {
		return u, true
	}
	return r.firstURL()
}
