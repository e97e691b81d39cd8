package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepstoryhq/storyengine/internal/providers"
)

// voiceSelector implements the §4.3.1 dedup algorithm: cache a resolved
// voice_id by (description, gender, age), and prefer a candidate not
// already assigned to a different character so two roles never share a
// voice unless the catalog forces it.
type voiceSelector struct {
	media providers.MediaLibrary

	mu    sync.Mutex
	cache map[string]string
	used  map[string]bool
}

func newVoiceSelector(media providers.MediaLibrary) *voiceSelector {
	return &voiceSelector{
		media: media,
		cache: make(map[string]string),
		used:  make(map[string]bool),
	}
}

func voiceCacheKey(description, gender, age string) string {
	return description + "|" + gender + "|" + age
}

// resolve returns a voice_id for the given description/gender/age, reusing
// a previously-cached mapping when present.
func (v *voiceSelector) resolve(ctx context.Context, description, gender, age string) (string, error) {
	key := voiceCacheKey(description, gender, age)

	v.mu.Lock()
	if id, ok := v.cache[key]; ok {
		v.mu.Unlock()
		return id, nil
	}
	v.mu.Unlock()

	candidates, err := v.media.SearchVoice(ctx, description, gender, age, 10)
	if err != nil {
		return "", fmt.Errorf("engine: search voice: %w", err)
	}
	if len(candidates) == 0 && (gender != "" || age != "") {
		candidates, err = v.media.SearchVoice(ctx, description, "", "", 10)
		if err != nil {
			return "", fmt.Errorf("engine: search voice without filters: %w", err)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("engine: no voice match for %q", description)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	chosen := candidates[0].VoiceID
	for _, c := range candidates {
		if !v.used[c.VoiceID] {
			chosen = c.VoiceID
			break
		}
	}
	v.used[chosen] = true
	v.cache[key] = chosen
	return chosen, nil
}
