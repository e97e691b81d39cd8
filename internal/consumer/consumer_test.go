package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/deepstoryhq/storyengine/internal/cache"
	"github.com/deepstoryhq/storyengine/internal/model"
	"github.com/deepstoryhq/storyengine/internal/tracker"
)

func newTestTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return tracker.New(c, nil, "req-test", 10*time.Millisecond)
}

// TestPortraitEmotionFallback reproduces scenario S5: a portrait whose
// url_map has "happy" and "normal" variants, resolved for a dialogue event
// carrying emotion "sad" — no exact match and no "default" entry, so the
// consumer deterministically falls back to the stable-sorted first entry
// ("happy" sorts before "normal").
func TestPortraitEmotionFallback(t *testing.T) {
	trk := newTestTracker(t)
	trk.SetResult("portrait_k1", model.NewPortraitResult(map[string]string{
		"happy":  "https://fake.test/happy.png",
		"normal": "https://fake.test/normal.png",
	}))
	trk.SetResult("voice_111", model.NewAudioResult("https://fake.test/voice.wav"))

	s := New(trk, Options{ResourceWaitTimeout: time.Second})
	ev := model.NarrativeEvent{
		EventType: model.EventDialogue,
		Character: "Alice",
		Emotion:   "sad",
		ImageKey:  "portrait_k1",
		VoiceKey:  "voice_111",
	}

	resolved := s.resolve(context.Background(), ev)
	require.Equal(t, "https://fake.test/happy.png", resolved.ImageURL)

	// Repeated resolution must be stable, not just non-panicking.
	for i := 0; i < 20; i++ {
		resolved := s.resolve(context.Background(), ev)
		require.Equal(t, "https://fake.test/happy.png", resolved.ImageURL)
	}
}

// TestPortraitDownloadOnlyUsedEmotions reproduces the download half of S5:
// only emotions referenced by a yielded Dialogue event get downloaded.
func TestPortraitDownloadOnlyUsedEmotions(t *testing.T) {
	trk := newTestTracker(t)
	trk.SetResult("portrait_k1", model.NewPortraitResult(map[string]string{
		"happy":  "https://fake.test/happy.png",
		"normal": "https://fake.test/normal.png",
	}))

	dir := t.TempDir()
	o := NewOffline(trk, OfflineOptions{
		Options:    Options{ResourceWaitTimeout: time.Second},
		ProjectDir: dir,
	})

	ev := model.NarrativeEvent{
		EventType: model.EventDialogue,
		Character: "Alice",
		Emotion:   "happy",
		ImageKey:  "portrait_k1",
	}
	resolved := o.resolve(context.Background(), ev)
	o.scheduleDownloads(context.Background(), resolved)
	downloaded := o.WaitAllDownloads()

	require.Len(t, downloaded, 1)
	for k := range downloaded {
		require.Contains(t, k, "happy")
	}
}

// TestMissingAudioDroppedFromScript reproduces scenario S6: a dialogue
// line referencing a voice key that never settled is dropped from the
// rendered script, along with its paired show/hide lines.
func TestMissingAudioDroppedFromScript(t *testing.T) {
	w := NewScriptWriter()
	w.Append(model.NarrativeEvent{
		EventID:      "ev1",
		EventType:    model.EventDialogue,
		Character:    "Alice",
		CharacterTag: "alice01",
		Text:         "Hi.",
		Emotion:      "happy",
		ImageKey:     "portrait_alice01",
		VoiceKey:     "voice_k1",
	})

	downloaded := map[string]string{
		"portrait_alice01/happy": "/project/images/alice01 happy.png",
	}

	out := w.Flush(downloaded)
	require.Empty(t, out)
}
