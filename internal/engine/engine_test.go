package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/deepstoryhq/storyengine/internal/cache"
	"github.com/deepstoryhq/storyengine/internal/model"
	"github.com/deepstoryhq/storyengine/internal/normalize"
	"github.com/deepstoryhq/storyengine/internal/providers"
	"github.com/deepstoryhq/storyengine/internal/providers/fakeprovider"
	"github.com/deepstoryhq/storyengine/internal/taskqueue"
	"github.com/deepstoryhq/storyengine/internal/tasks"
	"github.com/deepstoryhq/storyengine/internal/tracker"
)

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

// TestPlanThenOneScene reproduces scenario S1: a one-sequence, one-scene
// outline with a single pre-cast character, followed by one line of
// dialogue, and asserts the exact event sequence the engine must emit.
func TestPlanThenOneScene(t *testing.T) {
	c := newTestCache(t)
	requestID := "req-s1"

	outline := `<story title="A Quiet Night"><sequence title="I"><scene location="lab" time="night"><character name="Alice" age="青年"/></scene></sequence></story>`

	prompt := &fakeprovider.PromptService{
		PlanChunks: []providers.PlanChunk{
			{Kind: "output", Content: outline},
		},
		SceneChunks: [][]string{
			{`<scene music="" ambient=""><dialogue character="Alice" emotion="happy">Hi.</dialogue></scene>`},
		},
	}
	media := &fakeprovider.MediaLibrary{}
	registry := tasks.NewRegistry(tasks.Config{
		ImageWorkflow: &fakeprovider.ImageWorkflow{},
		TTS:           fakeprovider.TTS{},
		MediaLibrary:  media,
		PollInterval:  time.Millisecond,
	})
	manager := taskqueue.New(c, testQueues(), registry)
	manager.StartWorkers(context.Background(), nil)
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	trk := tracker.New(c, manager, requestID, 20*time.Millisecond)
	trk.StartPolling(context.Background())
	t.Cleanup(trk.StopPolling)

	input := model.StoryInput{
		Logline: "A scientist works late.",
		Roles:   []model.RoleInput{{Name: "Alice", Age: "青年"}},
	}

	eng := New(c, prompt, trk, media, requestID, input, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []model.NarrativeEvent
	for ev := range eng.Run(ctx) {
		events = append(events, ev)
	}

	require.Len(t, events, 5)

	require.Equal(t, model.EventStoryStart, events[0].EventType)
	require.Equal(t, "A Quiet Night", events[0].Title)

	require.Equal(t, model.EventChapterStart, events[1].EventType)
	require.Equal(t, 1, events[1].ChapterIndex)
	require.Equal(t, "I", events[1].Title)

	require.Equal(t, model.EventSceneStart, events[2].EventType)
	require.Equal(t, 11, events[2].SceneIndex)
	require.Equal(t, "lab", events[2].Location)
	require.Equal(t, "night", events[2].Time)
	require.Equal(t, normalize.BackgroundID("lab", "night"), events[2].BgID)
	require.Equal(t, "bg_"+events[2].BgID, events[2].BackgroundKey)
	require.Empty(t, events[2].MusicKey)
	require.Empty(t, events[2].AmbientKey)

	require.Equal(t, model.EventDialogue, events[3].EventType)
	require.Equal(t, "Alice", events[3].Character)
	require.Equal(t, "happy", events[3].Emotion)
	require.Equal(t, "Hi.", events[3].Text)
	require.Equal(t, "voice_111", events[3].VoiceKey)
	require.Equal(t, "portrait_"+normalize.CharacterTag("Alice", "青年"), events[3].ImageKey)

	require.Equal(t, model.EventStoryEnd, events[4].EventType)
}

func testQueues() []model.QueueConfig {
	return []model.QueueConfig{
		{Name: "image_generation", MaxConcurrent: 4, JobTimeout: 5 * time.Second, KeepResult: time.Minute, MaxTries: 1},
		{Name: "tts", MaxConcurrent: 4, JobTimeout: 5 * time.Second, KeepResult: time.Minute, MaxTries: 1},
		{Name: "audio_search", MaxConcurrent: 4, JobTimeout: 5 * time.Second, KeepResult: time.Minute, MaxTries: 1},
	}
}
