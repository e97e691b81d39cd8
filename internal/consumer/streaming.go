// Package consumer implements the downstream side of the narrative stream:
// resolving each producer event's resource keys to URLs in order, without
// blocking the producer on any single resolution, and (for the offline
// variant) downloading the resolved URLs to deterministic local paths.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/deepstoryhq/storyengine/internal/logging"
	"github.com/deepstoryhq/storyengine/internal/model"
	"github.com/deepstoryhq/storyengine/internal/tracker"
)

var log = logging.WithComponent("consumer")

// Options configures resource resolution shared by every consumer variant.
type Options struct {
	// ResourceWaitTimeout bounds how long the consumer waits for a single
	// key before giving up and leaving the matching URL field blank.
	// Defaults to 3600s, matching the engine's own default.
	ResourceWaitTimeout time.Duration
}

func (o Options) resourceWaitTimeout() time.Duration {
	if o.ResourceWaitTimeout > 0 {
		return o.ResourceWaitTimeout
	}
	return 3600 * time.Second
}

// Streaming drives a producer's event channel and resolves each event's
// resource keys in order before yielding it, so callers never see an
// unresolved key. It never reorders events and never waits on a future
// event's resources ahead of an earlier one.
type Streaming struct {
	tracker *tracker.Tracker
	opts    Options
}

// New builds a Streaming consumer bound to trk, the request's tracker.
func New(trk *tracker.Tracker, opts Options) *Streaming {
	return &Streaming{tracker: trk, opts: opts}
}

// Consume reads events from producer in order, resolves each one's
// resource keys, and sends it on the returned channel. The channel closes
// when producer closes; if an EventError is seen it is forwarded and the
// channel closes immediately after, without waiting on producer further.
// Cancelling ctx stops resolution and closes the output channel without
// yielding any further events.
func (s *Streaming) Consume(ctx context.Context, producer <-chan model.NarrativeEvent) <-chan model.NarrativeEvent {
	out := make(chan model.NarrativeEvent, cap(producer))
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-producer:
				if !ok {
					return
				}
				resolved := s.resolve(ctx, ev)
				select {
				case out <- resolved:
				case <-ctx.Done():
					return
				}
				if resolved.EventType == model.EventError {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// resolve fills in every URL field this event's keys reference. A missing
// or timed-out key simply leaves the matching field blank — per §7, that
// is downstream's job to handle (skip the line, stop the music), not the
// consumer's.
func (s *Streaming) resolve(ctx context.Context, ev model.NarrativeEvent) model.NarrativeEvent {
	switch ev.EventType {
	case model.EventSceneStart:
		ev.BackgroundURL = s.resolveURL(ctx, ev.BackgroundKey, "", true)
		if ev.MusicKey != "" {
			ev.MusicURL, _ = s.resolveAudio(ctx, ev.MusicKey)
		}
		if ev.AmbientKey != "" {
			ev.AmbientURL, _ = s.resolveAudio(ctx, ev.AmbientKey)
		}
	case model.EventDialogue:
		ev.VoiceURL, ev.VoiceDuration = s.resolveAudio(ctx, ev.VoiceKey)
		ev.ImageURL = s.resolveURL(ctx, ev.ImageKey, ev.Emotion, true)
	case model.EventNarration:
		if ev.VoiceKey != "" {
			ev.VoiceURL, ev.VoiceDuration = s.resolveAudio(ctx, ev.VoiceKey)
		}
	case model.EventAudio:
		ev.AudioURL, ev.VoiceDuration = s.resolveAudio(ctx, ev.AudioKey)
	}
	return ev
}

// resolveURL waits for key and returns the URL for label (falling back to
// "default" / any entry when fallback is true). Returns "" on any miss.
func (s *Streaming) resolveURL(ctx context.Context, key, label string, fallback bool) string {
	if key == "" {
		return ""
	}
	result, err := s.tracker.Get(ctx, key, s.opts.resourceWaitTimeout())
	if err != nil {
		log.Warn("resource resolution failed", "key", key, "error", err)
		return ""
	}
	url, _ := result.GetURL(label, fallback)
	return url
}

// resolveAudio waits for key and returns its URL and duration.
func (s *Streaming) resolveAudio(ctx context.Context, key string) (string, *float64) {
	if key == "" {
		return "", nil
	}
	result, err := s.tracker.Get(ctx, key, s.opts.resourceWaitTimeout())
	if err != nil {
		log.Warn("audio resolution failed", "key", key, "error", err)
		return "", nil
	}
	url := result.PrimaryURL()
	if url == "" {
		return "", nil
	}
	return url, result.Duration
}

// ErrProducerFailed wraps an EventError's message for callers that want a
// Go error instead of inspecting the terminal event directly.
type ErrProducerFailed struct {
	Message string
}

func (e *ErrProducerFailed) Error() string {
	return fmt.Sprintf("consumer: producer failed: %s", e.Message)
}
