package consumer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/deepstoryhq/storyengine/internal/model"
	"github.com/deepstoryhq/storyengine/internal/tracker"
)

const defaultDownloadConcurrency = 10

// OfflineOptions configures the Offline consumer beyond what Options
// already covers.
type OfflineOptions struct {
	Options

	// ProjectDir is the root a downloaded file's relative path is joined
	// against: audio under "audio/", images under "images/".
	ProjectDir string

	// DownloadConcurrency bounds the global number of in-flight HTTP
	// downloads. Defaults to 10.
	DownloadConcurrency int64

	// HTTPClient performs the actual download. Defaults to a client with
	// a 2 minute timeout.
	HTTPClient *http.Client
}

func (o OfflineOptions) downloadConcurrency() int64 {
	if o.DownloadConcurrency > 0 {
		return o.DownloadConcurrency
	}
	return defaultDownloadConcurrency
}

func (o OfflineOptions) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 2 * time.Minute}
}

// Offline extends Streaming: in addition to resolving URLs, it schedules
// a bounded-concurrency background download per resource and tracks which
// portrait emotions have actually been referenced by a yielded dialogue
// event, so only those variants are ever fetched.
type Offline struct {
	*Streaming
	opts OfflineOptions
	sem  *semaphore.Weighted

	mu           sync.Mutex
	downloaded   map[string]string          // key -> local path, writer-once
	usedEmotions map[string]map[string]bool // portrait key -> emotions seen in a yielded Dialogue
	wg           sync.WaitGroup
}

// NewOffline builds an Offline consumer. trk must be the same tracker the
// engine submitted resource tasks against.
func NewOffline(trk *tracker.Tracker, opts OfflineOptions) *Offline {
	return &Offline{
		Streaming:    New(trk, opts.Options),
		opts:         opts,
		sem:          semaphore.NewWeighted(opts.downloadConcurrency()),
		downloaded:   make(map[string]string),
		usedEmotions: make(map[string]map[string]bool),
	}
}

// Consume behaves like Streaming.Consume but also launches a background
// download for every resolved resource the event references.
func (o *Offline) Consume(ctx context.Context, producer <-chan model.NarrativeEvent) <-chan model.NarrativeEvent {
	out := make(chan model.NarrativeEvent, cap(producer))
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-producer:
				if !ok {
					return
				}
				resolved := o.resolve(ctx, ev)
				o.scheduleDownloads(ctx, resolved)
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

// WaitAllDownloads blocks until every scheduled download has settled and
// returns the final key->local-path map.
func (o *Offline) WaitAllDownloads() map[string]string {
	o.wg.Wait()
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.downloaded))
	for k, v := range o.downloaded {
		out[k] = v
	}
	return out
}

func (o *Offline) scheduleDownloads(ctx context.Context, ev model.NarrativeEvent) {
	switch ev.EventType {
	case model.EventSceneStart:
		o.downloadImage(ctx, ev.BackgroundKey, ev.BackgroundURL, "bg", ev.BgID)
		o.downloadAudio(ctx, ev.MusicKey, ev.MusicURL, tagMusic)
		o.downloadAudio(ctx, ev.AmbientKey, ev.AmbientURL, tagAmbient)
	case model.EventDialogue:
		o.noteUsedEmotion(ev.ImageKey, ev.Emotion)
		o.downloadPortrait(ctx, ev.ImageKey)
		o.downloadAudio(ctx, ev.VoiceKey, ev.VoiceURL, tagDialogue)
	case model.EventNarration:
		o.downloadAudio(ctx, ev.VoiceKey, ev.VoiceURL, tagNarration)
	case model.EventAudio:
		o.downloadAudio(ctx, ev.AudioKey, ev.AudioURL, audioEventTag(ev.Channel))
	}
}

// audioEventTag maps an Audio event's channel (music/ambient/sound search
// results, as opposed to dialogue/narration TTS) onto its naming tag.
func audioEventTag(channel model.AudioChannel) audioTag {
	switch channel {
	case model.ChannelMusic:
		return tagMusic
	case model.ChannelAmbient:
		return tagAmbient
	default:
		return tagSound
	}
}

func (o *Offline) noteUsedEmotion(key, emotion string) {
	if key == "" || emotion == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	set, ok := o.usedEmotions[key]
	if !ok {
		set = make(map[string]bool)
		o.usedEmotions[key] = set
	}
	set[emotion] = true
}

// downloadPortrait fetches every url_map entry for a portrait key whose
// label has already been referenced by a yielded Dialogue event; if no
// emotion has been recorded yet for this key, it downloads every label
// (the "none recorded yet" case in §4.4).
func (o *Offline) downloadPortrait(ctx context.Context, key string) {
	if key == "" {
		return
	}
	result, err := o.tracker.Get(ctx, key, o.opts.resourceWaitTimeout())
	if err != nil {
		log.Warn("portrait resolution failed", "key", key, "error", err)
		return
	}

	o.mu.Lock()
	used := o.usedEmotions[key]
	o.mu.Unlock()

	for label, rawURL := range result.UrlMap {
		if len(used) > 0 && !used[label] {
			continue
		}
		dlKey := key + "/" + label
		name := imageFilename(key, label, rawURL)
		o.download(ctx, dlKey, rawURL, filepath.Join(o.opts.ProjectDir, "images", name))
	}
}

func (o *Offline) downloadImage(ctx context.Context, key, resolvedURL, tag, attribute string) {
	if key == "" || resolvedURL == "" {
		return
	}
	name := imageFilename(tag, attribute, resolvedURL)
	o.download(ctx, key, resolvedURL, filepath.Join(o.opts.ProjectDir, "images", name))
}

func (o *Offline) downloadAudio(ctx context.Context, key, resolvedURL string, tag audioTag) {
	if key == "" || resolvedURL == "" {
		return
	}
	name := audioFilename(tag, resolvedURL)
	o.download(ctx, key, resolvedURL, filepath.Join(o.opts.ProjectDir, "audio", name))
}

// download schedules a fetch of rawURL to dest under the global semaphore,
// writer-once per key, skipping if the file already exists.
func (o *Offline) download(ctx context.Context, key, rawURL, dest string) {
	o.mu.Lock()
	if _, done := o.downloaded[key]; done {
		o.mu.Unlock()
		return
	}
	o.downloaded[key] = dest
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.fetch(ctx, rawURL, dest); err != nil {
			log.Warn("download failed", "key", key, "url", rawURL, "error", err)
		}
	}()
}

func (o *Offline) fetch(ctx context.Context, rawURL, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	if strings.HasPrefix(rawURL, "data:") {
		return writeDataURI(rawURL, dest)
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire download slot: %w", err)
	}
	defer o.sem.Release(1)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := o.opts.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch: status %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(dest)
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func writeDataURI(uri, dest string) error {
	idx := strings.IndexByte(uri, ',')
	if idx < 0 {
		return fmt.Errorf("malformed data uri")
	}
	meta, payload := uri[:idx], uri[idx+1:]

	var data []byte
	var err error
	if strings.Contains(meta, ";base64") {
		data, err = base64.StdEncoding.DecodeString(payload)
	} else {
		unescaped, decErr := url.QueryUnescape(payload)
		if decErr != nil {
			return fmt.Errorf("decode data uri: %w", decErr)
		}
		data = []byte(unescaped)
	}
	if err != nil {
		return fmt.Errorf("decode data uri: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return os.WriteFile(dest, data, 0o644)
}
