// Package engine implements the story engine (producer): the two-phase
// generation that turns a logline/cast/tags pitch into a strictly ordered
// stream of model.NarrativeEvent values, submitting resource tasks as soon
// as the planner's streamed XML reveals enough to need them.
package engine

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deepstoryhq/storyengine/internal/cache"
	"github.com/deepstoryhq/storyengine/internal/logging"
	"github.com/deepstoryhq/storyengine/internal/model"
	"github.com/deepstoryhq/storyengine/internal/normalize"
	"github.com/deepstoryhq/storyengine/internal/providers"
	"github.com/deepstoryhq/storyengine/internal/tasks"
	"github.com/deepstoryhq/storyengine/internal/tracker"
	"github.com/deepstoryhq/storyengine/internal/xmlstream"
)

var log = logging.WithComponent("engine")

// EventChannelCapacity is the bounded buffer between the producer and a
// consumer's main loop, sized so the producer can submit every upcoming
// resource task without stalling on the consumer's sequential resolution.
const EventChannelCapacity = 1000

// stateTTL is the single TTL applied to every story:<request_id>:* key.
const stateTTL = 24 * time.Hour

// Options configures request-independent engine behavior.
type Options struct {
	// NarratorVoiceID is used for narration/action lines. Narration is not
	// synthesized (no voice_key is set on the event) if this is empty.
	NarratorVoiceID string

	// DefaultVoiceDescription is used when a character's planner-supplied
	// voice description is unavailable (describe-character failed, or the
	// character was never routed through Phase A for this age).
	DefaultVoiceDescription string

	// ImageQueue, TTSQueue, AudioQueue name the taskqueue queues resource
	// tasks are submitted to. Default to "image_generation", "tts", and
	// "audio_search" respectively.
	ImageQueue string
	TTSQueue   string
	AudioQueue string

	// ResourceWaitTimeout bounds how long the engine itself waits on a
	// direct-mode voice-description handle while resolving a speaker's
	// voice for a dialogue/monologue line. Defaults to 3600s.
	ResourceWaitTimeout time.Duration
}

func (o Options) imageQueue() string {
	if o.ImageQueue != "" {
		return o.ImageQueue
	}
	return "image_generation"
}

func (o Options) ttsQueue() string {
	if o.TTSQueue != "" {
		return o.TTSQueue
	}
	return "tts"
}

func (o Options) audioQueue() string {
	if o.AudioQueue != "" {
		return o.AudioQueue
	}
	return "audio_search"
}

func (o Options) resourceWaitTimeout() time.Duration {
	if o.ResourceWaitTimeout > 0 {
		return o.ResourceWaitTimeout
	}
	return 3600 * time.Second
}

func (o Options) defaultVoiceDescription() string {
	if o.DefaultVoiceDescription != "" {
		return o.DefaultVoiceDescription
	}
	return "a clear, natural voice"
}

// Engine drives one request's generation. It is not safe for concurrent
// use — Run owns it for the lifetime of the single producer goroutine it
// spawns.
type Engine struct {
	cache   *cache.Client
	prompt  providers.PromptService
	tracker *tracker.Tracker
	voices  *voiceSelector

	requestID string
	input     model.StoryInput
	opts      Options

	think     string
	script    string
	sessionID string

	characters map[string]*model.CharacterState
	scenes     map[string]model.SceneState

	eventN int
}

// New builds an Engine for one request. media backs voice/sound search;
// trk must be constructed against the same requestID and cache client.
func New(c *cache.Client, prompt providers.PromptService, trk *tracker.Tracker, media providers.MediaLibrary, requestID string, input model.StoryInput, opts Options) *Engine {
	characters := make(map[string]*model.CharacterState, len(input.Roles))
	for _, r := range input.Roles {
		characters[r.Name] = &model.CharacterState{Gender: r.Gender, Periods: map[string]model.CharacterPeriod{}}
	}
	return &Engine{
		cache:      c,
		prompt:     prompt,
		tracker:    trk,
		voices:     newVoiceSelector(media),
		requestID:  requestID,
		input:      input,
		opts:       opts,
		characters: characters,
		scenes:     make(map[string]model.SceneState),
	}
}

func (e *Engine) key(field string) string {
	return fmt.Sprintf("story:%s:%s", e.requestID, field)
}

func (e *Engine) storyletsKey() string {
	return e.key("storylets")
}

func (e *Engine) nextEventID() string {
	e.eventN++
	return "ev" + strconv.Itoa(e.eventN)
}

// Run starts the producer goroutine and returns the channel it emits
// NarrativeEvents on. The channel is closed once the story ends or a
// story-level error terminates the run (in which case the final event has
// EventType EventError).
func (e *Engine) Run(ctx context.Context) <-chan model.NarrativeEvent {
	out := make(chan model.NarrativeEvent, EventChannelCapacity)
	go func() {
		defer close(out)

		if err := e.loadState(ctx); err != nil {
			e.emit(ctx, out, e.errorEvent(err))
			return
		}
		if err := e.planPhase(ctx); err != nil {
			log.Error("plan phase failed", "request_id", e.requestID, "error", err)
			e.emit(ctx, out, e.errorEvent(err))
			return
		}
		if err := e.expandPhase(ctx, out); err != nil {
			log.Error("expand phase failed", "request_id", e.requestID, "error", err)
			e.emit(ctx, out, e.errorEvent(err))
			return
		}
	}()
	return out
}

func (e *Engine) errorEvent(err error) model.NarrativeEvent {
	return model.NarrativeEvent{EventID: e.nextEventID(), EventType: model.EventError, ErrorMessage: err.Error()}
}

// emit pushes ev onto out, respecting cancellation.
func (e *Engine) emit(ctx context.Context, out chan<- model.NarrativeEvent, ev model.NarrativeEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// loadState recovers think/script/session/characters/scenes from a prior
// run of this request, so a restarted process can resume Phase A (or skip
// straight to Phase B if the outline already fully expanded).
func (e *Engine) loadState(ctx context.Context) error {
	if v, err := e.cache.Get(ctx, e.key("think")); err == nil {
		e.think = v
	} else if err != cache.ErrNotFound {
		return fmt.Errorf("engine: load think: %w", err)
	}
	if v, err := e.cache.Get(ctx, e.key("script")); err == nil {
		e.script = v
	} else if err != cache.ErrNotFound {
		return fmt.Errorf("engine: load script: %w", err)
	}
	if v, err := e.cache.Get(ctx, e.key("session")); err == nil {
		e.sessionID = v
	} else if err != cache.ErrNotFound {
		return fmt.Errorf("engine: load session: %w", err)
	}
	if v, err := e.cache.Get(ctx, e.key("characters")); err == nil {
		var characters map[string]*model.CharacterState
		if err := json.Unmarshal([]byte(v), &characters); err != nil {
			return fmt.Errorf("engine: decode cached characters: %w", err)
		}
		e.characters = characters
	} else if err != cache.ErrNotFound {
		return fmt.Errorf("engine: load characters: %w", err)
	}
	if v, err := e.cache.Get(ctx, e.key("scenes")); err == nil {
		var scenes map[string]model.SceneState
		if err := json.Unmarshal([]byte(v), &scenes); err != nil {
			return fmt.Errorf("engine: decode cached scenes: %w", err)
		}
		e.scenes = scenes
	} else if err != cache.ErrNotFound {
		return fmt.Errorf("engine: load scenes: %w", err)
	}
	return nil
}

func (e *Engine) persistString(ctx context.Context, field, value string) {
	if err := e.cache.SetEX(ctx, e.key(field), value, stateTTL); err != nil {
		log.Warn("failed to persist engine state", "field", field, "error", err)
	}
}

func (e *Engine) persistCharacters(ctx context.Context) {
	buf, err := json.Marshal(e.characters)
	if err != nil {
		log.Warn("failed to encode characters", "error", err)
		return
	}
	e.persistString(ctx, "characters", string(buf))
}

func (e *Engine) persistScenes(ctx context.Context) {
	buf, err := json.Marshal(e.scenes)
	if err != nil {
		log.Warn("failed to encode scenes", "error", err)
		return
	}
	e.persistString(ctx, "scenes", string(buf))
}

// storyPrompt formats the accumulated pitch and plan into the prose brief
// fed to the blocking art-direction lookups (DescribeScene/DescribeCharacter).
func (e *Engine) storyPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Logline: %s\n", e.input.Logline)
	if len(e.input.Roles) > 0 {
		b.WriteString("Roles: ")
		for i, r := range e.input.Roles {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(r.Name)
			if r.Gender != "" || r.Age != "" {
				fmt.Fprintf(&b, " (%s %s)", r.Gender, r.Age)
			}
		}
		b.WriteString("\n")
	}
	if len(e.input.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(e.input.Tags, ", "))
	}
	if e.think != "" {
		fmt.Fprintf(&b, "Plan:\n%s\n", e.think)
	}
	if e.script != "" {
		fmt.Fprintf(&b, "Outline:\n%s\n", e.script)
	}
	return b.String()
}

func toPitchRoles(roles []model.RoleInput) []providers.PitchRole {
	out := make([]providers.PitchRole, len(roles))
	for i, r := range roles {
		out[i] = providers.PitchRole{Name: r.Name, Gender: r.Gender, Age: r.Age}
	}
	return out
}

// planPhase runs Phase A: stream the planner, submit background/portrait
// tasks as elements complete, persist the outline, and enqueue storylets
// for Phase B. If an outline and storylets are already cached, it resumes
// rather than re-planning.
func (e *Engine) planPhase(ctx context.Context) error {
	queueLen, err := e.cache.LLen(ctx, e.storyletsKey())
	if err != nil {
		return fmt.Errorf("engine: check storylets queue: %w", err)
	}

	if e.think != "" && e.script != "" {
		if queueLen > 0 {
			log.Info("resuming phase B from cached storylets", "request_id", e.requestID, "pending", queueLen)
			return nil
		}
		log.Info("cached outline found with an empty queue, re-enqueuing", "request_id", e.requestID)
		return e.enqueueScenes(ctx)
	}

	chunks, errs := e.prompt.PlanStory(ctx, providers.StoryPitch{
		Logline: e.input.Logline,
		Roles:   toPitchRoles(e.input.Roles),
		Tags:    e.input.Tags,
	})
	parser := xmlstream.New()

	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if err := e.handlePlanChunk(ctx, parser, chunk); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("engine: plan story: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) handlePlanChunk(ctx context.Context, parser *xmlstream.Parser, chunk providers.PlanChunk) error {
	switch chunk.Kind {
	case "think":
		e.think += chunk.Content
		e.persistString(ctx, "think", e.think)
	case "output":
		events, err := parser.Feed(chunk.Content)
		if err != nil {
			log.Error("planner xml malformed, aborting request", "request_id", e.requestID, "buffered", parser.Buffered(), "error", err)
			return fmt.Errorf("engine: planner xml: %w", err)
		}
		for _, ev := range events {
			if err := e.handlePlanEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) handlePlanEvent(ctx context.Context, ev xmlstream.Event) error {
	switch {
	case ev.Kind == xmlstream.Start && ev.Tag == "scene":
		if err := e.sceneDrawing(ctx, ev.Attr("location"), ev.Attr("time")); err != nil {
			log.Error("scene drawing submission failed", "location", ev.Attr("location"), "time", ev.Attr("time"), "error", err)
		}

	case ev.Kind == xmlstream.End && ev.Tag == "character":
		name := ev.Attr("name")
		if _, known := e.characters[name]; known {
			age := normalize.Age(ev.Attr("age"))
			if err := e.characterPortrait(ctx, name, age); err != nil {
				log.Error("character portrait submission failed", "character", name, "age", age, "error", err)
			}
		}

	case ev.Kind == xmlstream.End && ev.Tag == "story":
		e.script = ev.XML
		e.persistString(ctx, "script", e.script)

		doc, err := decodeOutline(e.script)
		if err != nil {
			return fmt.Errorf("engine: parse outline: %w", err)
		}

		for _, ref := range outlineCharacters(doc) {
			if _, known := e.characters[ref.Name]; known {
				continue
			}
			age := normalize.Age(ref.Age)
			e.characters[ref.Name] = &model.CharacterState{Periods: map[string]model.CharacterPeriod{}}
			if err := e.characterPortrait(ctx, ref.Name, age); err != nil {
				log.Error("character portrait submission failed", "character", ref.Name, "age", age, "error", err)
			}
		}

		return e.enqueueScenesFromDoc(ctx, doc)
	}
	return nil
}

// outlineCharacters returns every distinct character name in the outline,
// in first-appearance order, paired with the age they were first given.
func outlineCharacters(doc xmlStory) []model.CharacterRef {
	seen := make(map[string]bool)
	var refs []model.CharacterRef
	for _, seq := range doc.Sequences {
		for _, scene := range seq.Scenes {
			for _, c := range scene.Characters {
				if seen[c.Name] {
					continue
				}
				seen[c.Name] = true
				refs = append(refs, model.CharacterRef{Name: c.Name, Age: c.Age})
			}
		}
	}
	return refs
}

// sceneDrawing submits a background image task the first time a given
// location/time pair is seen.
func (e *Engine) sceneDrawing(ctx context.Context, location, time string) error {
	bgTag := fmt.Sprintf("%s - %s", location, time)
	if _, ok := e.scenes[bgTag]; ok {
		return nil
	}

	details, err := e.prompt.DescribeScene(ctx, e.storyPrompt(), bgTag)
	if err != nil {
		return fmt.Errorf("describe scene %q: %w", bgTag, err)
	}
	e.scenes[bgTag] = model.SceneState{Prompt: details.Prompt}
	e.persistScenes(ctx)

	bgID := normalize.BackgroundID(location, time)
	return e.tracker.Submit(ctx, "bg_"+bgID, tasks.FuncSceneDrawing, []any{details.Prompt}, nil, e.opts.imageQueue())
}

// characterPortrait submits a portrait image task for one character/age,
// and directly settles that period's voice-description handle so Phase B
// can resolve an actual voice_id for it without waiting on a task.
func (e *Engine) characterPortrait(ctx context.Context, name, age string) error {
	voiceKey := voiceDescriptionKey(e.requestID, name, age)
	e.tracker.Register(voiceKey)

	cs := e.characters[name]
	if cs == nil {
		cs = &model.CharacterState{Periods: map[string]model.CharacterPeriod{}}
		e.characters[name] = cs
	} else if cs.Periods == nil {
		cs.Periods = map[string]model.CharacterPeriod{}
	}

	if period, ok := cs.Periods[age]; ok {
		voice := period.Voice
		if voice == "" {
			voice = e.opts.defaultVoiceDescription()
		}
		e.tracker.SetResult(voiceKey, model.NewVoiceDescriptionResult(voice))
		return nil
	}

	label := fmt.Sprintf("%s - %s", name, age)
	details, err := e.prompt.DescribeCharacter(ctx, e.storyPrompt(), label)
	if err != nil {
		e.tracker.SetResult(voiceKey, model.NewVoiceDescriptionResult(e.opts.defaultVoiceDescription()))
		return fmt.Errorf("describe character %q: %w", label, err)
	}

	voice := details.Voice
	if voice == "" {
		voice = e.opts.defaultVoiceDescription()
	}
	e.tracker.SetResult(voiceKey, model.NewVoiceDescriptionResult(voice))

	if details.Gender != "" && cs.Gender == "" {
		cs.Gender = details.Gender
	}
	cs.Periods[age] = model.CharacterPeriod{Prompt: details.Prompt, Voice: voice}
	e.persistCharacters(ctx)

	tag := normalize.CharacterTag(name, age)
	return e.tracker.Submit(ctx, "portrait_"+tag, tasks.FuncCharacterPortrait, []any{details.Prompt}, map[string]any{"character": name, "age": age}, e.opts.imageQueue())
}

func voiceDescriptionKey(requestID, name, age string) string {
	return fmt.Sprintf("voice_%s_%s_%s", requestID, name, age)
}

// xmlStory/xmlSequence/xmlScene/xmlCharacter decode the complete outline
// document once Phase A closes it, so Phase B's storylets can be built
// without re-running the incremental pull parser.
type xmlStory struct {
	XMLName   xml.Name      `xml:"story"`
	Title     string        `xml:"title,attr"`
	Sequences []xmlSequence `xml:"sequence"`
}

type xmlSequence struct {
	Title  string     `xml:"title,attr"`
	Scenes []xmlScene `xml:"scene"`
}

type xmlScene struct {
	Location   string         `xml:"location,attr"`
	Time       string         `xml:"time,attr"`
	Music      string         `xml:"music,attr"`
	Ambient    string         `xml:"ambient,attr"`
	Characters []xmlCharacter `xml:"character"`
	Inner      string         `xml:",innerxml"`
}

type xmlCharacter struct {
	Name string `xml:"name,attr"`
	Age  string `xml:"age,attr"`
}

func decodeOutline(script string) (xmlStory, error) {
	var doc xmlStory
	if err := xml.Unmarshal([]byte(script), &doc); err != nil {
		return xmlStory{}, err
	}
	return doc, nil
}

// enqueueScenes re-decodes the cached outline (used on resumption, when no
// in-memory xmlStory survived the restart) and enqueues storylets from it.
func (e *Engine) enqueueScenes(ctx context.Context) error {
	if e.script == "" {
		return nil
	}
	doc, err := decodeOutline(e.script)
	if err != nil {
		return fmt.Errorf("engine: parse outline: %w", err)
	}
	return e.enqueueScenesFromDoc(ctx, doc)
}

// enqueueScenesFromDoc pushes one StoryletStory, one StoryletChapter per
// sequence, and one StoryletScene per scene onto the request's FIFO work
// queue for Phase B.
func (e *Engine) enqueueScenesFromDoc(ctx context.Context, doc xmlStory) error {
	if err := e.pushStorylet(ctx, model.Storylet{Kind: model.StoryletStory, Title: doc.Title}); err != nil {
		return err
	}

	for si, seq := range doc.Sequences {
		chapterIndex := si + 1
		if err := e.pushStorylet(ctx, model.Storylet{Kind: model.StoryletChapter, ChapterIndex: chapterIndex, Title: seq.Title}); err != nil {
			return err
		}
		for sci, scene := range seq.Scenes {
			sceneIndex := fmt.Sprintf("%d%d", chapterIndex, sci+1)
			var refs []model.CharacterRef
			for _, c := range scene.Characters {
				refs = append(refs, model.CharacterRef{Name: c.Name, Age: normalize.Age(c.Age)})
			}
			content := fmt.Sprintf(`<scene location=%q time=%q music=%q ambient=%q>%s</scene>`,
				scene.Location, scene.Time, scene.Music, scene.Ambient, scene.Inner)
			if err := e.pushStorylet(ctx, model.Storylet{
				Kind:       model.StoryletScene,
				SceneIndex: sceneIndex,
				Location:   scene.Location,
				Time:       scene.Time,
				Content:    content,
				Characters: refs,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) pushStorylet(ctx context.Context, sl model.Storylet) error {
	buf, err := json.Marshal(sl)
	if err != nil {
		return fmt.Errorf("engine: encode storylet: %w", err)
	}
	return e.cache.RPushQueueList(ctx, e.storyletsKey(), string(buf))
}

// expandPhase runs Phase B: pop storylets until the queue is empty,
// emitting exactly the events each work item implies, then emits the
// terminal StoryEnd.
func (e *Engine) expandPhase(ctx context.Context, out chan<- model.NarrativeEvent) error {
	for {
		raw, ok, err := e.cache.LPopQueueList(ctx, e.storyletsKey())
		if err != nil {
			return fmt.Errorf("engine: pop storylet: %w", err)
		}
		if !ok {
			break
		}

		var sl model.Storylet
		if err := json.Unmarshal([]byte(raw), &sl); err != nil {
			log.Error("dropping malformed storylet", "request_id", e.requestID, "error", err)
			continue
		}

		switch sl.Kind {
		case model.StoryletStory:
			if !e.emit(ctx, out, model.NarrativeEvent{EventID: e.nextEventID(), EventType: model.EventStoryStart, Title: sl.Title}) {
				return ctx.Err()
			}
		case model.StoryletChapter:
			if !e.emit(ctx, out, model.NarrativeEvent{EventID: e.nextEventID(), EventType: model.EventChapterStart, ChapterIndex: sl.ChapterIndex, Title: sl.Title}) {
				return ctx.Err()
			}
		case model.StoryletScene:
			if err := e.expandScene(ctx, out, sl); err != nil {
				// Isolated to this scene: log and continue with the next
				// work item rather than failing the whole request.
				log.Error("scene expansion failed", "request_id", e.requestID, "scene_index", sl.SceneIndex, "error", err)
			}
		}
	}

	e.emit(ctx, out, model.NarrativeEvent{EventID: e.nextEventID(), EventType: model.EventStoryEnd})
	return nil
}

// expandScene streams one scene's detailed script and, for each recognized
// child element, submits at most one resource task and emits exactly one
// NarrativeEvent.
func (e *Engine) expandScene(ctx context.Context, out chan<- model.NarrativeEvent, sl model.Storylet) error {
	bgID := normalize.BackgroundID(sl.Location, sl.Time)
	backgroundKey := "bg_" + bgID

	parser := xmlstream.New()
	chunks, errs := e.prompt.StreamScene(ctx, e.sessionID, sl.Content)

	seq := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			events, err := parser.Feed(chunk)
			if err != nil {
				log.Error("scene xml malformed", "request_id", e.requestID, "scene_index", sl.SceneIndex, "buffered", parser.Buffered(), "error", err)
				return fmt.Errorf("engine: scene xml: %w", err)
			}
			for _, ev := range events {
				if !e.handleSceneEvent(ctx, out, sl, backgroundKey, bgID, &seq, ev) {
					return ctx.Err()
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("engine: stream scene: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) handleSceneEvent(ctx context.Context, out chan<- model.NarrativeEvent, sl model.Storylet, backgroundKey, bgID string, seq *int, ev xmlstream.Event) bool {
	switch {
	case ev.Kind == xmlstream.Start && ev.Tag == "scene":
		return e.emitSceneStart(ctx, out, sl, backgroundKey, bgID, ev)

	case ev.Kind == xmlstream.End && (ev.Tag == "dialogue" || ev.Tag == "monologue"):
		*seq++
		return e.emitDialogue(ctx, out, sl, ev, *seq)

	case ev.Kind == xmlstream.End && ev.Tag == "sound":
		*seq++
		return e.emitSound(ctx, out, sl, ev, *seq)

	case ev.Kind == xmlstream.End && (ev.Tag == "action" || ev.Tag == "narration"):
		*seq++
		return e.emitNarration(ctx, out, sl, ev, *seq)
	}
	return true
}

func (e *Engine) eventIndex(sl model.Storylet, seq int) string {
	return sl.SceneIndex + strconv.Itoa(seq)
}

func (e *Engine) emitSceneStart(ctx context.Context, out chan<- model.NarrativeEvent, sl model.Storylet, backgroundKey, bgID string, ev xmlstream.Event) bool {
	music := ev.Attr("music")
	ambient := ev.Attr("ambient")

	var musicKey, ambientKey string
	if !normalize.NotSet(music) {
		musicKey = "music_" + sl.SceneIndex
		if err := e.tracker.Submit(ctx, musicKey, tasks.FuncSoundAudio, []any{music, string(providers.AudioTypeMusic)}, nil, e.opts.audioQueue()); err != nil {
			log.Error("music submission failed", "scene_index", sl.SceneIndex, "error", err)
		}
	}
	if !normalize.NotSet(ambient) {
		ambientKey = "ambient_" + sl.SceneIndex
		if err := e.tracker.Submit(ctx, ambientKey, tasks.FuncSoundAudio, []any{ambient, string(providers.AudioTypeAmbient)}, nil, e.opts.audioQueue()); err != nil {
			log.Error("ambient submission failed", "scene_index", sl.SceneIndex, "error", err)
		}
	}

	sceneIdx, _ := strconv.Atoi(sl.SceneIndex)
	return e.emit(ctx, out, model.NarrativeEvent{
		EventID:       e.nextEventID(),
		EventType:     model.EventSceneStart,
		SceneIndex:    sceneIdx,
		Location:      sl.Location,
		Time:          sl.Time,
		BgID:          bgID,
		BackgroundKey: backgroundKey,
		MusicKey:      musicKey,
		AmbientKey:    ambientKey,
		MusicDesc:     music,
		AmbientDesc:   ambient,
	})
}

func (e *Engine) emitDialogue(ctx context.Context, out chan<- model.NarrativeEvent, sl model.Storylet, ev xmlstream.Event, seq int) bool {
	character := ev.Attr("character")
	emotion := normalize.Emotion(ev.Attr("emotion"))
	isMonologue := ev.Tag == "monologue"
	text := normalize.CleanDialogue(ev.Text)
	age := e.characterAge(character, sl)
	tag := normalize.CharacterTag(character, age)

	eventIndex := e.eventIndex(sl, seq)
	voiceKey := "voice_" + eventIndex

	voiceID, err := e.resolveVoice(ctx, character, age)
	if err != nil {
		log.Error("voice resolution failed", "character", character, "age", age, "error", err)
	} else {
		voiceEffect := ""
		if isMonologue {
			voiceEffect = "monologue"
		}
		if err := e.tracker.Submit(ctx, voiceKey, tasks.FuncDialogueASR, []any{voiceID, text}, map[string]any{"emotion": emotion, "voice_effect": voiceEffect}, e.opts.ttsQueue()); err != nil {
			log.Error("dialogue tts submission failed", "key", voiceKey, "error", err)
		}
	}

	return e.emit(ctx, out, model.NarrativeEvent{
		EventID:      e.nextEventID(),
		EventType:    model.EventDialogue,
		Character:    character,
		CharacterTag: tag,
		Text:         text,
		Emotion:      emotion,
		IsMonologue:  isMonologue,
		VoiceKey:     voiceKey,
		ImageKey:     "portrait_" + tag,
	})
}

func (e *Engine) emitSound(ctx context.Context, out chan<- model.NarrativeEvent, sl model.Storylet, ev xmlstream.Event, seq int) bool {
	description := normalize.CleanSoundDescription(ev.Text)
	audioKey := "sound_" + e.eventIndex(sl, seq)
	if err := e.tracker.Submit(ctx, audioKey, tasks.FuncSoundAudio, []any{description, string(providers.AudioTypeAction)}, nil, e.opts.audioQueue()); err != nil {
		log.Error("sound submission failed", "key", audioKey, "error", err)
	}
	return e.emit(ctx, out, model.NarrativeEvent{
		EventID:     e.nextEventID(),
		EventType:   model.EventAudio,
		Channel:     model.ChannelSound,
		AudioKey:    audioKey,
		Description: description,
	})
}

func (e *Engine) emitNarration(ctx context.Context, out chan<- model.NarrativeEvent, sl model.Storylet, ev xmlstream.Event, seq int) bool {
	text := normalize.CleanDialogue(ev.Text)
	eventIndex := e.eventIndex(sl, seq)

	var voiceKey string
	if e.opts.NarratorVoiceID != "" {
		voiceKey = "narration_" + eventIndex
		if err := e.tracker.Submit(ctx, voiceKey, tasks.FuncDialogueASR, []any{e.opts.NarratorVoiceID, text}, map[string]any{"emotion": "normal"}, e.opts.ttsQueue()); err != nil {
			log.Error("narration tts submission failed", "key", voiceKey, "error", err)
		}
	}

	return e.emit(ctx, out, model.NarrativeEvent{
		EventID:   e.nextEventID(),
		EventType: model.EventNarration,
		Text:      text,
		VoiceKey:  voiceKey,
	})
}

// characterAge resolves the age a dialogue/monologue line's speaker should
// be drawn and voiced at: the age recorded against them in this scene's
// cast list, else any period already known for them, else the normalized
// default.
func (e *Engine) characterAge(name string, sl model.Storylet) string {
	for _, c := range sl.Characters {
		if c.Name == name {
			return normalize.Age(c.Age)
		}
	}
	if cs, ok := e.characters[name]; ok {
		for age := range cs.Periods {
			return age
		}
	}
	return normalize.Age(normalize.InferAge(name))
}

// resolveVoice looks up the voice description Phase A recorded for
// (name, age) and turns it into a concrete voice_id via the voice
// selector's dedup/fallback search.
func (e *Engine) resolveVoice(ctx context.Context, name, age string) (string, error) {
	handle := voiceDescriptionKey(e.requestID, name, age)
	result, err := e.tracker.Get(ctx, handle, e.opts.resourceWaitTimeout())
	description := result.PrimaryURL()
	if err != nil || description == "" {
		description = e.opts.defaultVoiceDescription()
	}

	gender := ""
	if cs, ok := e.characters[name]; ok {
		gender = cs.Gender
	}
	if gender == "" {
		gender = normalize.InferGender(name)
	}

	return e.voices.resolve(ctx, description, gender, age)
}
