package consumer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/deepstoryhq/storyengine/internal/model"
)

// placeholder marks a spot in a buffered script line that needs a
// downloaded filename (stem only) substituted at Flush time.
type placeholder struct {
	kind string // "voice" or "audio"
	key  string
}

// scriptLine is one buffered output line together with the placeholders
// it references, so Flush can prune lines whose resource never resolved.
type scriptLine struct {
	text         string
	placeholders []placeholder
	dialogueID   string // non-empty: this line belongs to dialogueID's show/hide/say group
}

// ScriptWriter composes a Ren'Py-style script as events arrive, following
// the show/hide/play/stop/say grammar observed in the original pipeline's
// RENPY_TEMPLATE. Placeholders are resolved against an Offline consumer's
// downloaded-file map at Flush time; a line referencing a file that never
// downloaded is dropped, along with the show/hide lines paired to the
// same dialogue.
type ScriptWriter struct {
	lines []scriptLine
}

// NewScriptWriter returns an empty ScriptWriter.
func NewScriptWriter() *ScriptWriter {
	return &ScriptWriter{}
}

// Append composes and buffers the script lines for one resolved event. It
// must be called in stream order, after the event's resource keys have
// been resolved (or found missing) by an Offline consumer.
func (w *ScriptWriter) Append(ev model.NarrativeEvent) {
	switch ev.EventType {
	case model.EventStoryStart:
		w.add(scriptLine{text: fmt.Sprintf(`label start:`)})
	case model.EventChapterStart:
		w.add(scriptLine{text: fmt.Sprintf(`# chapter %d: %s`, ev.ChapterIndex, ev.Title)})
	case model.EventSceneStart:
		w.appendSceneStart(ev)
	case model.EventDialogue:
		w.appendDialogue(ev)
	case model.EventNarration:
		w.appendNarration(ev)
	case model.EventAudio:
		w.appendSound(ev)
	case model.EventStoryEnd:
		w.add(scriptLine{text: `return`})
	}
}

func (w *ScriptWriter) add(l scriptLine) {
	w.lines = append(w.lines, l)
}

func (w *ScriptWriter) appendSceneStart(ev model.NarrativeEvent) {
	w.add(scriptLine{
		text:         fmt.Sprintf(`scene bg %s`, ev.BgID),
		placeholders: []placeholder{{kind: "bg", key: ev.BackgroundKey}},
	})
	if ev.MusicKey != "" {
		w.add(scriptLine{
			text:         fmt.Sprintf(`play music {AUDIO:%s}`, ev.MusicKey),
			placeholders: []placeholder{{kind: "audio", key: ev.MusicKey}},
		})
	}
	if ev.AmbientKey != "" {
		w.add(scriptLine{
			text:         fmt.Sprintf(`play ambient {AUDIO:%s}`, ev.AmbientKey),
			placeholders: []placeholder{{kind: "audio", key: ev.AmbientKey}},
		})
	}
}

func (w *ScriptWriter) appendDialogue(ev model.NarrativeEvent) {
	// Offline stores each downloaded portrait variant under "<key>/<label>".
	portraitKey := ""
	if ev.ImageKey != "" {
		portraitKey = ev.ImageKey + "/" + ev.Emotion
	}
	show := scriptLine{
		text:         fmt.Sprintf(`show %s %s`, ev.CharacterTag, ev.Emotion),
		placeholders: []placeholder{{kind: "portrait", key: portraitKey}},
		dialogueID:   ev.EventID,
	}
	say := scriptLine{
		text:         fmt.Sprintf(`%s "%s" voice "{VOICE:%s}"`, ev.Character, ev.Text, ev.VoiceKey),
		placeholders: []placeholder{{kind: "voice", key: ev.VoiceKey}},
		dialogueID:   ev.EventID,
	}
	hide := scriptLine{
		text:       fmt.Sprintf(`hide %s`, ev.CharacterTag),
		dialogueID: ev.EventID,
	}
	w.add(show)
	w.add(say)
	w.add(hide)
}

func (w *ScriptWriter) appendNarration(ev model.NarrativeEvent) {
	l := scriptLine{text: fmt.Sprintf(`"%s"`, ev.Text)}
	if ev.VoiceKey != "" {
		l.text = fmt.Sprintf(`"%s" voice "{VOICE:%s}"`, ev.Text, ev.VoiceKey)
		l.placeholders = []placeholder{{kind: "voice", key: ev.VoiceKey}}
	}
	w.add(l)
}

func (w *ScriptWriter) appendSound(ev model.NarrativeEvent) {
	w.add(scriptLine{
		text:         fmt.Sprintf(`play sound {AUDIO:%s}`, ev.AudioKey),
		placeholders: []placeholder{{kind: "audio", key: ev.AudioKey}},
	})
}

// Flush resolves every buffered line's placeholders against downloaded, a
// key->local-path map (as produced by Offline.WaitAllDownloads). A line
// whose referenced key never downloaded is dropped; dialogue's paired
// show/hide lines are dropped together with its say line.
func (w *ScriptWriter) Flush(downloaded map[string]string) string {
	dropDialogue := make(map[string]bool)
	for _, l := range w.lines {
		if l.dialogueID == "" {
			continue
		}
		for _, p := range l.placeholders {
			if p.key == "" {
				continue
			}
			if _, ok := downloaded[p.key]; !ok {
				dropDialogue[l.dialogueID] = true
			}
		}
	}

	var b strings.Builder
	for _, l := range w.lines {
		if l.dialogueID != "" && dropDialogue[l.dialogueID] {
			continue
		}

		missing := false
		text := l.text
		for _, p := range l.placeholders {
			if p.key == "" {
				continue
			}
			path, ok := downloaded[p.key]
			if !ok {
				if p.kind == "audio" && !strings.HasPrefix(l.text, "play sound") {
					// Music/ambient lines with no downloaded file become a
					// stop directive instead of being silently dropped.
					text = stopDirectiveFor(l.text)
					break
				}
				missing = true
				break
			}
			if token := placeholderToken(p); token != "" {
				text = strings.ReplaceAll(text, token, stem(path))
			}
		}
		if missing {
			continue
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}

func placeholderToken(p placeholder) string {
	switch p.kind {
	case "voice":
		return fmt.Sprintf("{VOICE:%s}", p.key)
	case "audio":
		return fmt.Sprintf("{AUDIO:%s}", p.key)
	default:
		return ""
	}
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func stopDirectiveFor(original string) string {
	switch {
	case strings.HasPrefix(original, "play music"):
		return "stop music"
	case strings.HasPrefix(original, "play ambient"):
		return "stop ambient"
	default:
		return "stop sound"
	}
}
