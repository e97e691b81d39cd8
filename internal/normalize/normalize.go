// Package normalize implements the text and label normalization rules the
// producer applies while walking the planner's XML: emotion/age/time
// synonym folding, character-tag derivation, and dialogue/sound text
// cleanup. Every lookup table here mirrors the Python normalize.py module
// it was ported from.
package normalize

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/mozillazg/go-pinyin"
)

var emotionMap = map[string]string{
	"happy": "happy", "sad": "sad", "angry": "angry", "fearful": "fearful",
	"disgusted": "disgusted", "surprised": "surprised",
	"calm": "normal", "neutral": "normal", "normal": "normal",
	"高兴": "happy", "悲伤": "sad", "愤怒": "angry", "害怕": "fearful",
	"厌恶": "disgusted", "惊讶": "surprised", "中性": "normal", "正常": "normal",
	"镇定": "normal",
}

var ageMap = map[string]string{
	"童年": "童年", "少年": "少年", "青年": "青年", "成年": "成年",
	"中年": "成年", "老年": "老年", "儿童": "童年",
	"child": "童年", "teenager": "少年", "youth": "青年", "adult": "成年",
	"middle age": "成年", "middle aged": "成年", "mid-life": "成年",
	"old": "老年", "elderly": "老年",
}

var timeMap = map[string]string{
	"清晨": "morning", "早上": "morning", "上午": "morning", "中午": "noon",
	"下午": "afternoon", "傍晚": "evening", "夜晚": "night", "晚上": "night",
	"午夜": "midnight", "凌晨": "night",
	"morning": "morning", "noon": "noon", "afternoon": "afternoon",
	"evening": "evening", "night": "night", "midnight": "midnight",
}

// DefaultAge is used whenever a character's age cannot be determined.
const DefaultAge = "青年"

// Emotion folds a raw emotion label (English or Chinese) onto the
// canonical set {happy, sad, angry, fearful, disgusted, surprised, normal}.
func Emotion(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if v, ok := emotionMap[key]; ok {
		return v
	}
	return "normal"
}

// Age folds a raw age label onto the canonical set of life periods,
// defaulting to DefaultAge when raw is empty or unrecognized.
func Age(raw string) string {
	if raw == "" {
		return DefaultAge
	}
	key := strings.ToLower(strings.TrimSpace(raw))
	if v, ok := ageMap[key]; ok {
		return v
	}
	return DefaultAge
}

// Time folds a raw time-of-day label onto a canonical English token, using
// only the last "/"- or "-"-separated segment (handles values like
// "day/night").
func Time(raw string) string {
	parts := regexp.MustCompile(`[/-]`).Split(raw, -1)
	last := strings.ToLower(parts[len(parts)-1])
	if v, ok := timeMap[last]; ok {
		return v
	}
	return "unknown"
}

var parenthetical = regexp.MustCompile(`[（(].*?[）)]`)

// CharacterTag derives the stable tag used for image/portrait resource
// keys and Ren'Py-style show/hide directives: pinyin transliteration of
// the character's name (parentheticals, slashes, and whitespace stripped)
// plus a 2-hex disambiguator taken from an md5 of the original name, and
// optionally the pinyin of the age label.
func CharacterTag(name, age string) string {
	base := characterBaseTag(name)
	if age == "" {
		return base
	}
	return base + " " + pinyinStrip(age)
}

func characterBaseTag(name string) string {
	sum := md5.Sum([]byte(name))
	suffix := hex.EncodeToString(sum[:])[len(hex.EncodeToString(sum[:]))-2:]

	cleaned := parenthetical.ReplaceAllString(name, "")
	cleaned = strings.ReplaceAll(cleaned, "/", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.TrimSpace(cleaned)

	return strings.ToLower(pinyinStrip(cleaned)) + suffix
}

func pinyinStrip(s string) string {
	args := pinyin.NewArgs()
	args.Style = pinyin.Normal
	var b strings.Builder
	for _, r := range s {
		if r < 128 {
			b.WriteRune(r)
			continue
		}
		result := pinyin.SinglePinyin(r, args)
		for _, p := range result {
			b.WriteString(p)
		}
	}
	return b.String()
}

var rawQuotes = regexp.MustCompile(`["'"'「」『』]`)
var stageDirections = regexp.MustCompile(`[（(][^）)]*[）)]`)

// CleanDialogue strips parenthetical stage directions and raw quote
// characters from dialogue/narration text, and escapes printf-style "%"
// markers so downstream templating never misinterprets them.
func CleanDialogue(text string) string {
	cleaned := stageDirections.ReplaceAllString(text, "")
	cleaned = rawQuotes.ReplaceAllString(cleaned, "")
	cleaned = strings.ReplaceAll(cleaned, "%", "%%")
	return strings.TrimSpace(cleaned)
}

// CleanSoundDescription trims a <sound> element's text content for use as
// a media-library search query.
func CleanSoundDescription(text string) string {
	return strings.TrimSpace(rawQuotes.ReplaceAllString(text, ""))
}

// InferGender is called only when no gender was supplied or discovered. It
// returns "" for every name, leaving the caller's own default in place; it
// does no name-based gender inference.
func InferGender(name string) string {
	return ""
}

// InferAge makes a best-effort guess at a character's age from their name
// alone; like InferGender this has no reliable signal from name text
// alone and returns "" so the caller's default applies.
func InferAge(name string) string {
	return ""
}

// BackgroundID derives the stable background-image id for a location/time
// pair: "bg" followed by the first 4 hex characters of
// md5(location + " - " + time).
func BackgroundID(location, time string) string {
	sum := md5.Sum([]byte(location + " - " + time))
	return "bg" + hex.EncodeToString(sum[:])[:4]
}

// NotSet reports whether a music/ambient description is one of the
// "absent" sentinels the planner emits ("", "none", "null", "无").
func NotSet(desc string) bool {
	switch strings.ToLower(strings.TrimSpace(desc)) {
	case "", "none", "null", "无":
		return true
	default:
		return false
	}
}
