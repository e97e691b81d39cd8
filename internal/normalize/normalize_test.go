package normalize

import "testing"

func TestEmotion(t *testing.T) {
	cases := map[string]string{
		"Happy": "happy",
		"悲伤":    "sad",
		"镇定":    "normal",
		"":      "normal",
		"???":   "normal",
	}
	for in, want := range cases {
		if got := Emotion(in); got != want {
			t.Errorf("Emotion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAge(t *testing.T) {
	if got := Age(""); got != DefaultAge {
		t.Errorf("Age(\"\") = %q, want %q", got, DefaultAge)
	}
	if got := Age("child"); got != "童年" {
		t.Errorf("Age(child) = %q, want 童年", got)
	}
	if got := Age("unknown-value"); got != DefaultAge {
		t.Errorf("Age(unknown) = %q, want default", got)
	}
}

func TestTime(t *testing.T) {
	if got := Time("day/night"); got != "night" {
		t.Errorf("Time(day/night) = %q, want night", got)
	}
	if got := Time("清晨"); got != "morning" {
		t.Errorf("Time(清晨) = %q, want morning", got)
	}
}

func TestBackgroundIDDeterministic(t *testing.T) {
	a := BackgroundID("lab", "night")
	b := BackgroundID("lab", "night")
	if a != b {
		t.Fatalf("BackgroundID not deterministic: %q vs %q", a, b)
	}
	if len(a) != 6 || a[:2] != "bg" {
		t.Fatalf("BackgroundID format unexpected: %q", a)
	}
	if BackgroundID("lab", "day") == a {
		t.Fatalf("BackgroundID collided for different inputs")
	}
}

func TestCharacterTagStable(t *testing.T) {
	tag1 := CharacterTag("Alice", "青年")
	tag2 := CharacterTag("Alice", "青年")
	if tag1 != tag2 {
		t.Fatalf("CharacterTag not stable: %q vs %q", tag1, tag2)
	}
	if CharacterTag("Alice", "") == tag1 {
		t.Fatalf("expected age suffix to change the tag")
	}
}

func TestCleanDialogue(t *testing.T) {
	got := CleanDialogue(`(叹气)"你好"，100%确定`)
	if got != "你好，100%%确定" {
		t.Errorf("CleanDialogue = %q", got)
	}
}

func TestNotSet(t *testing.T) {
	for _, v := range []string{"", "none", "None", "null", "无"} {
		if !NotSet(v) {
			t.Errorf("NotSet(%q) = false, want true", v)
		}
	}
	if NotSet("rain ambience") {
		t.Errorf("NotSet(rain ambience) = true, want false")
	}
}
