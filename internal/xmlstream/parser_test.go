package xmlstream

import "testing"

func findTag(events []Event, kind Kind, tag string) (Event, bool) {
	for _, e := range events {
		if e.Kind == kind && e.Tag == tag {
			return e, true
		}
	}
	return Event{}, false
}

func TestFeedSplitAcrossChunks(t *testing.T) {
	p := New()

	chunks := []string{
		`<story title="Dawn">`,
		`<sequence><scene location="lab" time="nig`,
		`ht"><character name="Mira" age="青年"/></scene></sequence>`,
		`</story>`,
	}

	var all []Event
	for _, c := range chunks {
		evs, err := p.Feed(c)
		if err != nil {
			t.Fatalf("Feed(%q) error: %v", c, err)
		}
		all = append(all, evs...)
	}

	if _, ok := findTag(all, Start, "story"); !ok {
		t.Fatalf("expected story start event, got %+v", all)
	}
	sceneStart, ok := findTag(all, Start, "scene")
	if !ok {
		t.Fatalf("expected scene start event, got %+v", all)
	}
	if sceneStart.Attrs["location"] != "lab" || sceneStart.Attrs["time"] != "night" {
		t.Fatalf("scene attrs wrong: %+v", sceneStart.Attrs)
	}
	storyEnd, ok := findTag(all, End, "story")
	if !ok {
		t.Fatalf("expected story end event, got %+v", all)
	}
	if storyEnd.XML == "" {
		t.Fatalf("expected reserialized XML on root end event")
	}
}

func TestFeedNoDuplicateEvents(t *testing.T) {
	p := New()
	first, err := p.Feed(`<a><b>hi</b>`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.Feed(`</a>`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, e := range second {
		if e.Tag == "b" && e.Kind == Start {
			t.Fatalf("start(b) re-emitted on second Feed call")
		}
	}
	if len(first) == 0 {
		t.Fatalf("expected some events from the first chunk")
	}
}

func TestFeedMalformedReportsError(t *testing.T) {
	p := New()
	if _, err := p.Feed("<a><b></a>"); err == nil {
		t.Fatalf("expected malformed-document error for mismatched closing tag")
	}
	if _, err := p.Feed("more"); err == nil {
		t.Fatalf("expected Parser to keep reporting the malformed error after it latched")
	}
}

func TestResetClearsState(t *testing.T) {
	p := New()
	if _, err := p.Feed(`<scene location="lab" time="night"><dialogue character="Mira">hi</dialogue></scene>`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Reset()
	evs, err := p.Feed(`<scene location="bridge" time="day"/>`)
	if err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
	start, ok := findTag(evs, Start, "scene")
	if !ok || start.Attrs["location"] != "bridge" {
		t.Fatalf("expected fresh scene after reset, got %+v", evs)
	}
}

func TestDialogueTextCaptured(t *testing.T) {
	p := New()
	evs, err := p.Feed(`<scene><dialogue character="Mira" emotion="happy">Hello there</dialogue></scene>`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	end, ok := findTag(evs, End, "dialogue")
	if !ok {
		t.Fatalf("expected dialogue end event")
	}
	if end.Text != "Hello there" {
		t.Fatalf("dialogue text = %q", end.Text)
	}
}
