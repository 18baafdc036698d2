package speech

import (
	"context"
	"testing"
	"time"
)

func TestStripMarkup(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain answer", "plain answer"},
		{"**bold** and _italic_", "bold and italic"},
		{"see [the docs](https://example.com) here", "see the docs here"},
		{"# Heading\n\nbody text", "Heading\nbody text"},
		{"before\n```go\nfunc main() {}\n```\nafter", "before\nafter"},
		{"uses `go test` a lot", "uses go test a lot"},
		{"", ""},
		{"```\nonly code\n```", ""},
	}
	for _, tc := range cases {
		if got := StripMarkup(tc.in); got != tc.want {
			t.Errorf("StripMarkup(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPickVoice(t *testing.T) {
	cases := []struct {
		name   string
		voices []Voice
		want   string
	}{
		{"enhanced wins", []Voice{
			{ID: "Alex", Language: "en-US"},
			{ID: "Ava (Enhanced)", Language: "en-US", Enhanced: true},
		}, "Ava (Enhanced)"},
		{"en-US over other english", []Voice{
			{ID: "Daniel", Language: "en-GB"},
			{ID: "Samantha", Language: "en_US"},
		}, "Samantha"},
		{"any english fallback", []Voice{
			{ID: "Amelie", Language: "fr-CA"},
			{ID: "Karen", Language: "en-AU"},
		}, "Karen"},
		{"no english means default", []Voice{
			{ID: "Amelie", Language: "fr-CA"},
		}, ""},
		{"empty list", nil, ""},
	}
	for _, tc := range cases {
		if got := PickVoice(tc.voices); got != tc.want {
			t.Errorf("%s: PickVoice = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func waitDone(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("done callback never fired")
		return false
	}
}

func TestSpeakCompletes(t *testing.T) {
	eng := NewFakeEngine()
	c := NewController(context.Background(), eng, "")

	done := make(chan bool, 1)
	c.Speak(context.Background(), "hello there", func(interrupted bool) { done <- interrupted })

	if interrupted := waitDone(t, done); interrupted {
		t.Error("uncontested utterance reported interrupted")
	}
	spoken := eng.Spoken()
	if len(spoken) != 1 || spoken[0] != "hello there" {
		t.Errorf("spoken = %v", spoken)
	}
}

func TestSpeakSupersedes(t *testing.T) {
	eng := NewFakeEngine()
	eng.SetDuration(10 * time.Second)
	c := NewController(context.Background(), eng, "")

	first := make(chan bool, 1)
	c.Speak(context.Background(), "first answer", func(interrupted bool) { first <- interrupted })
	time.Sleep(50 * time.Millisecond)

	eng.SetDuration(0)
	second := make(chan bool, 1)
	c.Speak(context.Background(), "second answer", func(interrupted bool) { second <- interrupted })

	if !waitDone(t, first) {
		t.Error("superseded utterance should report interrupted")
	}
	if waitDone(t, second) {
		t.Error("winning utterance should not report interrupted")
	}
}

func TestStopInterrupts(t *testing.T) {
	eng := NewFakeEngine()
	eng.SetDuration(10 * time.Second)
	c := NewController(context.Background(), eng, "")

	done := make(chan bool, 1)
	c.Speak(context.Background(), "long answer", func(interrupted bool) { done <- interrupted })
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	if !waitDone(t, done) {
		t.Error("stopped utterance should report interrupted")
	}
}

func TestSpeakEmptyAfterStrip(t *testing.T) {
	eng := NewFakeEngine()
	c := NewController(context.Background(), eng, "")

	done := make(chan bool, 1)
	c.Speak(context.Background(), "```\ncode only\n```", func(interrupted bool) { done <- interrupted })

	if interrupted := waitDone(t, done); interrupted {
		t.Error("empty utterance should complete, not interrupt")
	}
	if len(eng.Spoken()) != 0 {
		t.Errorf("engine should not be invoked for empty text, got %v", eng.Spoken())
	}
}

func TestControllerPrefersExplicitVoice(t *testing.T) {
	eng := NewFakeEngine()
	eng.VoiceList = []Voice{{ID: "Ava (Enhanced)", Language: "en-US", Enhanced: true}}
	c := NewController(context.Background(), eng, "Daniel")
	if c.voice != "Daniel" {
		t.Errorf("voice = %q, want explicit Daniel", c.voice)
	}
}
