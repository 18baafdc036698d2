package session

import (
	"testing"
	"time"
)

func TestDetectorThresholdBoundary(t *testing.T) {
	d := NewSilenceDetector(tickInterval, SilenceDuration)
	if got := d.Sample(SilenceThreshold, time.Second); got != DecisionNone {
		t.Errorf("energy at threshold should be silence, got %v", got)
	}
	if d.HasSpoken() {
		t.Error("threshold-level energy must not latch speech")
	}
	if got := d.Sample(SilenceThreshold+1, time.Second); got != DecisionSpeechStart {
		t.Errorf("energy above threshold should start speech, got %v", got)
	}
	if !d.HasSpoken() {
		t.Error("speech should be latched")
	}
}

func TestDetectorSpeechStartOnlyOnce(t *testing.T) {
	d := NewSilenceDetector(tickInterval, SilenceDuration)
	if got := d.Sample(100, 0); got != DecisionSpeechStart {
		t.Fatalf("first loud sample: %v", got)
	}
	for i := 0; i < 10; i++ {
		if got := d.Sample(100, 0); got != DecisionNone {
			t.Fatalf("repeat loud sample %d: %v", i, got)
		}
	}
}

func TestDetectorCompletesAfterSilence(t *testing.T) {
	d := NewSilenceDetector(tickInterval, SilenceDuration)
	d.Sample(100, 0)

	need := int(SilenceDuration / tickInterval)
	for i := 0; i < need-1; i++ {
		if got := d.Sample(0, 0); got != DecisionNone {
			t.Fatalf("tick %d: %v, want none", i, got)
		}
	}
	if got := d.Sample(0, 0); got != DecisionComplete {
		t.Fatalf("final silent tick: %v, want complete", got)
	}
}

func TestDetectorCountdownResetsOnSpeech(t *testing.T) {
	d := NewSilenceDetector(tickInterval, SilenceDuration)
	d.Sample(100, 0)

	need := int(SilenceDuration / tickInterval)
	for i := 0; i < need-1; i++ {
		d.Sample(0, 0)
	}
	// Speech resumes just before the countdown elapses.
	if got := d.Sample(100, 0); got != DecisionNone {
		t.Fatalf("resumed speech: %v", got)
	}
	// The countdown starts over from zero.
	for i := 0; i < need-1; i++ {
		if got := d.Sample(0, 0); got != DecisionNone {
			t.Fatalf("tick %d after resume: %v", i, got)
		}
	}
	if got := d.Sample(0, 0); got != DecisionComplete {
		t.Fatalf("want complete after full countdown, got %v", got)
	}
}

func TestDetectorCeiling(t *testing.T) {
	spoken := NewSilenceDetector(tickInterval, SilenceDuration)
	spoken.Sample(100, 0)
	if got := spoken.Sample(100, MaxRecordingTime); got != DecisionComplete {
		t.Errorf("ceiling with speech: %v, want complete", got)
	}

	silent := NewSilenceDetector(tickInterval, SilenceDuration)
	if got := silent.Sample(0, MaxRecordingTime); got != DecisionDiscard {
		t.Errorf("ceiling without speech: %v, want discard", got)
	}
}

func TestDetectorSilentSegmentDiscardsAtCeiling(t *testing.T) {
	d := NewSilenceDetector(tickInterval, SilenceDuration)
	// No amount of silence completes a segment nobody spoke into...
	ticks := int(MaxRecordingTime / tickInterval)
	for i := 0; i < ticks; i++ {
		if got := d.Sample(0, time.Duration(i)*tickInterval); got != DecisionNone {
			t.Fatalf("tick %d: %v", i, got)
		}
	}
	// ...until the recording ceiling throws it away.
	if got := d.Sample(0, MaxRecordingTime); got != DecisionDiscard {
		t.Fatalf("ceiling tick: %v, want discard", got)
	}
}

func TestDetectorWindowScalesWithTick(t *testing.T) {
	tick := 50 * time.Millisecond
	d := NewSilenceDetector(tick, SilenceDuration)
	d.Sample(100, 0)

	// The countdown is still SilenceDuration of wall clock, not a fixed
	// tick count.
	need := int(SilenceDuration / tick)
	for i := 0; i < need-1; i++ {
		if got := d.Sample(0, 0); got != DecisionNone {
			t.Fatalf("tick %d: %v, want none", i, got)
		}
	}
	if got := d.Sample(0, 0); got != DecisionComplete {
		t.Fatalf("final silent tick: %v, want complete", got)
	}
}

func TestDetectorReset(t *testing.T) {
	d := NewSilenceDetector(tickInterval, SilenceDuration)
	d.Sample(100, 0)
	for i := 0; i < 5; i++ {
		d.Sample(0, 0)
	}
	d.Reset()
	if d.HasSpoken() {
		t.Error("reset must clear the speech latch")
	}
	if got := d.Sample(100, 0); got != DecisionSpeechStart {
		t.Errorf("after reset, loud sample: %v, want speech start", got)
	}
}
