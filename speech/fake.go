package speech

import (
	"context"
	"sync"
	"time"
)

// FakeEngine records Speak calls and blocks each one for the configured
// duration (or until cancelled), which lets tests exercise supersede and
// stop behavior.
type FakeEngine struct {
	VoiceList []Voice
	SpeakErr  error

	mu       sync.Mutex
	duration time.Duration
	spoken   []string
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

// SetDuration makes subsequent Speak calls block for d.
func (e *FakeEngine) SetDuration(d time.Duration) {
	e.mu.Lock()
	e.duration = d
	e.mu.Unlock()
}

func (e *FakeEngine) Voices(ctx context.Context) ([]Voice, error) {
	return e.VoiceList, nil
}

func (e *FakeEngine) Speak(ctx context.Context, voice, text string) error {
	e.mu.Lock()
	e.spoken = append(e.spoken, text)
	d := e.duration
	e.mu.Unlock()

	if e.SpeakErr != nil {
		return e.SpeakErr
	}
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Spoken returns the texts passed to Speak so far.
func (e *FakeEngine) Spoken() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.spoken))
	copy(out, e.spoken)
	return out
}
