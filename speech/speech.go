// Package speech reads assistant answers aloud. Playback is serialized: a
// new Speak supersedes any utterance still in flight, and the caller gets
// exactly one completion callback per Speak whether it finished, was cut
// short, or failed.
package speech

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"aria/log"
)

// Engine is a platform text-to-speech backend.
type Engine interface {
	// Voices lists available voice identifiers with their language tags.
	Voices(ctx context.Context) ([]Voice, error)
	// Speak blocks until the text has been spoken or ctx is cancelled.
	Speak(ctx context.Context, voice, text string) error
}

type Voice struct {
	ID       string
	Language string // BCP 47-ish tag as reported by the engine
	Enhanced bool
}

// NewEngine returns the platform engine.
func NewEngine() (Engine, error) {
	return newPlatformEngine()
}

// Controller owns the single playback slot.
type Controller struct {
	engine Engine
	voice  string

	mu         sync.Mutex
	generation int
	cancel     context.CancelFunc
}

// NewController picks a voice up front so the first answer is not delayed by
// voice enumeration. A non-empty preferred voice wins over the policy.
func NewController(ctx context.Context, engine Engine, preferred string) *Controller {
	voice := preferred
	if voice == "" {
		voices, err := engine.Voices(ctx)
		if err != nil {
			log.Warnf("speech: voice listing failed, using engine default: %v", err)
		} else {
			voice = PickVoice(voices)
		}
	}
	if voice != "" {
		log.Infof("speech: using voice %q", voice)
	}
	return &Controller{engine: engine, voice: voice}
}

// PickVoice prefers an enhanced English voice, then plain en-US, then any
// English voice. An empty result means the engine default.
func PickVoice(voices []Voice) string {
	var enUS, en string
	for _, v := range voices {
		lang := strings.ToLower(strings.ReplaceAll(v.Language, "_", "-"))
		if !strings.HasPrefix(lang, "en") {
			continue
		}
		if v.Enhanced {
			return v.ID
		}
		if strings.HasPrefix(lang, "en-us") && enUS == "" {
			enUS = v.ID
		}
		if en == "" {
			en = v.ID
		}
	}
	if enUS != "" {
		return enUS
	}
	return en
}

// Speak starts reading text aloud, cancelling any utterance already playing.
// done is called exactly once, from the playback goroutine, when this
// utterance ends for any reason. interrupted reports whether a later Speak
// or Stop cut it off.
func (c *Controller) Speak(ctx context.Context, text string, done func(interrupted bool)) {
	spoken := StripMarkup(text)

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.generation++
	gen := c.generation
	speakCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	voice := c.voice
	c.mu.Unlock()

	go func() {
		var err error
		if spoken != "" {
			err = c.engine.Speak(speakCtx, voice, spoken)
		}
		cancel()

		c.mu.Lock()
		superseded := c.generation != gen
		if !superseded {
			c.cancel = nil
		}
		c.mu.Unlock()

		interrupted := superseded || speakCtx.Err() != nil
		if err != nil && !interrupted {
			log.Warnf("speech: playback failed: %v", err)
		}
		if done != nil {
			done(interrupted)
		}
	}()
}

// Stop cancels the current utterance, if any. The pending done callback
// still fires, with interrupted set.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.generation++
	}
	c.mu.Unlock()
}

var (
	codeFenceRe = regexp.MustCompile("(?s)```.*?```")
	inlineRe    = regexp.MustCompile("[*_`#>]+")
	linkRe      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	spaceRe     = regexp.MustCompile(`[ \t]+`)
)

// StripMarkup removes markdown structure the answer may carry so the engine
// does not read asterisks and backticks aloud. Code fences are dropped
// entirely; reading code character by character is worse than silence.
func StripMarkup(text string) string {
	text = codeFenceRe.ReplaceAllString(text, "")
	text = linkRe.ReplaceAllString(text, "$1")
	text = inlineRe.ReplaceAllString(text, "")
	text = spaceRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
