// Package session drives the continuous conversation loop: capture an
// utterance, detect its end by silence, ship it over the channel, wait for
// the answer, speak it, listen again. One Session is one conversation; all
// device and channel resources are owned here and released on stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"aria/audio"
	"aria/channel"
	"aria/display"
	"aria/encoder"
	"aria/log"
)

// State of the orchestrator.
type State int

const (
	StateIdle State = iota
	StateAwaitingChannel
	StateListening
	StateListeningSpeech
	StateSending
	StateProcessing
	StateAwaitingScreenshot
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingChannel:
		return "connecting"
	case StateListening:
		return "listening"
	case StateListeningSpeech:
		return "listening (speech)"
	case StateSending:
		return "sending"
	case StateProcessing:
		return "processing"
	case StateAwaitingScreenshot:
		return "capturing screen"
	case StateSpeaking:
		return "speaking"
	}
	return "unknown"
}

// Conn is the slice of the channel the session uses. *channel.Channel
// implements it; tests supply fakes.
type Conn interface {
	Ready(ctx context.Context) error
	SendAudio(wav []byte) error
	SendEnd() error
	SendReset() error
	SendScreenshot(image, question string) error
	Messages() <-chan channel.ServerMessage
	Err() error
	Close() error
}

// Dialer opens a fresh connection for one session.
type Dialer func(ctx context.Context) Conn

// Speaker plays answers aloud. *speech.Controller implements it.
type Speaker interface {
	Speak(ctx context.Context, text string, done func(interrupted bool))
	Stop()
}

// Sharer supplies screen frames. *display.Bridge implements it.
type Sharer interface {
	Active() bool
	CaptureDataURL(ctx context.Context) (string, error)
}

type Config struct {
	Dial    Dialer
	Capture audio.CaptureDevice
	Display Sharer
	Speaker Speaker
	Events  Events

	// SampleRate of the capture device. Defaults to encoder.SampleRate.
	SampleRate int

	// Tick is the energy sampling interval. Tests shrink it.
	Tick time.Duration
	// SilenceWindow is the stretch of sustained silence that completes a
	// spoken segment.
	SilenceWindow time.Duration
	// ResumeGrace delays the next segment after playback so its tail is
	// not captured as speech.
	ResumeGrace time.Duration
	// DecodeBackoff delays the restart after a segment failed to decode.
	DecodeBackoff time.Duration
}

// Session is a single conversation. Run blocks for the whole conversation;
// Stop (from any goroutine) always wins and returns the session to Idle.
type Session struct {
	cfg Config

	energy atomic.Uint32

	mu           sync.Mutex
	state        State
	running      bool
	seq          int
	lastQuestion string

	stopOnce sync.Once
	stopCh   chan struct{}
	sendNow  chan struct{}
}

func New(cfg Config) *Session {
	if cfg.Events == nil {
		cfg.Events = NopEvents{}
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = encoder.SampleRate
	}
	if cfg.Tick == 0 {
		cfg.Tick = tickInterval
	}
	if cfg.SilenceWindow == 0 {
		cfg.SilenceWindow = SilenceDuration
	}
	if cfg.ResumeGrace == 0 {
		cfg.ResumeGrace = 300 * time.Millisecond
	}
	if cfg.DecodeBackoff == 0 {
		cfg.DecodeBackoff = 250 * time.Millisecond
	}
	return &Session{
		cfg:     cfg,
		state:   StateIdle,
		stopCh:  make(chan struct{}),
		sendNow: make(chan struct{}, 1),
	}
}

// State returns the current orchestrator state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop ends the conversation. Idempotent, effective immediately from any
// state; in-flight work completes harmlessly but triggers no transitions.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.cfg.Speaker.Stop()
}

// SendNow force-completes the current segment as silence-completion would.
func (s *Session) SendNow() {
	select {
	case s.sendNow <- struct{}{}:
	default:
	}
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.cfg.Events.StateChanged(next)
}

// Run executes the conversation loop until Stop, a surfaced error, or ctx
// cancellation. A Session runs at most once; dial a new one to reconnect.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("session already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.setState(StateIdle)
	}()

	s.setState(StateAwaitingChannel)
	conn := s.cfg.Dial(ctx)

	readyCtx, cancelReady := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stopCh:
			cancelReady()
		case <-readyCtx.Done():
		}
	}()
	err := conn.Ready(readyCtx)
	cancelReady()
	if err != nil {
		conn.Close()
		if s.stopped() {
			return nil
		}
		return s.fail(fmt.Errorf("%w: %v", ErrChannel, err))
	}
	defer conn.Close()

	recvStop := make(chan struct{})
	defer close(recvStop)

	results := make(chan channel.ServerMessage, 16)
	go func() {
		defer close(results)
		for msg := range conn.Messages() {
			switch msg.Kind {
			case channel.KindStatus:
				log.Info("backend: " + msg.Status)
				s.cfg.Events.Status(msg.Status)
			case channel.KindTranscription:
				s.mu.Lock()
				s.lastQuestion = msg.Text
				s.mu.Unlock()
				s.cfg.Events.Transcription(msg.Text)
			default:
				select {
				case results <- msg:
				case <-recvStop:
					return
				}
			}
		}
	}()

	utterances := 0
	defer func() { log.SessionEnd(utterances) }()

	for {
		utt, err := s.captureUtterance(ctx)
		if err != nil {
			return s.fail(err)
		}
		if utt == nil {
			return nil
		}

		// Anything still buffered belongs to a previous utterance.
		s.discardStale(results)

		s.setState(StateSending)
		sendStart := time.Now()
		if err := conn.SendAudio(utt.wav); err != nil {
			return s.fail(fmt.Errorf("%w: %v", ErrChannel, err))
		}
		if err := conn.SendEnd(); err != nil {
			return s.fail(fmt.Errorf("%w: %v", ErrChannel, err))
		}
		s.setState(StateProcessing)

		answer, err := s.awaitResult(ctx, conn, results)
		if err != nil {
			return s.fail(err)
		}
		if answer == nil {
			// Stopped with audio already on the wire; tell the server
			// to drop it before the connection goes away.
			conn.SendReset()
			return nil
		}

		utterances++
		utt.metrics.RoundTripMs = float64(time.Since(sendStart).Milliseconds())
		log.Utterance(utt.metrics, string(answer.Kind))
		s.mu.Lock()
		question := s.lastQuestion
		s.mu.Unlock()
		log.ConversationText(question, answer.Answer)
		s.cfg.Events.Answer(*answer)

		s.setState(StateSpeaking)
		done := make(chan bool, 1)
		s.cfg.Speaker.Speak(ctx, answer.Answer, func(interrupted bool) {
			done <- interrupted
		})
		select {
		case interrupted := <-done:
			if interrupted || s.stopped() {
				return nil
			}
		case <-s.stopCh:
			return nil
		}

		select {
		case <-time.After(s.cfg.ResumeGrace):
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) fail(err error) error {
	log.Errorf("session: %v", err)
	s.cfg.Events.SessionError(err)
	return err
}

func (s *Session) discardStale(results <-chan channel.ServerMessage) {
	for {
		select {
		case msg, ok := <-results:
			if !ok {
				return
			}
			log.Warnf("discarding stale %s message", msg.Kind)
		default:
			return
		}
	}
}

// utterance is one finalized spoken segment, encoded and ready to send.
type utterance struct {
	wav     []byte
	metrics log.UtteranceMetrics
}

// captureUtterance runs capture segments until one contains speech and
// decodes cleanly. Silent segments and decode failures restart locally.
// Returns nil when the session was stopped.
func (s *Session) captureUtterance(ctx context.Context) (*utterance, error) {
	for {
		blob, seg, spoke, stopped, err := s.captureSegment(ctx)
		if err != nil {
			return nil, err
		}
		if stopped {
			return nil, nil
		}
		if !spoke {
			log.Info("segment discarded (no speech)")
			continue
		}

		wav, err := encoder.EncodeWAV(blob)
		if err != nil {
			log.Warnf("segment decode failed, restarting: %v", err)
			select {
			case <-time.After(s.cfg.DecodeBackoff):
			case <-s.stopCh:
				return nil, nil
			case <-ctx.Done():
				return nil, nil
			}
			continue
		}

		frames := seg.Frames()
		return &utterance{
			wav: wav,
			metrics: log.UtteranceMetrics{
				AudioLengthS:     float64(frames) / float64(s.cfg.SampleRate),
				RawSizeKB:        float64(frames*2) / 1024,
				CompressedSizeKB: float64(len(blob)) / 1024,
				WavSizeKB:        float64(len(wav)) / 1024,
				EncodeTimeMs:     float64(seg.EncodeTime().Milliseconds()),
			},
		}, nil
	}
}

// captureSegment owns the mic for one segment: feeds frames into a FLAC
// writer, samples energy on the tick, and finishes on the detector's verdict,
// a send-now, or stop.
func (s *Session) captureSegment(ctx context.Context) (blob []byte, seg *segment, spoke, stopped bool, err error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	seg, err = newSegment(seq, s.cfg.SampleRate)
	if err != nil {
		return nil, nil, false, false, err
	}

	s.setState(StateListening)
	s.energy.Store(0)

	// A send-now pressed outside of listening must not finish this segment.
	select {
	case <-s.sendNow:
	default:
	}

	s.cfg.Capture.SetCallback(func(data []byte, frameCount uint32) {
		s.mu.Lock()
		stale := s.seq != seq
		s.mu.Unlock()
		if stale || s.stopped() {
			return
		}
		seg.Feed(data)
		if len(data) > 1 {
			e := audio.EnergyLevel(data)
			s.energy.Store(uint32(e))
			s.cfg.Events.Level(e)
		}
	})

	if err := s.cfg.Capture.Start(); err != nil {
		s.cfg.Capture.ClearCallback()
		seg.Abort()
		return nil, nil, false, false, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer func() {
		s.cfg.Capture.Stop()
		s.cfg.Capture.ClearCallback()
	}()

	det := NewSilenceDetector(s.cfg.Tick, s.cfg.SilenceWindow)
	start := time.Now()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			seg.Abort()
			return nil, nil, false, true, nil
		case <-ctx.Done():
			seg.Abort()
			return nil, nil, false, true, nil
		case <-s.sendNow:
			blob, err := seg.Finish()
			return blob, seg, det.HasSpoken(), false, err
		case <-ticker.C:
			switch det.Sample(byte(s.energy.Load()), time.Since(start)) {
			case DecisionSpeechStart:
				log.Info("speech detected")
				s.setState(StateListeningSpeech)
			case DecisionComplete:
				blob, err := seg.Finish()
				return blob, seg, true, false, err
			case DecisionDiscard:
				seg.Abort()
				return nil, nil, false, false, nil
			}
		}
	}
}

// awaitResult waits for the utterance's terminal result, serving any
// screenshot sub-flow along the way. Returns nil on stop.
func (s *Session) awaitResult(ctx context.Context, conn Conn, results <-chan channel.ServerMessage) (*channel.ServerMessage, error) {
	for {
		select {
		case <-s.stopCh:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		case msg, ok := <-results:
			if !ok {
				return nil, fmt.Errorf("%w: %v", ErrChannel, conn.Err())
			}
			switch msg.Kind {
			case channel.KindRequestScreenshot:
				if err := s.serveScreenshot(ctx, conn, msg.Question); err != nil {
					return nil, err
				}
			case channel.KindError:
				return nil, fmt.Errorf("%w: %s", ErrBackend, msg.Status)
			default:
				return &msg, nil
			}
		}
	}
}

func (s *Session) serveScreenshot(ctx context.Context, conn Conn, question string) error {
	s.setState(StateAwaitingScreenshot)
	log.Info("screenshot requested: " + question)

	if s.cfg.Display == nil || !s.cfg.Display.Active() {
		return fmt.Errorf("%w: backend asked to look at the screen", ErrNotSharing)
	}
	frame, err := s.cfg.Display.CaptureDataURL(ctx)
	if err != nil {
		switch {
		case errors.Is(err, display.ErrPermissionDenied):
			return fmt.Errorf("%w: screen capture was refused", ErrPermissionDenied)
		case errors.Is(err, display.ErrNotSharing):
			return fmt.Errorf("%w: backend asked to look at the screen", ErrNotSharing)
		default:
			return fmt.Errorf("%w: %v", ErrNotSharing, err)
		}
	}
	if s.stopped() {
		return nil
	}
	if err := conn.SendScreenshot(frame, question); err != nil {
		return fmt.Errorf("%w: %v", ErrChannel, err)
	}
	s.setState(StateProcessing)
	return nil
}
