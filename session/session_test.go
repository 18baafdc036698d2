package session

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"aria/audio"
	"aria/channel"
	"aria/display"
)

// fakeCapture lets tests inject PCM frames directly into the session's
// capture callback.
type fakeCapture struct {
	mu     sync.Mutex
	cb     audio.DataCallback
	starts int
	stops  int
}

func (f *fakeCapture) SetCallback(cb audio.DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *fakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *fakeCapture) Start() error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeCapture) Close()             {}
func (f *fakeCapture) DeviceName() string { return "fake" }

func (f *fakeCapture) feed(pcm []byte) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(pcm, uint32(len(pcm)/2))
	}
}

func (f *fakeCapture) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// pcmFrame builds n PCM16 samples of constant amplitude.
func pcmFrame(n int, amplitude int16) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

type screenshotMsg struct {
	image    string
	question string
}

// fakeConn is an in-memory Conn; tests inject server messages on msgs.
type fakeConn struct {
	readyErr error
	msgs     chan channel.ServerMessage
	endSent  chan struct{}

	mu          sync.Mutex
	audio       [][]byte
	ends        int
	resets      int
	screenshots []screenshotMsg
	closed      bool
	connErr     error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:    make(chan channel.ServerMessage, 16),
		endSent: make(chan struct{}, 4),
	}
}

func (f *fakeConn) Ready(ctx context.Context) error { return f.readyErr }

func (f *fakeConn) SendAudio(wav []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(wav))
	copy(cp, wav)
	f.audio = append(f.audio, cp)
	return nil
}

func (f *fakeConn) SendEnd() error {
	f.mu.Lock()
	f.ends++
	f.mu.Unlock()
	f.endSent <- struct{}{}
	return nil
}

func (f *fakeConn) SendReset() error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SendScreenshot(image, question string) error {
	f.mu.Lock()
	f.screenshots = append(f.screenshots, screenshotMsg{image, question})
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Messages() <-chan channel.ServerMessage { return f.msgs }

func (f *fakeConn) Err() error { return f.connErr }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
	return nil
}

func (f *fakeConn) audioFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

// fakeSpeaker completes every utterance immediately.
type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
}

func (f *fakeSpeaker) Speak(ctx context.Context, text string, done func(bool)) {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
	go done(false)
}

func (f *fakeSpeaker) Stop() {}

func (f *fakeSpeaker) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spoken))
	copy(out, f.spoken)
	return out
}

// eventRec records every event for assertions.
type eventRec struct {
	mu          sync.Mutex
	states      []State
	status      []string
	transcripts []string
	answers     []channel.ServerMessage
	errs        []error
}

func (r *eventRec) StateChanged(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}
func (r *eventRec) Level(byte) {}
func (r *eventRec) Status(m string) {
	r.mu.Lock()
	r.status = append(r.status, m)
	r.mu.Unlock()
}
func (r *eventRec) Transcription(text string) {
	r.mu.Lock()
	r.transcripts = append(r.transcripts, text)
	r.mu.Unlock()
}
func (r *eventRec) Answer(msg channel.ServerMessage) {
	r.mu.Lock()
	r.answers = append(r.answers, msg)
	r.mu.Unlock()
}
func (r *eventRec) SessionError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *eventRec) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

type harness struct {
	sess    *Session
	cap     *fakeCapture
	conn    *fakeConn
	speaker *fakeSpeaker
	events  *eventRec
	runErr  chan error
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		cap:     &fakeCapture{},
		conn:    newFakeConn(),
		speaker: &fakeSpeaker{},
		events:  &eventRec{},
		runErr:  make(chan error, 1),
	}
	cfg := Config{
		Dial:          func(ctx context.Context) Conn { return h.conn },
		Capture:       h.cap,
		Speaker:       h.speaker,
		Events:        h.events,
		Tick:          2 * time.Millisecond,
		SilenceWindow: 10 * time.Millisecond,
		ResumeGrace:   5 * time.Millisecond,
		DecodeBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.sess = New(cfg)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	go func() { h.runErr <- h.sess.Run(context.Background()) }()
}

func (h *harness) waitRun(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// speakUtterance drives the capture fake through speech then silence until
// the session ships the segment.
func (h *harness) speakUtterance(t *testing.T) {
	t.Helper()
	waitFor(t, "listening", func() bool {
		st := h.sess.State()
		return st == StateListening || st == StateListeningSpeech
	})
	h.cap.feed(pcmFrame(4096, 8000))
	waitFor(t, "speech detected", func() bool { return h.sess.State() == StateListeningSpeech })
	h.cap.feed(pcmFrame(512, 0))
	select {
	case <-h.conn.endSent:
	case <-time.After(5 * time.Second):
		t.Fatal("segment never sent")
	}
}

func TestRoundTripRAG(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.speakUtterance(t)

	if got := h.conn.audioFrames(); got != 1 {
		t.Fatalf("audio frames sent = %d, want 1", got)
	}

	h.conn.msgs <- channel.ServerMessage{Kind: channel.KindStatus, Status: "Transcribing audio..."}
	h.conn.msgs <- channel.ServerMessage{Kind: channel.KindTranscription, Text: "what claims were denied"}
	h.conn.msgs <- channel.ServerMessage{
		Kind:   channel.KindRAGResult,
		Answer: "Two claims were denied.",
		Chunks: []channel.RetrievedChunk{
			{Filename: "claims.txt", Text: "denied", Distance: 0.1},
			{Filename: "policy.txt", Text: "coverage", Distance: 0.3},
		},
	}

	// The answer is spoken, then the loop re-arms listening.
	waitFor(t, "answer spoken", func() bool { return len(h.speaker.texts()) == 1 })
	waitFor(t, "relisten", func() bool { return h.sess.State() == StateListening })

	if got := h.speaker.texts()[0]; got != "Two claims were denied." {
		t.Errorf("spoken = %q", got)
	}

	h.events.mu.Lock()
	transcripts := append([]string(nil), h.events.transcripts...)
	answers := append([]channel.ServerMessage(nil), h.events.answers...)
	h.events.mu.Unlock()
	if len(transcripts) != 1 || transcripts[0] != "what claims were denied" {
		t.Errorf("transcripts = %v", transcripts)
	}
	if len(answers) != 1 || answers[0].Kind != channel.KindRAGResult || len(answers[0].Chunks) != 2 {
		t.Errorf("answers = %+v", answers)
	}

	h.sess.Stop()
	if err := h.waitRun(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.sess.State() != StateIdle {
		t.Errorf("final state = %v, want idle", h.sess.State())
	}
}

func TestWAVPayloadShape(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.speakUtterance(t)
	defer func() {
		h.sess.Stop()
		h.waitRun(t)
	}()

	h.conn.mu.Lock()
	wav := h.conn.audio[0]
	h.conn.mu.Unlock()
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("sent frame is not a WAV file (len %d)", len(wav))
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("wav rate = %d, want 16000", rate)
	}
}

func TestScreenshotRoundTrip(t *testing.T) {
	dev := display.NewFakeDevice()
	bridge := display.NewBridge(dev)
	if err := bridge.Acquire(context.Background()); err != nil {
		t.Fatalf("bridge acquire: %v", err)
	}

	h := newHarness(t, func(cfg *Config) { cfg.Display = bridge })
	h.start(t)
	h.speakUtterance(t)

	h.conn.msgs <- channel.ServerMessage{Kind: channel.KindRequestScreenshot, Question: "what is on my screen"}

	waitFor(t, "screenshot sent", func() bool {
		h.conn.mu.Lock()
		defer h.conn.mu.Unlock()
		return len(h.conn.screenshots) == 1
	})
	h.conn.mu.Lock()
	shot := h.conn.screenshots[0]
	h.conn.mu.Unlock()
	if shot.question != "what is on my screen" {
		t.Errorf("question = %q", shot.question)
	}
	if !strings.HasPrefix(shot.image, "data:image/jpeg;base64,") {
		t.Errorf("image is not a jpeg data url: %.40s", shot.image)
	}

	h.conn.msgs <- channel.ServerMessage{Kind: channel.KindVisionResult, Answer: "A code editor."}
	waitFor(t, "vision answer spoken", func() bool { return len(h.speaker.texts()) == 1 })

	h.sess.Stop()
	if err := h.waitRun(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestScreenshotWithoutShare(t *testing.T) {
	h := newHarness(t, nil) // no Display configured
	h.start(t)
	h.speakUtterance(t)

	h.conn.msgs <- channel.ServerMessage{Kind: channel.KindRequestScreenshot, Question: "look at my screen"}

	err := h.waitRun(t)
	if !errors.Is(err, ErrNotSharing) {
		t.Fatalf("Run err = %v, want ErrNotSharing", err)
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %v, want idle", h.sess.State())
	}
	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.errs) != 1 || !errors.Is(h.events.errs[0], ErrNotSharing) {
		t.Errorf("surfaced errors = %v", h.events.errs)
	}
}

// deniedSharer is granted but refused at capture time, as when the OS
// revokes the screen recording permission mid-session.
type deniedSharer struct{}

func (deniedSharer) Active() bool { return true }
func (deniedSharer) CaptureDataURL(ctx context.Context) (string, error) {
	return "", display.ErrPermissionDenied
}

func TestScreenshotPermissionDenied(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Display = deniedSharer{} })
	h.start(t)
	h.speakUtterance(t)

	h.conn.msgs <- channel.ServerMessage{Kind: channel.KindRequestScreenshot, Question: "what is on my screen"}

	err := h.waitRun(t)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Run err = %v, want ErrPermissionDenied", err)
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %v, want idle", h.sess.State())
	}
}

func TestBackendErrorGoesIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.speakUtterance(t)

	h.conn.msgs <- channel.ServerMessage{Kind: channel.KindError, Status: "No speech detected"}

	err := h.waitRun(t)
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Run err = %v, want ErrBackend", err)
	}
	if len(h.speaker.texts()) != 0 {
		t.Error("nothing should be spoken after a backend error")
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %v, want idle", h.sess.State())
	}
}

func TestStopMidSegmentSendsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	waitFor(t, "listening", func() bool { return h.sess.State() == StateListening })
	h.cap.feed(pcmFrame(4096, 8000))
	waitFor(t, "speech detected", func() bool { return h.sess.State() == StateListeningSpeech })

	h.sess.Stop()
	if err := h.waitRun(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.conn.audioFrames(); got != 0 {
		t.Errorf("audio frames sent = %d, want 0", got)
	}
	if h.cap.stopCount() == 0 {
		t.Error("capture device was never stopped")
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %v, want idle", h.sess.State())
	}
}

func TestStopDuringProcessingResetsServer(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.speakUtterance(t)

	waitFor(t, "processing", func() bool { return h.sess.State() == StateProcessing })
	h.sess.Stop()
	if err := h.waitRun(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.conn.mu.Lock()
	resets := h.conn.resets
	h.conn.mu.Unlock()
	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}
}

func TestSendNowWithoutSpeechDiscards(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	waitFor(t, "listening", func() bool { return h.sess.State() == StateListening })
	h.sess.SendNow()

	// The silent segment restarts listening without transmitting.
	time.Sleep(20 * time.Millisecond)
	if got := h.conn.audioFrames(); got != 0 {
		t.Errorf("audio frames sent = %d, want 0", got)
	}
	waitFor(t, "relisten", func() bool { return h.sess.State() == StateListening })

	h.sess.Stop()
	if err := h.waitRun(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSendNowForcesCompletion(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	waitFor(t, "listening", func() bool { return h.sess.State() == StateListening })
	h.cap.feed(pcmFrame(4096, 8000))
	waitFor(t, "speech detected", func() bool { return h.sess.State() == StateListeningSpeech })

	// No silence at all; send-now must complete the segment by itself.
	h.sess.SendNow()
	select {
	case <-h.conn.endSent:
	case <-time.After(5 * time.Second):
		t.Fatal("send-now did not ship the segment")
	}
	if got := h.conn.audioFrames(); got != 1 {
		t.Errorf("audio frames sent = %d, want 1", got)
	}

	h.sess.Stop()
	h.waitRun(t)
}

func TestDialFailureSurfacesChannelError(t *testing.T) {
	h := newHarness(t, nil)
	h.conn.readyErr = errors.New("connection refused")
	h.start(t)

	err := h.waitRun(t)
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("Run err = %v, want ErrChannel", err)
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %v, want idle", h.sess.State())
	}
}

func TestChannelDropSurfaces(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.speakUtterance(t)

	h.conn.connErr = errors.New("unexpected close")
	h.conn.Close()

	err := h.waitRun(t)
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("Run err = %v, want ErrChannel", err)
	}
}

func TestRunTwiceRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	waitFor(t, "listening", func() bool { return h.sess.State() == StateListening })
	if err := h.sess.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
	h.sess.Stop()
	h.waitRun(t)
}
