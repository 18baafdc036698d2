package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"

	"aria/audio"
	"aria/beep"
	"aria/channel"
	"aria/display"
	"aria/encoder"
	"aria/log"
	"aria/session"
	"aria/shutdown"
	"aria/speech"
)

var version = "dev"

func main() {
	run()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run() {
	serverFlag := flag.String("server", envOr("ARIA_SERVER", "localhost:8000"), "Backend address (host:port or URL)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	voiceFlag := flag.String("voice", "", "Text-to-speech voice name (default: automatic)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	noBeepFlag := flag.Bool("nobeep", false, "Disable audio cues")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("aria %s\n", version)
		os.Exit(0)
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
	}
	defer log.Close()

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *noBeepFlag {
		beep.Disable()
	}

	actx, err := audio.NewContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	var selectedDevice *audio.DeviceInfo
	if *deviceFlag != "" {
		devices, err := actx.Devices()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing devices: %v\n", err)
			os.Exit(1)
		}
		for i := range devices {
			if devices[i].Name == *deviceFlag {
				selectedDevice = &devices[i]
				break
			}
		}
		if selectedDevice == nil {
			fmt.Fprintf(os.Stderr, "Error: device not found: %s\n", *deviceFlag)
			os.Exit(1)
		}
	} else if *setupFlag {
		selectedDevice, err = audio.SelectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			selectedDevice = nil
		}
	}

	capture, err := actx.NewCapture(selectedDevice, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		log.Errorf("capture device init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing capture device: %v\n", err)
		os.Exit(1)
	}
	defer capture.Close()

	var bridge *display.Bridge
	if dev, err := display.NewDevice(); err != nil {
		log.Warnf("screen capture unavailable: %v", err)
	} else {
		bridge = display.NewBridge(dev)
	}

	engine, err := speech.NewEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing speech: %v\n", err)
		os.Exit(1)
	}
	speaker := speech.NewController(context.Background(), engine, *voiceFlag)

	go beep.Init()

	a := &app{
		server:     *serverFlag,
		capture:    capture,
		bridge:     bridge,
		speaker:    speaker,
		deviceName: capture.DeviceName(),
	}

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)

	if !*tuiFlag {
		a.toggle()
		<-sigChan
		a.stopSession()
		if bridge != nil {
			bridge.Close()
		}
		return
	}

	program := NewTUIProgram(Controls{
		Toggle:  a.toggle,
		SendNow: a.sendNow,
		Share:   a.toggleShare,
		Copy:    a.copyAnswer,
	})
	a.ui = program

	go func() {
		<-sigChan
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
	}
	a.stopSession()
	if bridge != nil {
		bridge.Close()
	}
}

// app wires the TUI controls to the session and fans session events out to
// the TUI. It also decides which state transitions deserve an audio cue.
type app struct {
	server     string
	capture    audio.CaptureDevice
	bridge     *display.Bridge
	speaker    *speech.Controller
	deviceName string
	ui         *tea.Program

	mu         sync.Mutex
	sess       *session.Session
	lastAnswer string
	lastState  session.State
}

func (a *app) send(msg tea.Msg) {
	if a.ui != nil {
		a.ui.Send(msg)
	}
}

// toggle starts a conversation, or stops the one in flight.
func (a *app) toggle() {
	a.mu.Lock()
	if a.sess != nil {
		sess := a.sess
		a.mu.Unlock()
		sess.Stop()
		return
	}

	cfg := session.Config{
		Dial: func(ctx context.Context) session.Conn {
			return channel.Open(ctx, a.server)
		},
		Capture: a.capture,
		Speaker: a.speaker,
		Events:  a,
	}
	if a.bridge != nil {
		cfg.Display = a.bridge
	}
	sess := session.New(cfg)
	a.sess = sess
	a.mu.Unlock()

	log.SessionStart(a.server, a.deviceName)
	go func() {
		sess.Run(context.Background())
		a.mu.Lock()
		if a.sess == sess {
			a.sess = nil
		}
		a.mu.Unlock()
	}()
}

func (a *app) sendNow() {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		sess.SendNow()
	}
}

func (a *app) toggleShare() {
	if a.bridge == nil {
		a.send(StatusMsg{Text: "screen capture is not available on this system"})
		return
	}
	if a.bridge.Active() {
		a.bridge.Close()
		a.send(SharingMsg{Active: false})
		return
	}
	if err := a.bridge.Acquire(context.Background()); err != nil {
		log.Warnf("screen share failed: %v", err)
		a.send(StatusMsg{Text: fmt.Sprintf("screen share failed: %v", err)})
		return
	}
	a.send(SharingMsg{Active: true})
}

func (a *app) copyAnswer() bool {
	a.mu.Lock()
	text := a.lastAnswer
	a.mu.Unlock()
	if text == "" {
		return false
	}
	if err := clipboard.WriteAll(text); err != nil {
		log.Warnf("clipboard copy failed: %v", err)
		return false
	}
	return true
}

func (a *app) stopSession() {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

// session.Events

func (a *app) StateChanged(s session.State) {
	a.mu.Lock()
	prev := a.lastState
	a.lastState = s
	a.mu.Unlock()

	switch {
	case s == session.StateListening &&
		(prev == session.StateAwaitingChannel || prev == session.StateSpeaking):
		go beep.PlayStart()
	case s == session.StateIdle && prev != session.StateIdle:
		go beep.PlayEnd()
	}
	a.send(StateMsg{State: s})
}

func (a *app) Level(energy byte) {
	a.send(LevelMsg{Level: energy})
}

func (a *app) Status(message string) {
	a.send(StatusMsg{Text: message})
}

func (a *app) Transcription(text string) {
	a.send(TranscriptionMsg{Text: text})
}

func (a *app) Answer(msg channel.ServerMessage) {
	a.mu.Lock()
	a.lastAnswer = msg.Answer
	a.mu.Unlock()
	a.send(AnswerMsg{Kind: string(msg.Kind), Answer: msg.Answer, Chunks: msg.Chunks})
}

func (a *app) SessionError(err error) {
	go beep.PlayError()
	a.send(SessionErrorMsg{Err: err.Error()})
}
