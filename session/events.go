package session

import "aria/channel"

// Events is the sink the orchestrator publishes UI-relevant happenings to.
// Implementations must not block; the TUI bridges these onto its own queue.
type Events interface {
	// StateChanged fires on every state transition.
	StateChanged(s State)
	// Level reports the current microphone energy (0-255) while listening.
	Level(energy byte)
	// Status forwards a backend progress message verbatim.
	Status(message string)
	// Transcription delivers the recognized text of the current utterance.
	Transcription(text string)
	// Answer delivers a terminal result (rag, vision or chat).
	Answer(msg channel.ServerMessage)
	// SessionError reports a surfaced failure; the session is back in Idle.
	SessionError(err error)
}

// NopEvents discards everything. Useful as a default and in tests that only
// care about a subset.
type NopEvents struct{}

func (NopEvents) StateChanged(State)               {}
func (NopEvents) Level(byte)                       {}
func (NopEvents) Status(string)                    {}
func (NopEvents) Transcription(string)             {}
func (NopEvents) Answer(channel.ServerMessage)     {}
func (NopEvents) SessionError(error)               {}
