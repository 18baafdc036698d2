package session

import "time"

const (
	tickInterval = 100 * time.Millisecond

	// SilenceThreshold splits speech from silence on the 0-255 energy
	// scale: a sample is speech only when it exceeds the threshold.
	SilenceThreshold = 15

	// SilenceDuration of sustained silence after speech ends the segment.
	SilenceDuration = 1500 * time.Millisecond

	// MaxRecordingTime forces a segment to complete no matter what.
	MaxRecordingTime = 30 * time.Second
)

// Decision is the detector's verdict for one energy sample.
type Decision int

const (
	DecisionNone        Decision = iota
	DecisionSpeechStart          // first above-threshold sample of the segment
	DecisionComplete             // utterance is over, encode and send
	DecisionDiscard              // segment ended without any speech
)

// SilenceDetector decides when a capture segment ends. It is fed one energy
// sample per wall-clock tick; speech latches on the first loud sample and a
// run of quiet ticks totalling the silence window completes the segment.
type SilenceDetector struct {
	hasSpoken     bool
	silentTicks   int
	completeAfter int
}

// NewSilenceDetector sizes the quiet-tick countdown so that window worth of
// wall-clock silence completes the segment at the given tick interval.
func NewSilenceDetector(tick, window time.Duration) *SilenceDetector {
	if tick <= 0 {
		tick = tickInterval
	}
	if window <= 0 {
		window = SilenceDuration
	}
	completeAfter := int(window / tick)
	if completeAfter < 1 {
		completeAfter = 1
	}
	return &SilenceDetector{completeAfter: completeAfter}
}

// Sample feeds one tick's energy reading. elapsed is the time since the
// segment started.
func (d *SilenceDetector) Sample(energy byte, elapsed time.Duration) Decision {
	if elapsed >= MaxRecordingTime {
		if d.hasSpoken {
			return DecisionComplete
		}
		return DecisionDiscard
	}

	if energy > SilenceThreshold {
		d.silentTicks = 0
		if !d.hasSpoken {
			d.hasSpoken = true
			return DecisionSpeechStart
		}
		return DecisionNone
	}

	if d.hasSpoken {
		d.silentTicks++
		if d.silentTicks >= d.completeAfter {
			return DecisionComplete
		}
	}
	return DecisionNone
}

// HasSpoken reports whether any speech was detected this segment.
func (d *SilenceDetector) HasSpoken() bool {
	return d.hasSpoken
}

// Reset re-arms the detector for the next segment.
func (d *SilenceDetector) Reset() {
	d.hasSpoken = false
	d.silentTicks = 0
}
