// Package encoder turns captured microphone audio into the canonical wire
// format. Capture segments are compressed to FLAC as they arrive; a finalized
// segment is decoded, resampled to 16 kHz mono and wrapped in a RIFF/WAVE
// container for the transcription backend.
package encoder

import "time"

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	AddEncodeTime(d time.Duration)
	EncodeTime() time.Duration
}
