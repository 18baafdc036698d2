package encoder

import (
	"encoding/binary"
	"errors"
)

// ErrDecode marks a segment blob that cannot be decoded. The session discards
// the segment and restarts listening instead of surfacing it to the user.
var ErrDecode = errors.New("audio decode failure")

const WAVHeaderSize = 44

// EncodeWAV converts a FLAC-compressed segment blob into a canonical mono
// 16 kHz 16-bit PCM WAVE file.
func EncodeWAV(blob []byte) ([]byte, error) {
	samples, rate, err := DecodeFLAC(blob)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.Join(ErrDecode, errors.New("no samples"))
	}
	if rate != SampleRate {
		samples = Resample(samples, rate, SampleRate)
	}
	return WAVContainer(Quantize(samples), SampleRate), nil
}

// Resample converts samples between rates by linear interpolation.
func Resample(samples []float64, from, to int) []float64 {
	if from == to || len(samples) == 0 {
		return samples
	}
	outLen := int(float64(len(samples)) * float64(to) / float64(from))
	if outLen == 0 {
		return nil
	}
	out := make([]float64, outLen)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// Quantize maps normalized floats to signed 16-bit samples. Inputs are
// clamped to [-1, 1] before scaling so hot samples saturate instead of
// wrapping around.
func Quantize(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := s * 32767
		if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// WAVContainer wraps PCM16 samples in a standard 44-byte RIFF/WAVE header.
func WAVContainer(pcm []int16, sampleRate int) []byte {
	dataLen := len(pcm) * 2
	buf := make([]byte, WAVHeaderSize+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM format code
	binary.LittleEndian.PutUint16(buf[22:24], Channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	byteRate := sampleRate * Channels * BitsPerSample / 8
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	blockAlign := Channels * BitsPerSample / 8
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[WAVHeaderSize+i*2:], uint16(s))
	}
	return buf
}
