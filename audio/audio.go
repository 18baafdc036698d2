package audio

import (
	"encoding/binary"
	"math"
)

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// energyGain maps typical speech RMS into the upper part of the 0-255 scale.
const energyGain = 4

// EnergyLevel reduces a chunk of little-endian PCM16 to a single 0-255
// energy sample for silence classification.
func EnergyLevel(data []byte) byte {
	if len(data) < 2 {
		return 0
	}
	var sumSquares float64
	n := len(data) / 2
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(data[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	rms := math.Sqrt(sumSquares / float64(n))
	level := rms * energyGain * 255
	if level > 255 {
		level = 255
	}
	return byte(level)
}
