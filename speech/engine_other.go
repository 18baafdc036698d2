//go:build !darwin && !linux

package speech

import "fmt"

func newPlatformEngine() (Engine, error) {
	return nil, fmt.Errorf("speech playback not supported on this platform")
}
