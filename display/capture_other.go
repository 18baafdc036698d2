//go:build !darwin && !linux

package display

func newPlatformDevice() (Device, error) {
	return nil, ErrNotSupported
}
