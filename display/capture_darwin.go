package display

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// darwinStream shells out to the system screencapture tool per frame. The
// first capture triggers the Screen Recording permission prompt; a denied
// grant shows up as a solid wallpaper-only image on newer macOS, or an error
// on older ones.
type darwinStream struct {
	done chan struct{}
}

func newPlatformDevice() (Device, error) {
	if _, err := exec.LookPath("screencapture"); err != nil {
		return nil, ErrNotSupported
	}
	return darwinDevice{}, nil
}

type darwinDevice struct{}

func (darwinDevice) Acquire(ctx context.Context) (Stream, error) {
	s := &darwinStream{done: make(chan struct{})}
	// Probe once so permission problems surface at acquire time, not when
	// the backend is already waiting for a frame.
	if _, err := s.CaptureFrame(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *darwinStream) CaptureFrame(ctx context.Context) (image.Image, error) {
	tmp, err := os.CreateTemp("", "aria-frame-*.jpg")
	if err != nil {
		return nil, err
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	out, err := exec.CommandContext(ctx, "screencapture", "-x", "-t", "jpg", path).CombinedOutput()
	if err != nil {
		if strings.Contains(strings.ToLower(string(out)), "not allowed") {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("screencapture: %w: %s", err, bytes.TrimSpace(out))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func (s *darwinStream) Done() <-chan struct{} { return s.done }

func (s *darwinStream) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}
