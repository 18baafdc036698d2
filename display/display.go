// Package display provides on-demand screen capture for vision queries. The
// backend never sees the screen unprompted: a frame is captured only while
// sharing is active and a request_screenshot arrives.
package display

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"aria/log"
)

// JPEGQuality is the encode quality for frames sent to the backend.
const JPEGQuality = 80

var (
	// ErrNotSupported means no capture backend exists for this platform.
	ErrNotSupported = errors.New("screen capture not supported on this platform")

	// ErrPermissionDenied means the OS refused screen recording access.
	ErrPermissionDenied = errors.New("screen capture permission denied")

	// ErrNotSharing means a frame was requested while sharing is inactive.
	ErrNotSharing = errors.New("screen sharing not active")
)

// Device grants capture streams. Acquire may prompt the user for permission;
// it is called once per sharing session, not per frame.
type Device interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an active capture grant. Done is closed if the grant is revoked
// from outside (for example the user ends sharing from an OS indicator).
type Stream interface {
	CaptureFrame(ctx context.Context) (image.Image, error)
	Done() <-chan struct{}
	Close() error
}

// NewDevice returns the platform capture device.
func NewDevice() (Device, error) {
	return newPlatformDevice()
}

// Bridge tracks the sharing grant across utterances. Acquire is idempotent:
// once sharing is active, later calls reuse the grant until it is closed or
// revoked.
type Bridge struct {
	device Device

	mu     sync.Mutex
	stream Stream
}

func NewBridge(device Device) *Bridge {
	return &Bridge{device: device}
}

// Acquire makes sure a sharing grant is active, prompting only when needed.
func (b *Bridge) Acquire(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stream != nil {
		select {
		case <-b.stream.Done():
			log.Info("screen sharing grant was revoked, re-acquiring")
			b.stream.Close()
			b.stream = nil
		default:
			return nil
		}
	}

	stream, err := b.device.Acquire(ctx)
	if err != nil {
		return err
	}
	b.stream = stream
	return nil
}

// Active reports whether a sharing grant currently exists.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil {
		return false
	}
	select {
	case <-b.stream.Done():
		return false
	default:
		return true
	}
}

// CaptureDataURL grabs one frame and returns it as a base64 JPEG data URL,
// the format the vision endpoint expects.
func (b *Bridge) CaptureDataURL(ctx context.Context) (string, error) {
	b.mu.Lock()
	stream := b.stream
	b.mu.Unlock()

	if stream == nil {
		return "", ErrNotSharing
	}
	select {
	case <-stream.Done():
		return "", ErrNotSharing
	default:
	}

	frame, err := stream.CaptureFrame(ctx)
	if err != nil {
		return "", fmt.Errorf("capturing frame: %w", err)
	}
	return DataURL(frame)
}

// Close releases the sharing grant if one is active.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream != nil {
		b.stream.Close()
		b.stream = nil
	}
}

// DataURL encodes a frame as a JPEG data URL.
func DataURL(frame image.Image) (string, error) {
	var buf bytes.Buffer
	buf.WriteString("data:image/jpeg;base64,")
	enc := base64.NewEncoder(base64.StdEncoding, &buf)
	if err := jpeg.Encode(enc, frame, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return "", fmt.Errorf("encoding frame: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
