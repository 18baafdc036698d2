package display

import (
	"context"
	"image"
	"image/color"
	"sync"
)

// FakeDevice is a test double that hands out in-memory frames and lets tests
// simulate permission denial and external revocation.
type FakeDevice struct {
	AcquireErr error

	mu       sync.Mutex
	acquires int
	streams  []*FakeStream
}

type FakeStream struct {
	frame image.Image

	mu       sync.Mutex
	captures int
	done     chan struct{}
}

// TestFrame builds a small solid-color frame.
func TestFrame(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func NewFakeDevice() *FakeDevice {
	return &FakeDevice{}
}

func (d *FakeDevice) Acquire(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquires++
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	s := &FakeStream{
		frame: TestFrame(color.RGBA{R: 200, A: 255}),
		done:  make(chan struct{}),
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// Acquires reports how many times a grant was requested.
func (d *FakeDevice) Acquires() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquires
}

// LastStream returns the most recently granted stream, or nil.
func (d *FakeDevice) LastStream() *FakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

func (s *FakeStream) CaptureFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures++
	return s.frame, nil
}

func (s *FakeStream) Captures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures
}

func (s *FakeStream) Done() <-chan struct{} { return s.done }

// Revoke simulates the user ending sharing outside the app.
func (s *FakeStream) Revoke() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *FakeStream) Close() error {
	s.Revoke()
	return nil
}
