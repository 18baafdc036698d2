package session

import (
	"encoding/binary"
	"sync"
	"time"

	"aria/encoder"
)

// segment buffers one capture attempt, compressing PCM16 frames to FLAC off
// the device callback. Blocks are encoded on a dedicated goroutine so the
// callback never pays for compression.
type segment struct {
	seq int
	enc *encoder.FlacEncoder

	blockCh    chan []int16
	encodeDone chan struct{}

	mu        sync.Mutex
	sampleBuf []int16
	closed    bool
}

func newSegment(seq, sampleRate int) (*segment, error) {
	enc, err := encoder.NewFlac(sampleRate)
	if err != nil {
		return nil, err
	}
	g := &segment{
		seq:        seq,
		enc:        enc,
		blockCh:    make(chan []int16, 64),
		encodeDone: make(chan struct{}),
	}

	go func() {
		defer close(g.encodeDone)
		for block := range g.blockCh {
			start := time.Now()
			g.enc.EncodeBlock(block)
			g.enc.AddEncodeTime(time.Since(start))
		}
	}()

	return g, nil
}

// Feed appends raw little-endian PCM16 bytes. Safe to call from the device
// callback; data arriving after Finish or Abort is dropped.
func (g *segment) Feed(pcm []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		g.sampleBuf = append(g.sampleBuf, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	for len(g.sampleBuf) >= encoder.BlockSize {
		block := make([]int16, encoder.BlockSize)
		copy(block, g.sampleBuf[:encoder.BlockSize])
		g.sampleBuf = g.sampleBuf[encoder.BlockSize:]
		g.blockCh <- block
	}
}

// Finish flushes pending samples and returns the compressed segment.
func (g *segment) Finish() ([]byte, error) {
	g.drain()
	if err := g.enc.Close(); err != nil {
		return nil, err
	}
	return g.enc.Bytes(), nil
}

// Abort stops encoding and discards the segment.
func (g *segment) Abort() {
	g.drain()
	g.enc.Close()
}

func (g *segment) drain() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	if len(g.sampleBuf) > 0 {
		partial := make([]int16, len(g.sampleBuf))
		copy(partial, g.sampleBuf)
		g.sampleBuf = nil
		g.blockCh <- partial
	}
	close(g.blockCh)
	g.mu.Unlock()
	<-g.encodeDone
}

// Frames is the number of PCM frames encoded so far.
func (g *segment) Frames() uint64 {
	return g.enc.TotalFrames()
}

// EncodeTime is the cumulative time spent compressing.
func (g *segment) EncodeTime() time.Duration {
	return g.enc.EncodeTime()
}
