package session

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when the buffer exceeds its maximum size
var ErrBufferFull = errors.New("audio buffer full")

// AudioBuffer holds client audio frames received while the upstream
// connection is still opening. Frames are kept separate so they can be
// replayed upstream exactly as the browser sent them.
type AudioBuffer struct {
	frames    [][]byte
	totalSize int
	maxSize   int
	dropped   int
	mu        sync.Mutex
}

// NewAudioBuffer creates a buffer with the specified maximum size in bytes
func NewAudioBuffer(maxSize int) *AudioBuffer {
	return &AudioBuffer{maxSize: maxSize}
}

// MaxSize returns the maximum buffer size
func (ab *AudioBuffer) MaxSize() int {
	return ab.maxSize
}

// Append adds a frame to the buffer.
// Returns ErrBufferFull if adding the frame would exceed maxSize; the frame is
// counted as dropped.
func (ab *AudioBuffer) Append(frame []byte) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	newSize := ab.totalSize + len(frame)
	if newSize > ab.maxSize {
		ab.dropped++
		return ErrBufferFull
	}

	ab.frames = append(ab.frames, frame)
	ab.totalSize = newSize
	return nil
}

// Flush returns the buffered frames in arrival order and empties the buffer.
func (ab *AudioBuffer) Flush() [][]byte {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	frames := ab.frames
	ab.frames = nil
	ab.totalSize = 0
	return frames
}

// Clear empties the buffer without returning data
func (ab *AudioBuffer) Clear() {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	ab.frames = nil
	ab.totalSize = 0
}

// Size returns the current total buffered bytes
func (ab *AudioBuffer) Size() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.totalSize
}

// FrameCount returns the number of frames in the buffer
func (ab *AudioBuffer) FrameCount() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.frames)
}

// Dropped returns how many frames were rejected because the buffer was full
func (ab *AudioBuffer) Dropped() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.dropped
}
