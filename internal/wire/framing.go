package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// -------------------------------------------------------------------------
// Frame Reader
// -------------------------------------------------------------------------

// FrameReader reads length-prefixed frames from a stream. Each frame is an
// unsigned 64-bit big-endian length followed by exactly that many payload
// bytes. Partial frames are never delivered: a short read surfaces as an
// error and the connection must be discarded.
//
// FrameReader is not safe for concurrent use; a connection has exactly one
// reader goroutine.
type FrameReader struct {
	r   *bufio.Reader
	max uint64
}

// NewFrameReader wraps r in a buffered frame reader with the MaxFrameSize
// limit.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:   bufio.NewReader(r),
		max: MaxFrameSize,
	}
}

// ReadFrame reads and returns the next frame payload. The returned slice is
// freshly allocated and owned by the caller.
//
// Returns ErrFrameTooLarge if the length prefix exceeds the frame limit;
// the stream is unusable afterwards. io.EOF is returned unwrapped when the
// stream ends cleanly between frames.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint64(prefix[:])
	if length > fr.max {
		return nil, fmt.Errorf("frame length %d: %w", length, ErrFrameTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// -------------------------------------------------------------------------
// Frame Writer
// -------------------------------------------------------------------------

// FrameWriter writes length-prefixed frames to a stream. WriteFrame accepts
// the payload as a sequence of parts so callers can compose opcode, request
// id, and body without concatenating first.
//
// FrameWriter is safe for concurrent use. A session's reply path may run on
// several goroutines (pending reads complete independently of the dispatch
// loop), so each frame is written and flushed under a mutex.
type FrameWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewFrameWriter wraps w in a buffered frame writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		w: bufio.NewWriter(w),
	}
}

// WriteFrame writes one frame whose payload is the concatenation of parts,
// then flushes. The frame is emitted atomically with respect to other
// WriteFrame calls.
func (fw *FrameWriter) WriteFrame(parts ...[]byte) error {
	var total uint64
	for _, p := range parts {
		total += uint64(len(p))
	}
	if total > MaxFrameSize {
		return fmt.Errorf("frame length %d: %w", total, ErrFrameTooLarge)
	}

	var prefix [LengthSize]byte
	binary.BigEndian.PutUint64(prefix[:], total)

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	for _, p := range parts {
		if _, err := fw.w.Write(p); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}

	return nil
}
