package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrame bounds a single encoded frame.
const DefaultMaxFrame = 16 << 20

// FrameReader reads length-prefixed CBOR frames from a stream.
type FrameReader struct {
	reader   io.Reader
	maxFrame int
}

// NewFrameReader creates a FrameReader with DefaultMaxFrame.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{reader: r, maxFrame: DefaultMaxFrame}
}

// SetMaxFrame updates the size limit.
func (fr *FrameReader) SetMaxFrame(n int) {
	fr.maxFrame = n
}

// ReadFrame reads a single frame. io.EOF is returned unwrapped when the
// stream ends cleanly between frames.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int64(length) > int64(fr.maxFrame) {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", length, fr.maxFrame)
	}

	frameBuf := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, frameBuf); err != nil {
		return nil, err
	}

	return DecodeFrame(frameBuf)
}

// FrameWriter writes length-prefixed CBOR frames to a stream.
// WriteFrame is safe for concurrent use.
type FrameWriter struct {
	mu       sync.Mutex
	writer   io.Writer
	maxFrame int
}

// NewFrameWriter creates a FrameWriter with DefaultMaxFrame.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{writer: w, maxFrame: DefaultMaxFrame}
}

// SetMaxFrame updates the size limit.
func (fw *FrameWriter) SetMaxFrame(n int) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.maxFrame = n
}

// WriteFrame writes a single frame: prefix and body in one Write call.
func (fw *FrameWriter) WriteFrame(f *Frame) error {
	body, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if len(body) > fw.maxFrame {
		return fmt.Errorf("encoded frame size %d exceeds limit %d", len(body), fw.maxFrame)
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err = fw.writer.Write(buf)
	return err
}
