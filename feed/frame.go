package feed

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Batch files are gzip streams of length-prefixed frames: a big-endian
// uint32 length followed by that many report bytes.

// maxFrameBytes bounds a single frame so a corrupt length prefix cannot
// trigger an enormous allocation.
const maxFrameBytes = 16 << 20

// FrameReader decodes frames from a compressed batch file.
type FrameReader struct {
	raw io.ReadCloser
	gz  *gzip.Reader
}

// NewFrameReader wraps a compressed batch stream. Close releases both the
// gzip state and the underlying stream.
func NewFrameReader(r io.ReadCloser) (*FrameReader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("feed: gzip: %w", err)
	}
	return &FrameReader{raw: r, gz: gz}, nil
}

// Next returns the next frame, io.EOF at a clean end of stream, or an error
// when the remainder is undecodable (truncated frame, oversized length).
func (fr *FrameReader) Next() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(fr.gz, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("feed: frame prefix: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 {
		return nil, fmt.Errorf("feed: zero-length frame")
	}
	if size > maxFrameBytes {
		return nil, fmt.Errorf("feed: frame of %d bytes exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(fr.gz, buf); err != nil {
		return nil, fmt.Errorf("feed: truncated frame: %w", err)
	}
	return buf, nil
}

// Close releases the reader. Safe to call after a read error.
func (fr *FrameReader) Close() error {
	gzErr := fr.gz.Close()
	rawErr := fr.raw.Close()
	if gzErr != nil {
		return gzErr
	}
	return rawErr
}

// FrameWriter encodes frames into a compressed batch stream. It exists for
// tests and local tooling; production files are written upstream.
type FrameWriter struct {
	gz *gzip.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{gz: gzip.NewWriter(w)}
}

func (fw *FrameWriter) Write(frame []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
	if _, err := fw.gz.Write(prefix[:]); err != nil {
		return fmt.Errorf("feed: write frame prefix: %w", err)
	}
	if _, err := fw.gz.Write(frame); err != nil {
		return fmt.Errorf("feed: write frame: %w", err)
	}
	return nil
}

func (fw *FrameWriter) Close() error {
	return fw.gz.Close()
}
