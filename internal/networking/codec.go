package networking

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"
)

const (
	// DefaultReadChunkSize is the largest raw frame a single read will pick up.
	DefaultReadChunkSize = 512

	// MaxFrameSize bounds a length-prefixed frame (1 MB).
	MaxFrameSize = 1024 * 1024

	// CompressionThreshold is the smallest payload the framed codec tries to compress.
	CompressionThreshold = 512

	flagCompressed = 0x01
)

var (
	ErrUnknownKind         = errors.New("unknown message kind")
	ErrEmptyFrame          = errors.New("empty frame")
	ErrFrameTooLarge       = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength  = errors.New("invalid frame length")
	ErrDecompressionFailed = errors.New("decompression failed")

	// ErrFrameCorrupt marks a read error after which the stream can no
	// longer be split into frames. The connection has to be dropped.
	ErrFrameCorrupt = errors.New("corrupt frame")
)

func corrupt(err error) error {
	return fmt.Errorf("%w: %w", ErrFrameCorrupt, err)
}

// UnknownKindError is returned when a frame starts with a tag that maps to no
// MessageKind. It matches ErrUnknownKind with errors.Is.
type UnknownKindError struct {
	Tag byte
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown message kind %d", e.Tag)
}

func (e *UnknownKindError) Is(target error) bool {
	return target == ErrUnknownKind
}

// EncodeFrame builds a raw frame: one kind byte followed by the UTF-8 text.
func EncodeFrame(kind MessageKind, text string) []byte {
	buf := make([]byte, 0, 1+len(text))
	buf = append(buf, byte(kind))
	return append(buf, text...)
}

// DecodeFrame splits a raw frame into its kind and text. Invalid UTF-8 in the
// text is replaced rather than rejected.
func DecodeFrame(data []byte) (MessageKind, string, error) {
	if len(data) == 0 {
		return 0, "", ErrEmptyFrame
	}
	kind, err := ParseKind(data[0])
	if err != nil {
		return 0, "", err
	}
	return kind, strings.ToValidUTF8(string(data[1:]), "�"), nil
}

// FrameReader yields one raw frame ([kind][text]) per call. It returns io.EOF
// once the peer has closed the connection.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// Codec turns messages into bytes on the wire and back.
type Codec interface {
	Name() string
	Encode(kind MessageKind, text string) ([]byte, error)
	NewReader(r io.Reader, chunkSize int) FrameReader
}

// CodecByName resolves the framing mode names used in the config file.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "raw":
		return RawCodec{}, nil
	case "framed":
		return FramedCodec{}, nil
	}
	return nil, fmt.Errorf("unknown framing mode %q", name)
}

// RawCodec is the original wire format. There is no length prefix, so every
// write is expected to arrive as exactly one read on the other side. Streams
// may split or coalesce writes, in which case frames are misparsed. The
// usual case is a Registry announcement followed quickly by a message before
// the accepting side has started reading: both land in one read and the
// peer takes the whole thing as its new name. FramedCodec does not have
// this problem.
type RawCodec struct{}

func (RawCodec) Name() string { return "raw" }

func (RawCodec) Encode(kind MessageKind, text string) ([]byte, error) {
	return EncodeFrame(kind, text), nil
}

func (RawCodec) NewReader(r io.Reader, chunkSize int) FrameReader {
	if chunkSize <= 0 {
		chunkSize = DefaultReadChunkSize
	}
	return &rawReader{r: r, buf: make([]byte, chunkSize)}
}

type rawReader struct {
	r       io.Reader
	buf     []byte
	pending error
}

func (rr *rawReader) ReadFrame() ([]byte, error) {
	if rr.pending != nil {
		err := rr.pending
		rr.pending = nil
		return nil, err
	}
	n, err := rr.r.Read(rr.buf)
	if n > 0 {
		// Hand back what arrived; the error (if any) surfaces on the next call.
		rr.pending = err
		frame := make([]byte, n)
		copy(frame, rr.buf[:n])
		return frame, nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// FramedCodec prefixes every frame with its length so that frames survive
// stream coalescing. Format:
//
//	[Length (4 bytes, big-endian)][Flags (1 byte)][Kind (1 byte)][Payload]
//
// Payloads of CompressionThreshold bytes or more are LZ4 compressed when that
// makes them smaller. Both peers must use the same codec.
type FramedCodec struct{}

func (FramedCodec) Name() string { return "framed" }

func (FramedCodec) Encode(kind MessageKind, text string) ([]byte, error) {
	payload := []byte(text)
	var flags byte
	if len(payload) >= CompressionThreshold {
		if compressed, ok := compressPayload(payload); ok {
			payload = compressed
			flags |= flagCompressed
		}
	}

	length := 2 + len(payload)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, 4, 4+length)
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf = append(buf, flags, byte(kind))
	return append(buf, payload...), nil
}

func (FramedCodec) NewReader(r io.Reader, _ int) FrameReader {
	return &framedReader{r: bufio.NewReader(r)}
}

type framedReader struct {
	r *bufio.Reader
}

// ReadFrame returns the next frame. A read error before any header byte
// arrives leaves the stream intact; every other error is wrapped in
// ErrFrameCorrupt.
func (fr *framedReader) ReadFrame() ([]byte, error) {
	var header [4]byte
	if n, err := io.ReadFull(fr.r, header[:]); err != nil {
		if n == 0 {
			return nil, err
		}
		return nil, corrupt(err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, corrupt(ErrFrameTooLarge)
	}
	if length < 2 {
		return nil, corrupt(ErrInvalidFrameLength)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, corrupt(err)
	}

	flags, payload := body[0], body[2:]
	if flags&flagCompressed != 0 {
		decompressed, err := decompressPayload(payload)
		if err != nil {
			return nil, corrupt(err)
		}
		frame := make([]byte, 0, 1+len(decompressed))
		frame = append(frame, body[1])
		return append(frame, decompressed...), nil
	}
	return body[1:], nil
}

// compressPayload returns [uncompressed size (4 bytes)][lz4 block], or the
// input unchanged when compression doesn't pay off.
func compressPayload(data []byte) ([]byte, bool) {
	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}
	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

func decompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrDecompressionFailed
	}
	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}
