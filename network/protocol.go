package network

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPort is the well-known TCP port peers listen on.
	DefaultPort = 6000
	// DefaultChunkSize is the payload size of one chunk frame (1 MiB).
	DefaultChunkSize = 1024 * 1024
	// DefaultChunkPacing is the pause before each chunk frame write.
	DefaultChunkPacing = 20 * time.Millisecond
	// DefaultDialTimeout bounds TCP dial duration.
	DefaultDialTimeout = 10 * time.Second

	// MaxControlFrameSize is the largest accepted control payload (1 MiB).
	MaxControlFrameSize = 1024 * 1024
	// MaxTransferIDSize is the largest accepted transfer id.
	MaxTransferIDSize = 256
	// MaxChunkSize is the largest accepted chunk payload (64 MiB).
	MaxChunkSize = 64 * 1024 * 1024
)

const (
	// TagControl starts a control frame.
	TagControl byte = 'M'
	// TagChunk starts a chunk frame.
	TagChunk byte = 'F'

	textPrefix = "Text:"
	filePrefix = "File:"

	digestSize = md5.Size
)

var (
	// ErrFrameTooLarge indicates a length field exceeds its limit.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrMalformedFrame indicates a length field that cannot be honored.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrUnknownFrameTag indicates the stream carries an unknown tag byte.
	ErrUnknownFrameTag = errors.New("network: unknown frame tag")
	// ErrCorruptChunk indicates a chunk payload does not match its digest.
	ErrCorruptChunk = errors.New("network: chunk checksum mismatch")
	// ErrMalformedHeader indicates an unparsable control payload.
	ErrMalformedHeader = errors.New("network: malformed control header")
)

// ChunkError attributes a chunk decoding failure to its transfer.
type ChunkError struct {
	TransferID string
	Err        error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.TransferID, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// FrameKind discriminates the two frame variants.
type FrameKind int

const (
	FrameControl FrameKind = iota + 1
	FrameChunk
)

func (k FrameKind) String() string {
	switch k {
	case FrameControl:
		return "control"
	case FrameChunk:
		return "chunk"
	default:
		return "unknown"
	}
}

// Frame is one decoded wire unit. Payload is set for control frames,
// TransferID and Data for chunk frames.
type Frame struct {
	Kind       FrameKind
	Payload    string
	TransferID string
	Data       []byte
}

// ControlKind discriminates control payloads.
type ControlKind int

const (
	ControlText ControlKind = iota + 1
	ControlFile
)

// FileHeader announces one incoming file.
type FileHeader struct {
	TransferID string
	FileName   string
	FileSize   int64
}

// Control is a parsed control payload.
type Control struct {
	Kind ControlKind
	Text string
	File FileHeader
}

// TextPayload builds the control payload for a chat message.
func TextPayload(text string) string {
	return textPrefix + text
}

// FileHeaderPayload builds the control payload announcing a file.
func FileHeaderPayload(header FileHeader) string {
	return filePrefix + header.TransferID + ":" + header.FileName + ":" + strconv.FormatInt(header.FileSize, 10)
}

// ParseControl routes a control payload by its prefix.
func ParseControl(payload string) (Control, error) {
	switch {
	case strings.HasPrefix(payload, textPrefix):
		return Control{Kind: ControlText, Text: strings.TrimPrefix(payload, textPrefix)}, nil
	case strings.HasPrefix(payload, filePrefix):
		header, err := parseFileHeader(strings.TrimPrefix(payload, filePrefix))
		if err != nil {
			return Control{}, err
		}
		return Control{Kind: ControlFile, File: header}, nil
	default:
		return Control{}, fmt.Errorf("%w: unknown prefix", ErrMalformedHeader)
	}
}

// parseFileHeader splits "<id>:<name>:<size>". The name may itself contain
// colons, so the id ends at the first separator and the size starts after
// the last one.
func parseFileHeader(fields string) (FileHeader, error) {
	first := strings.IndexByte(fields, ':')
	last := strings.LastIndexByte(fields, ':')
	if first <= 0 || last == first {
		return FileHeader{}, fmt.Errorf("%w: expected id, name and size", ErrMalformedHeader)
	}

	name := fields[first+1 : last]
	if name == "" {
		return FileHeader{}, fmt.Errorf("%w: empty file name", ErrMalformedHeader)
	}
	size, err := strconv.ParseInt(fields[last+1:], 10, 64)
	if err != nil || size < 0 {
		return FileHeader{}, fmt.Errorf("%w: invalid size %q", ErrMalformedHeader, fields[last+1:])
	}

	transferID := fields[:first]
	if !ValidTransferID(transferID) {
		return FileHeader{}, fmt.Errorf("%w: invalid transfer id %q", ErrMalformedHeader, transferID)
	}

	return FileHeader{
		TransferID: transferID,
		FileName:   name,
		FileSize:   size,
	}, nil
}

// ValidTransferID reports whether id can name a destination file: non-empty,
// bounded and free of path separators and NUL.
func ValidTransferID(id string) bool {
	if id == "" || len(id) > MaxTransferIDSize {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}

// isFrameRejected reports whether a write error was raised before any byte
// reached the stream, leaving it usable.
func isFrameRejected(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrMalformedFrame)
}

// WriteControlFrame writes one tagged, length-prefixed UTF-8 payload.
func WriteControlFrame(w io.Writer, payload string) error {
	if len(payload) > MaxControlFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 0, 1+4+len(payload))
	frame = append(frame, TagControl)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	return nil
}

// WriteChunkFrame writes one chunk frame carrying the MD5 digest of data.
func WriteChunkFrame(w io.Writer, transferID string, data []byte) error {
	return writeChunkFrame(w, transferID, md5.Sum(data), data)
}

func writeChunkFrame(w io.Writer, transferID string, digest [digestSize]byte, data []byte) error {
	if len(transferID) == 0 || len(transferID) > MaxTransferIDSize {
		return fmt.Errorf("%w: transfer id length %d", ErrMalformedFrame, len(transferID))
	}
	if len(data) > MaxChunkSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 0, 1+4+len(transferID)+4+digestSize)
	header = append(header, TagChunk)
	header = binary.BigEndian.AppendUint32(header, uint32(len(transferID)))
	header = append(header, transferID...)
	header = binary.BigEndian.AppendUint32(header, uint32(len(data)))
	header = append(header, digest[:]...)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write chunk header: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write chunk payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A clean end of stream before the tag byte is
// io.EOF; a stream ending inside a frame is io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Frame{}, err
	}

	switch tag[0] {
	case TagControl:
		payload, err := readControlBody(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameControl, Payload: payload}, nil
	case TagChunk:
		transferID, data, err := readChunkBody(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameChunk, TransferID: transferID, Data: data}, nil
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameTag, tag[0])
	}
}

func readControlBody(r io.Reader) (string, error) {
	length, err := readLength(r, MaxControlFrameSize)
	if err != nil {
		return "", fmt.Errorf("read control length: %w", err)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", fmt.Errorf("read control payload: %w", unexpectedEOF(err))
	}
	return string(payload), nil
}

func readChunkBody(r io.Reader) (string, []byte, error) {
	idLength, err := readLength(r, MaxTransferIDSize)
	if err != nil {
		return "", nil, fmt.Errorf("read transfer id length: %w", err)
	}
	if idLength == 0 {
		return "", nil, fmt.Errorf("%w: empty transfer id", ErrMalformedFrame)
	}
	rawID := make([]byte, idLength)
	if _, err := io.ReadFull(r, rawID); err != nil {
		return "", nil, fmt.Errorf("read transfer id: %w", unexpectedEOF(err))
	}
	transferID := string(rawID)

	dataLength, err := readLength(r, MaxChunkSize)
	if err != nil {
		return "", nil, fmt.Errorf("read chunk length: %w", err)
	}

	var digest [digestSize]byte
	if _, err := io.ReadFull(r, digest[:]); err != nil {
		return "", nil, fmt.Errorf("read chunk digest: %w", unexpectedEOF(err))
	}

	data := make([]byte, dataLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", nil, fmt.Errorf("read chunk payload: %w", unexpectedEOF(err))
	}

	if sum := md5.Sum(data); !bytes.Equal(sum[:], digest[:]) {
		return transferID, nil, &ChunkError{TransferID: transferID, Err: ErrCorruptChunk}
	}
	return transferID, data, nil
}

// readLength reads a 4-byte big-endian signed length and checks it against limit.
func readLength(r io.Reader, limit int) (int, error) {
	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return 0, unexpectedEOF(err)
	}
	length := int32(binary.BigEndian.Uint32(raw[:]))
	if length < 0 {
		return 0, fmt.Errorf("%w: negative length %d", ErrMalformedFrame, length)
	}
	if int(length) > limit {
		return 0, ErrFrameTooLarge
	}
	return int(length), nil
}

// unexpectedEOF turns a clean EOF in the middle of a frame into io.ErrUnexpectedEOF.
func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// newFrameReader buffers socket reads for frame decoding.
func newFrameReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 64*1024)
}
