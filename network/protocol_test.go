package network

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestControlFrameRoundTrip(t *testing.T) {
	payload := TextPayload("hello, wörld")

	var buffer bytes.Buffer
	if err := WriteControlFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteControlFrame failed: %v", err)
	}
	if buffer.Bytes()[0] != TagControl {
		t.Fatalf("expected tag %q, got %q", TagControl, buffer.Bytes()[0])
	}
	if got := binary.BigEndian.Uint32(buffer.Bytes()[1:5]); int(got) != len(payload) {
		t.Fatalf("expected length %d, got %d", len(payload), got)
	}

	frame, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.Kind != FrameControl || frame.Payload != payload {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	if _, err := ReadFrame(&buffer); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestChunkFrameRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB, 0x01}, 4096)

	var buffer bytes.Buffer
	if err := WriteChunkFrame(&buffer, "transfer-1", data); err != nil {
		t.Fatalf("WriteChunkFrame failed: %v", err)
	}

	frame, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.Kind != FrameChunk || frame.TransferID != "transfer-1" {
		t.Fatalf("unexpected frame header: kind=%v id=%q", frame.Kind, frame.TransferID)
	}
	if !bytes.Equal(frame.Data, data) {
		t.Fatalf("chunk payload mismatch")
	}
}

func TestCorruptChunkKeepsStreamAligned(t *testing.T) {
	data := []byte("chunk payload that will be tampered with")
	digest := md5.Sum(data)
	tampered := append([]byte(nil), data...)
	tampered[3] ^= 0xFF

	var buffer bytes.Buffer
	if err := writeChunkFrame(&buffer, "bad", digest, tampered); err != nil {
		t.Fatalf("writeChunkFrame failed: %v", err)
	}
	if err := WriteControlFrame(&buffer, TextPayload("after")); err != nil {
		t.Fatalf("WriteControlFrame failed: %v", err)
	}

	_, err := ReadFrame(&buffer)
	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected *ChunkError, got %v", err)
	}
	if chunkErr.TransferID != "bad" || !errors.Is(err, ErrCorruptChunk) {
		t.Fatalf("unexpected chunk error: %v", chunkErr)
	}

	frame, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame after corrupt chunk failed: %v", err)
	}
	if frame.Payload != TextPayload("after") {
		t.Fatalf("stream lost alignment, got %+v", frame)
	}
}

func TestReadFrameTruncatedIsUnexpectedEOF(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteChunkFrame(&buffer, "t", make([]byte, 64)); err != nil {
		t.Fatalf("WriteChunkFrame failed: %v", err)
	}
	truncated := buffer.Bytes()[:buffer.Len()-10]

	if _, err := ReadFrame(bytes.NewReader(truncated)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestWriteControlFrameRejectsOversizedPayload(t *testing.T) {
	payload := string(make([]byte, MaxControlFrameSize+1))
	var buffer bytes.Buffer
	if err := WriteControlFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedAndNegativeLengths(t *testing.T) {
	oversized := []byte{TagControl}
	oversized = binary.BigEndian.AppendUint32(oversized, MaxControlFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(oversized)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	negative := []byte{TagControl, 0xFF, 0xFF, 0xFF, 0xFE}
	if _, err := ReadFrame(bytes.NewReader(negative)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestReadFrameRejectsUnknownTag(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte{'X', 0, 0, 0, 0})); !errors.Is(err, ErrUnknownFrameTag) {
		t.Fatalf("expected ErrUnknownFrameTag, got %v", err)
	}
}

func TestParseControl(t *testing.T) {
	control, err := ParseControl("Text:a:b:c")
	if err != nil {
		t.Fatalf("ParseControl text failed: %v", err)
	}
	if control.Kind != ControlText || control.Text != "a:b:c" {
		t.Fatalf("unexpected text control: %+v", control)
	}

	header := FileHeader{TransferID: "id-1", FileName: "notes: draft.txt", FileSize: 42}
	control, err = ParseControl(FileHeaderPayload(header))
	if err != nil {
		t.Fatalf("ParseControl file failed: %v", err)
	}
	if control.Kind != ControlFile || control.File != header {
		t.Fatalf("unexpected file control: %+v", control)
	}

	for _, payload := range []string{
		"File:id-only",
		"File:id:name",
		"File:id:name:-1",
		"File:id:name:big",
		"File::name:1",
		"File:id::1",
		"File:x/y:f.bin:4",
		"File:x\\y:f.bin:4",
		"File:x\x00y:f.bin:4",
		"Ping:1",
	} {
		if _, err := ParseControl(payload); !errors.Is(err, ErrMalformedHeader) {
			t.Fatalf("expected ErrMalformedHeader for %q, got %v", payload, err)
		}
	}
}
