package network

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"lanchat/models"
)

// recordingCallbacks collects events for assertions.
type recordingCallbacks struct {
	mu          sync.Mutex
	connected   []string
	messages    []string
	incoming    []string
	progress    map[string][]int
	received    []string
	transferErr map[string]error
	connErrs    []error
	// timeline lists terminal events in arrival order.
	timeline []string
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{
		progress:    make(map[string][]int),
		transferErr: make(map[string]error),
	}
}

func (r *recordingCallbacks) callbacks() CallbackFuncs {
	return CallbackFuncs{
		ClientConnected: func(address string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected = append(r.connected, address)
		},
		MessageReceived: func(message models.ChatMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, message.Text)
		},
		ConnectionError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connErrs = append(r.connErrs, err)
			r.timeline = append(r.timeline, "connection")
		},
		FileIncoming: func(name string, size int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.incoming = append(r.incoming, name)
		},
		FileProgressUpdated: func(name string, percent int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress[name] = append(r.progress[name], percent)
		},
		FileReceived: func(path string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.received = append(r.received, path)
		},
		FileTransferError: func(name string, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transferErr[name] = err
			r.timeline = append(r.timeline, "transfer:"+name)
		},
	}
}

func TestAssemblerCompletesAnnouncedFile(t *testing.T) {
	dir := t.TempDir()
	events := newRecordingCallbacks()
	assembler := NewAssembler(dir, "peer", events.callbacks(), nil, nil)

	if err := assembler.Announce(FileHeader{TransferID: "abc", FileName: "report.pdf", FileSize: 6}); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	for _, chunk := range [][]byte{[]byte("abc"), []byte("def")} {
		if err := assembler.Accept("abc", chunk); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
	}

	want := filepath.Join(dir, "report-abc.pdf")
	if len(events.received) != 1 || events.received[0] != want {
		t.Fatalf("expected received %q, got %v", want, events.received)
	}
	if got := events.progress["report.pdf"]; len(got) != 2 || got[0] != 50 || got[1] != 100 {
		t.Fatalf("unexpected progress %v", got)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(data) != "abcdef" {
		t.Fatalf("unexpected content %q", data)
	}
	if assembler.Active() != 0 {
		t.Fatalf("completed transfer must be removed")
	}
}

func TestAssemblerZeroSizeCompletesImmediately(t *testing.T) {
	dir := t.TempDir()
	events := newRecordingCallbacks()
	assembler := NewAssembler(dir, "peer", events.callbacks(), nil, nil)

	if err := assembler.Announce(FileHeader{TransferID: "z", FileName: "empty", FileSize: 0}); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if len(events.received) != 1 {
		t.Fatalf("expected immediate completion, got %v", events.received)
	}
	if got := events.progress["empty"]; len(got) != 1 || got[0] != 100 {
		t.Fatalf("expected progress 100, got %v", got)
	}
}

func TestAssemblerDropsUntrackedChunk(t *testing.T) {
	assembler := NewAssembler(t.TempDir(), "peer", nil, nil, nil)
	if err := assembler.Accept("ghost", []byte("x")); !errors.Is(err, ErrUntrackedChunk) {
		t.Fatalf("expected ErrUntrackedChunk, got %v", err)
	}
}

func TestAssemblerIgnoresDuplicateAnnouncement(t *testing.T) {
	assembler := NewAssembler(t.TempDir(), "peer", nil, nil, nil)
	header := FileHeader{TransferID: "dup", FileName: "a.txt", FileSize: 3}
	if err := assembler.Announce(header); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if err := assembler.Announce(header); !errors.Is(err, ErrDuplicateTransfer) {
		t.Fatalf("expected ErrDuplicateTransfer, got %v", err)
	}
	if assembler.Active() != 1 {
		t.Fatalf("expected one tracked transfer, got %d", assembler.Active())
	}
}

func TestAssemblerRejectsPathLikeTransferIDs(t *testing.T) {
	dir := t.TempDir()
	events := newRecordingCallbacks()
	assembler := NewAssembler(dir, "peer", events.callbacks(), nil, nil)

	for _, id := range []string{"x/y", "x\\y", "x\x00y", ""} {
		err := assembler.Announce(FileHeader{TransferID: id, FileName: "f.bin", FileSize: 4})
		if !errors.Is(err, ErrMalformedHeader) {
			t.Fatalf("expected ErrMalformedHeader for id %q, got %v", id, err)
		}
	}
	if assembler.Active() != 0 || len(events.incoming) != 0 {
		t.Fatalf("rejected announcements must not be tracked")
	}

	if err := assembler.Announce(FileHeader{TransferID: "x_y", FileName: "f.bin", FileSize: 4}); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if err := assembler.Accept("x_y", []byte("BBBB")); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "f-x_y.bin"))
	if err != nil || string(data) != "BBBB" {
		t.Fatalf("expected f-x_y.bin with BBBB, got %q (%v)", data, err)
	}
}

func TestAssemblerNeverOverwritesExistingDestination(t *testing.T) {
	dir := t.TempDir()
	events := newRecordingCallbacks()
	assembler := NewAssembler(dir, "peer", events.callbacks(), nil, nil)

	header := FileHeader{TransferID: "same", FileName: "keep.txt", FileSize: 4}
	if err := assembler.Announce(header); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if err := assembler.Accept("same", []byte("AAAA")); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	// A completed id announced again must not truncate the finished file.
	if err := assembler.Announce(header); !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected existing destination error, got %v", err)
	}
	if !errors.Is(events.transferErr["keep.txt"], os.ErrExist) {
		t.Fatalf("expected transfer error for colliding destination, got %v", events.transferErr["keep.txt"])
	}
	if err := assembler.Accept("same", []byte("BBBB")); !errors.Is(err, ErrUntrackedChunk) {
		t.Fatalf("chunks for a rejected announcement must be untracked, got %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "keep-same.txt"))
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(data) != "AAAA" {
		t.Fatalf("completed file was overwritten: %q", data)
	}
	if len(events.received) != 1 {
		t.Fatalf("expected one completed transfer, got %v", events.received)
	}
}

func TestAssemblerFailRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	events := newRecordingCallbacks()
	assembler := NewAssembler(dir, "peer", events.callbacks(), nil, nil)

	if err := assembler.Announce(FileHeader{TransferID: "f", FileName: "big.bin", FileSize: 10}); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if err := assembler.Accept("f", []byte("12345")); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	assembler.Fail("f", &ChunkError{TransferID: "f", Err: ErrCorruptChunk})

	if !errors.Is(events.transferErr["big.bin"], ErrCorruptChunk) {
		t.Fatalf("expected corrupt chunk transfer error, got %v", events.transferErr["big.bin"])
	}
	if _, err := os.Stat(filepath.Join(dir, "big-f.bin")); !os.IsNotExist(err) {
		t.Fatalf("expected partial file removed, stat err=%v", err)
	}
	if err := assembler.Accept("f", []byte("67890")); !errors.Is(err, ErrUntrackedChunk) {
		t.Fatalf("chunks after failure must be untracked, got %v", err)
	}
}

func TestAssemblerOverflowFailsTransfer(t *testing.T) {
	events := newRecordingCallbacks()
	assembler := NewAssembler(t.TempDir(), "peer", events.callbacks(), nil, nil)

	if err := assembler.Announce(FileHeader{TransferID: "o", FileName: "o.txt", FileSize: 2}); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if err := assembler.Accept("o", []byte("abc")); !errors.Is(err, ErrTransferOverflow) {
		t.Fatalf("expected ErrTransferOverflow, got %v", err)
	}
	if !errors.Is(events.transferErr["o.txt"], ErrTransferOverflow) {
		t.Fatalf("expected overflow transfer error")
	}
}

func TestAssemblerAbortAndReset(t *testing.T) {
	events := newRecordingCallbacks()
	assembler := NewAssembler(t.TempDir(), "peer", events.callbacks(), nil, nil)

	for _, id := range []string{"a", "b"} {
		if err := assembler.Announce(FileHeader{TransferID: id, FileName: id + ".bin", FileSize: 4}); err != nil {
			t.Fatalf("Announce failed: %v", err)
		}
	}
	assembler.Abort(ErrConnectionClosed)
	if len(events.transferErr) != 2 || !errors.Is(events.transferErr["a.bin"], ErrTransferAborted) {
		t.Fatalf("expected every transfer aborted, got %v", events.transferErr)
	}

	silent := newRecordingCallbacks()
	assembler = NewAssembler(t.TempDir(), "peer", silent.callbacks(), nil, nil)
	if err := assembler.Announce(FileHeader{TransferID: "c", FileName: "c.bin", FileSize: 4}); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	assembler.Reset()
	if len(silent.transferErr) != 0 || assembler.Active() != 0 {
		t.Fatalf("Reset must discard silently")
	}
}

func TestDestinationName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":        "report-id.pdf",
		"archive.tar.gz":    "archive.tar-id.gz",
		"README":            "README-id",
		".bashrc":           ".bashrc-id",
		"../../etc/passwd":  "passwd-id",
		"dir\\win\\doc.txt": "doc-id.txt",
		"..":                "file-id.bin",
	}
	for name, want := range cases {
		if got := DestinationName(name, "id"); got != want {
			t.Fatalf("DestinationName(%q) = %q, want %q", name, got, want)
		}
	}
}
