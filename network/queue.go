package network

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrInvalidChunkSize indicates a chunk size outside (0, MaxChunkSize].
	ErrInvalidChunkSize = errors.New("network: invalid chunk size")
	// ErrQueueClosed indicates the outbound queue no longer accepts items.
	ErrQueueClosed = errors.New("network: outbound queue closed")
)

// ItemKind discriminates outgoing items.
type ItemKind int

const (
	ItemText ItemKind = iota + 1
	ItemFileHeader
	ItemFileChunk
)

func (k ItemKind) String() string {
	switch k {
	case ItemText:
		return "text"
	case ItemFileHeader:
		return "file_header"
	case ItemFileChunk:
		return "file_chunk"
	default:
		return "unknown"
	}
}

// FileChunk is the next slice of an outgoing file.
type FileChunk struct {
	TransferID string
	FileName   string
	Offset     int64
	Data       []byte
	IsLast     bool
}

// OutgoingItem is one unit consumed by the send loop. Text is set for
// ItemText, Header for ItemFileHeader and Chunk for ItemFileChunk.
type OutgoingItem struct {
	Kind   ItemKind
	Text   string
	Header FileHeader
	Chunk  FileChunk
}

// fileSource is a queued file read lazily one chunk at a time.
type fileSource struct {
	transferID string
	name       string
	file       io.ReaderAt
	closer     io.Closer
	size       int64
	chunkSize  int
	offset     int64
}

func (s *fileSource) close() {
	if s.closer != nil {
		_ = s.closer.Close()
	}
}

// PendingTransfer identifies a queued file dropped before it was fully sent.
type PendingTransfer struct {
	TransferID string
	FileName   string
}

// OutboundQueue holds pending items for one connection. Text and file
// announcements form a priority lane; file chunks are produced from a FIFO
// of file sources so all chunks of an earlier file precede a later one.
// Any number of producers may enqueue; exactly one consumer takes.
type OutboundQueue struct {
	mu       sync.Mutex
	priority []OutgoingItem
	sources  []*fileSource
	closed   bool

	ready chan struct{}
}

// NewOutboundQueue creates an empty queue.
func NewOutboundQueue() *OutboundQueue {
	return &OutboundQueue{ready: make(chan struct{}, 1)}
}

// Ready is signalled after every enqueue. The consumer waits on it when
// both lanes are empty.
func (q *OutboundQueue) Ready() <-chan struct{} {
	return q.ready
}

// EnqueueText queues a chat message.
func (q *OutboundQueue) EnqueueText(text string) error {
	return q.pushPriority(OutgoingItem{Kind: ItemText, Text: text})
}

// EnqueueFile queues the announcement for a file followed by its chunks.
// The queue takes ownership of file and closes it after the last chunk or
// when the transfer is dropped.
func (q *OutboundQueue) EnqueueFile(transferID, name string, file io.ReaderAt, size int64, chunkSize int) error {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}

	source := &fileSource{
		transferID: transferID,
		name:       name,
		file:       file,
		size:       size,
		chunkSize:  chunkSize,
	}
	if closer, ok := file.(io.Closer); ok {
		source.closer = closer
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.priority = append(q.priority, OutgoingItem{
		Kind:   ItemFileHeader,
		Header: FileHeader{TransferID: transferID, FileName: name, FileSize: size},
	})
	// A zero-length file is complete once announced.
	if size > 0 {
		q.sources = append(q.sources, source)
	} else {
		source.close()
	}
	q.mu.Unlock()

	q.signal()
	return nil
}

// HasText reports whether a text or announcement item is pending.
func (q *OutboundQueue) HasText() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority) > 0
}

// HasChunk reports whether a file chunk is pending.
func (q *OutboundQueue) HasChunk() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sources) > 0
}

// TakeText dequeues the next text or announcement item.
func (q *OutboundQueue) TakeText() (OutgoingItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popPriorityLocked()
}

// TakeChunk dequeues the next chunk of the oldest queued file. A read
// failure drops that file and returns an error carrying its transfer id.
func (q *OutboundQueue) TakeChunk() (OutgoingItem, bool, error) {
	q.mu.Lock()
	source, offset, length, last, ok := q.reserveChunkLocked()
	q.mu.Unlock()
	if !ok {
		return OutgoingItem{}, false, nil
	}

	return q.readReserved(source, offset, length, last)
}

// Next dequeues with text priority in one step, so an announcement queued
// before its file can never be overtaken by the file's first chunk.
func (q *OutboundQueue) Next() (OutgoingItem, bool, error) {
	q.mu.Lock()
	if item, ok := q.popPriorityLocked(); ok {
		q.mu.Unlock()
		return item, true, nil
	}
	source, offset, length, last, ok := q.reserveChunkLocked()
	q.mu.Unlock()
	if !ok {
		return OutgoingItem{}, false, nil
	}

	return q.readReserved(source, offset, length, last)
}

// Close drops every pending item and returns the files that will never be
// fully sent. Later enqueues fail with ErrQueueClosed.
func (q *OutboundQueue) Close() []PendingTransfer {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	dropped := make([]PendingTransfer, 0, len(q.sources))
	for _, source := range q.sources {
		source.close()
		dropped = append(dropped, PendingTransfer{TransferID: source.transferID, FileName: source.name})
	}
	q.sources = nil
	q.priority = nil
	return dropped
}

// Drop removes a queued file, e.g. after its announcement failed to send.
func (q *OutboundQueue) Drop(transferID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, source := range q.sources {
		if source.transferID == transferID {
			source.close()
			q.sources = append(q.sources[:i], q.sources[i+1:]...)
			return true
		}
	}
	return false
}

func (q *OutboundQueue) pushPriority(item OutgoingItem) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.priority = append(q.priority, item)
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *OutboundQueue) popPriorityLocked() (OutgoingItem, bool) {
	if len(q.priority) == 0 {
		return OutgoingItem{}, false
	}
	item := q.priority[0]
	q.priority[0] = OutgoingItem{}
	q.priority = q.priority[1:]
	return item, true
}

// reserveChunkLocked advances the head source past its next chunk. The
// bytes are read afterwards without holding the lock; only the single
// consumer touches a source's file.
func (q *OutboundQueue) reserveChunkLocked() (*fileSource, int64, int, bool, bool) {
	if len(q.sources) == 0 {
		return nil, 0, 0, false, false
	}

	source := q.sources[0]
	offset := source.offset
	length := int64(source.chunkSize)
	if remaining := source.size - offset; remaining < length {
		length = remaining
	}
	source.offset += length

	last := source.offset >= source.size
	if last {
		q.sources[0] = nil
		q.sources = q.sources[1:]
	}
	return source, offset, int(length), last, true
}

func (q *OutboundQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// readReserved reads a reserved chunk. On failure the item still names the
// transfer so the caller can attribute the error, and the file is dropped.
func (q *OutboundQueue) readReserved(source *fileSource, offset int64, length int, last bool) (OutgoingItem, bool, error) {
	if last {
		defer source.close()
	}

	item := OutgoingItem{
		Kind: ItemFileChunk,
		Chunk: FileChunk{
			TransferID: source.transferID,
			FileName:   source.name,
			Offset:     offset,
			IsLast:     last,
		},
	}

	buffer := make([]byte, length)
	n, err := source.file.ReadAt(buffer, offset)
	if n < length {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		if !last {
			q.Drop(source.transferID)
		}
		return item, true, &ChunkError{
			TransferID: source.transferID,
			Err:        fmt.Errorf("read %q at offset %d: %w", source.name, offset, err),
		}
	}

	item.Chunk.Data = buffer
	return item, true, nil
}
