package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lanchat/models"
	"lanchat/storage"
)

var (
	// ErrConnectionClosed indicates the connection was stopped or its socket failed.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrNotConnected indicates no peer connection is active.
	ErrNotConnected = errors.New("network: not connected")
)

// ConnectionState represents the lifecycle state of one connection.
type ConnectionState string

const (
	StateIdle    ConnectionState = "IDLE"
	StateRunning ConnectionState = "RUNNING"
	StateStopped ConnectionState = "STOPPED"
)

// ConnectionOptions controls runtime behavior of a Connection.
type ConnectionOptions struct {
	// DownloadDir receives incoming files.
	DownloadDir string
	// ChunkSize is the payload size of outgoing chunk frames.
	ChunkSize int
	// ChunkPacing is the pause before each outgoing chunk frame.
	ChunkPacing time.Duration
	// Callbacks receives protocol events; nil discards them.
	Callbacks Callbacks
	// Journal optionally records transfer outcomes.
	Journal TransferJournal
	// Logger is the base logger; defaults to the logrus standard logger.
	Logger *logrus.Entry
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	out := o
	if out.DownloadDir == "" {
		out.DownloadDir = "./downloads"
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkPacing < 0 {
		out.ChunkPacing = 0
	} else if out.ChunkPacing == 0 {
		out.ChunkPacing = DefaultChunkPacing
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return out
}

// Connection runs the protocol over one socket: a receive loop feeding the
// assembler and callbacks, and a send loop draining the outbound queue. The
// send loop is the only writer of the socket.
type Connection struct {
	conn    net.Conn
	options ConnectionOptions
	logger  *logrus.Entry

	callbacks *gatedCallbacks
	queue     *OutboundQueue
	assembler *Assembler

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	stateMu sync.RWMutex
	state   ConnectionState

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	done      chan struct{}

	failOnce sync.Once
	failMu   sync.Mutex
	failErr  error
}

// NewConnection wraps an established socket. Call Start to run the loops.
func NewConnection(conn net.Conn, options ConnectionOptions) *Connection {
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	logger := opts.Logger.WithFields(logrus.Fields{
		"component": "connection",
		"remote":    remote,
	})

	gated := newGatedCallbacks(opts.Callbacks)
	return &Connection{
		conn:      conn,
		options:   opts,
		logger:    logger,
		callbacks: gated,
		queue:     NewOutboundQueue(),
		assembler: NewAssembler(opts.DownloadDir, remote, gated, opts.Journal, logger),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		done:      make(chan struct{}),
	}
}

// Start launches the receive and send loops and returns immediately.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		c.setState(StateRunning)
		c.group.Go(c.receiveLoop)
		c.group.Go(c.sendLoop)
		go c.monitor()
		c.logger.Info("Connection started")
	})
}

// monitor waits for both loops. After a failure it reports the queued files
// that will never be sent and then the connection error itself, so every
// transfer callback precedes it and Done follows it.
func (c *Connection) monitor() {
	_ = c.group.Wait()

	if cause := c.failure(); cause != nil && !c.stopped.Load() {
		for _, pending := range c.queue.Close() {
			abortErr := fmt.Errorf("%w: %v", ErrTransferAborted, cause)
			c.journalFinish(pending.TransferID, storage.TransferStatusFailed, abortErr.Error())
			c.callbacks.OnFileTransferError(pending.FileName, abortErr)
		}
		c.callbacks.OnConnectionError(cause)
	}

	c.setState(StateStopped)
	close(c.done)
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed once both loops have exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until both loops have exited and returns the first loop error.
func (c *Connection) Wait() error {
	<-c.done
	return c.group.Wait()
}

// SendMessage queues a text message; it never blocks on the network.
func (c *Connection) SendMessage(text string) error {
	if c.stopped.Load() {
		return ErrConnectionClosed
	}
	if size := len(TextPayload(text)); size > MaxControlFrameSize {
		return fmt.Errorf("%w: text message of %d bytes", ErrFrameTooLarge, size)
	}
	if err := c.queue.EnqueueText(text); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// SendFile mints a transfer id and queues the file's announcement and
// chunks. It returns once the file is queued, not once it is delivered.
func (c *Connection) SendFile(path string) (string, error) {
	if c.stopped.Load() {
		return "", ErrConnectionClosed
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return "", fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return "", errors.New("source path must be a file")
	}

	transferID := uuid.NewString()
	name := filepath.Base(path)
	c.journalBegin(transferID, name, info.Size(), path)
	if err := c.queue.EnqueueFile(transferID, name, file, info.Size(), c.options.ChunkSize); err != nil {
		_ = file.Close()
		if errors.Is(err, ErrQueueClosed) {
			err = ErrConnectionClosed
		}
		c.journalFinish(transferID, storage.TransferStatusFailed, err.Error())
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"file_name":   name,
		"file_size":   info.Size(),
	}).Info("Outgoing file queued")
	return transferID, nil
}

// Stop cancels both loops, closes the socket and discards in-flight state.
// It is safe to call more than once. It waits for both loops, so callbacks
// must not call it synchronously. No callback fires once Stop has begun.
func (c *Connection) Stop() error {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.callbacks.close()
		c.cancel()
		_ = c.conn.Close()

		// Never started: nothing will close done.
		c.startOnce.Do(func() { close(c.done) })
		<-c.done
		c.setState(StateStopped)

		for _, pending := range c.queue.Close() {
			c.journalFinish(pending.TransferID, storage.TransferStatusFailed, ErrConnectionClosed.Error())
		}
		c.assembler.Reset()
		c.logger.Info("Connection stopped")
	})
	return nil
}

func (c *Connection) receiveLoop() error {
	reader := newFrameReader(c.conn)

	for {
		frame, err := ReadFrame(reader)
		if err != nil {
			var chunkErr *ChunkError
			if errors.As(err, &chunkErr) {
				c.assembler.Fail(chunkErr.TransferID, chunkErr)
				continue
			}
			return c.handleReadError(err)
		}

		switch frame.Kind {
		case FrameControl:
			c.handleControl(frame.Payload)
		case FrameChunk:
			if err := c.assembler.Accept(frame.TransferID, frame.Data); err != nil {
				if errors.Is(err, ErrUntrackedChunk) {
					c.logger.WithField("transfer_id", frame.TransferID).Debug("Dropping chunk for untracked transfer")
				}
			}
		}
	}
}

func (c *Connection) handleControl(payload string) {
	control, err := ParseControl(payload)
	if err != nil {
		c.logger.WithField("error", err).Warn("Dropping malformed control frame")
		return
	}

	switch control.Kind {
	case ControlText:
		c.logger.Debug("Text message received")
		c.callbacks.OnMessageReceived(models.NewTextMessage(control.Text, true))
	case ControlFile:
		if err := c.assembler.Announce(control.File); err != nil {
			c.logger.WithFields(logrus.Fields{
				"transfer_id": control.File.TransferID,
				"error":       err,
			}).Warn("Ignoring file announcement")
		}
	}
}

// handleReadError ends the receive loop. Errors caused by Stop closing the
// socket are normal termination; anything else aborts in-flight receives.
func (c *Connection) handleReadError(err error) error {
	if c.stopped.Load() {
		return nil
	}

	switch {
	case errors.Is(err, io.EOF):
		err = fmt.Errorf("%w: peer closed the stream", ErrConnectionClosed)
	default:
		err = fmt.Errorf("read frame: %w", err)
	}

	// A send failure closes the socket first; keep its cause.
	c.fail(err)
	cause := c.failure()

	c.logger.WithField("error", cause).Warn("Receive loop terminated")
	c.assembler.Abort(cause)
	return cause
}

func (c *Connection) sendLoop() error {
	for {
		if c.ctx.Err() != nil {
			return nil
		}

		switch {
		case c.queue.HasText():
		case c.queue.HasChunk():
			if !c.pace() {
				return nil
			}
		default:
			select {
			case <-c.ctx.Done():
				return nil
			case <-c.queue.Ready():
			}
			continue
		}

		item, ok, err := c.queue.Next()
		if !ok {
			continue
		}
		if err != nil {
			c.failOutgoing(item, err)
			continue
		}
		if err := c.write(item); err != nil {
			if isFrameRejected(err) {
				c.rejectItem(item, err)
				continue
			}
			return c.handleWriteError(item, err)
		}
	}
}

// pace waits before a chunk write; it returns false when cancelled.
func (c *Connection) pace() bool {
	if c.options.ChunkPacing <= 0 {
		return true
	}
	timer := time.NewTimer(c.options.ChunkPacing)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Connection) write(item OutgoingItem) error {
	switch item.Kind {
	case ItemText:
		return WriteControlFrame(c.conn, TextPayload(item.Text))
	case ItemFileHeader:
		if err := WriteControlFrame(c.conn, FileHeaderPayload(item.Header)); err != nil {
			return err
		}
		if item.Header.FileSize == 0 {
			c.journalFinish(item.Header.TransferID, storage.TransferStatusComplete, "")
		}
		return nil
	case ItemFileChunk:
		if err := WriteChunkFrame(c.conn, item.Chunk.TransferID, item.Chunk.Data); err != nil {
			return err
		}
		if item.Chunk.IsLast {
			c.journalFinish(item.Chunk.TransferID, storage.TransferStatusComplete, "")
			c.logger.WithField("transfer_id", item.Chunk.TransferID).Info("Outgoing file sent")
		}
		return nil
	default:
		return fmt.Errorf("unknown outgoing item kind %v", item.Kind)
	}
}

// failOutgoing reports a file that could not be read for sending.
func (c *Connection) failOutgoing(item OutgoingItem, err error) {
	c.logger.WithFields(logrus.Fields{
		"transfer_id": item.Chunk.TransferID,
		"error":       err,
	}).Error("Outgoing file failed")
	c.journalFinish(item.Chunk.TransferID, storage.TransferStatusFailed, err.Error())
	c.callbacks.OnFileTransferError(item.Chunk.FileName, err)
}

// rejectItem drops an item the codec refused before writing anything. The
// stream is still aligned, so only that item fails.
func (c *Connection) rejectItem(item OutgoingItem, err error) {
	c.logger.WithFields(logrus.Fields{
		"item":  item.Kind.String(),
		"error": err,
	}).Warn("Dropping unsendable item")
	c.failItem(item, err)
}

// handleWriteError attributes a write failure to the item being sent, then
// shuts the connection down: a failed TCP write leaves the stream unusable.
func (c *Connection) handleWriteError(item OutgoingItem, err error) error {
	if c.stopped.Load() {
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"item":  item.Kind.String(),
		"error": err,
	}).Error("Send loop terminated")
	c.failItem(item, err)

	err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	c.fail(err)
	return err
}

// failItem reports a file whose header or chunk could not be sent and drops
// the rest of it. Text items have no per-item callback.
func (c *Connection) failItem(item OutgoingItem, err error) {
	switch item.Kind {
	case ItemFileHeader:
		c.queue.Drop(item.Header.TransferID)
		c.journalFinish(item.Header.TransferID, storage.TransferStatusFailed, err.Error())
		c.callbacks.OnFileTransferError(item.Header.FileName, err)
	case ItemFileChunk:
		c.queue.Drop(item.Chunk.TransferID)
		c.journalFinish(item.Chunk.TransferID, storage.TransferStatusFailed, err.Error())
		c.callbacks.OnFileTransferError(item.Chunk.FileName, err)
	}
}

// fail records the first fatal error and unblocks both loops.
func (c *Connection) fail(err error) {
	c.failOnce.Do(func() {
		c.failMu.Lock()
		c.failErr = err
		c.failMu.Unlock()
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *Connection) failure() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failErr
}

func (c *Connection) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Connection) journalBegin(transferID, name string, size int64, path string) {
	if c.options.Journal == nil {
		return
	}
	err := c.options.Journal.BeginTransfer(storage.Transfer{
		TransferID:     transferID,
		Direction:      storage.DirectionSend,
		PeerAddress:    c.conn.RemoteAddr().String(),
		Filename:       name,
		Filesize:       size,
		StoredPath:     path,
		TransferStatus: storage.TransferStatusPending,
		StartedAt:      time.Now().UnixMilli(),
	})
	if err != nil {
		c.logger.WithField("error", err).Warn("Failed to journal outgoing transfer")
	}
}

func (c *Connection) journalFinish(transferID, status, detail string) {
	if c.options.Journal == nil || transferID == "" {
		return
	}
	if err := c.options.Journal.FinishTransfer(transferID, storage.DirectionSend, status, detail); err != nil {
		c.logger.WithField("error", err).Warn("Failed to journal transfer outcome")
	}
}
