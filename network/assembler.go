package network

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lanchat/storage"
)

var (
	// ErrUntrackedChunk indicates a chunk for a transfer that is not in flight.
	ErrUntrackedChunk = errors.New("network: chunk for untracked transfer")
	// ErrDuplicateTransfer indicates a second announcement for an in-flight transfer.
	ErrDuplicateTransfer = errors.New("network: transfer already announced")
	// ErrTransferOverflow indicates more bytes than announced arrived for a transfer.
	ErrTransferOverflow = errors.New("network: transfer exceeded announced size")
	// ErrTransferAborted indicates a transfer cut short by connection loss.
	ErrTransferAborted = errors.New("network: transfer aborted")
)

type incomingTransfer struct {
	transferID string
	name       string
	path       string
	file       *os.File
	size       int64
	received   int64
}

// Assembler reconstructs incoming files from chunk frames. It is owned by
// one connection and only its receive loop calls into it.
type Assembler struct {
	dir         string
	peerAddress string
	callbacks   Callbacks
	journal     TransferJournal
	logger      *logrus.Entry

	transfers map[string]*incomingTransfer
}

// NewAssembler creates an assembler writing into dir.
func NewAssembler(dir, peerAddress string, callbacks Callbacks, journal TransferJournal, logger *logrus.Entry) *Assembler {
	if callbacks == nil {
		callbacks = CallbackFuncs{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Assembler{
		dir:         dir,
		peerAddress: peerAddress,
		callbacks:   callbacks,
		journal:     journal,
		logger:      logger.WithField("component", "assembler"),
		transfers:   make(map[string]*incomingTransfer),
	}
}

// Active returns the number of in-flight transfers.
func (a *Assembler) Active() int {
	return len(a.transfers)
}

// Announce starts tracking a file announced by a control frame.
func (a *Assembler) Announce(header FileHeader) error {
	if !ValidTransferID(header.TransferID) {
		return fmt.Errorf("%w: invalid transfer id %q", ErrMalformedHeader, header.TransferID)
	}
	if _, exists := a.transfers[header.TransferID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransfer, header.TransferID)
	}

	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		a.callbacks.OnFileTransferError(header.FileName, fmt.Errorf("create download dir: %w", err))
		return err
	}

	path := filepath.Join(a.dir, DestinationName(header.FileName, header.TransferID))
	// An existing destination is never reused: it belongs to another transfer.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		err = fmt.Errorf("create destination: %w", err)
		a.logger.WithFields(logrus.Fields{
			"transfer_id": header.TransferID,
			"path":        path,
			"error":       err,
		}).Warn("Rejecting incoming file")
		a.callbacks.OnFileTransferError(header.FileName, err)
		return err
	}

	transfer := &incomingTransfer{
		transferID: header.TransferID,
		name:       header.FileName,
		path:       path,
		file:       file,
		size:       header.FileSize,
	}
	a.transfers[header.TransferID] = transfer
	a.beginJournal(transfer)

	a.logger.WithFields(logrus.Fields{
		"transfer_id": header.TransferID,
		"file_name":   header.FileName,
		"file_size":   header.FileSize,
	}).Info("Incoming file announced")
	a.callbacks.OnFileIncoming(header.FileName, header.FileSize)

	if header.FileSize == 0 {
		a.complete(transfer)
	}
	return nil
}

// Accept appends one verified chunk to its transfer.
func (a *Assembler) Accept(transferID string, data []byte) error {
	transfer, ok := a.transfers[transferID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUntrackedChunk, transferID)
	}

	if transfer.received+int64(len(data)) > transfer.size {
		err := fmt.Errorf("%w: %d + %d > %d", ErrTransferOverflow, transfer.received, len(data), transfer.size)
		a.Fail(transferID, err)
		return err
	}

	if _, err := transfer.file.Write(data); err != nil {
		err = fmt.Errorf("write %q: %w", transfer.path, err)
		a.Fail(transferID, err)
		return err
	}

	transfer.received += int64(len(data))
	progress := int(transfer.received * 100 / transfer.size)
	a.callbacks.OnFileProgressUpdated(transfer.name, progress)

	if transfer.received >= transfer.size {
		a.complete(transfer)
	}
	return nil
}

// Fail drops a transfer, removes its partial file and reports cause.
func (a *Assembler) Fail(transferID string, cause error) {
	transfer, ok := a.transfers[transferID]
	if !ok {
		a.logger.WithFields(logrus.Fields{
			"transfer_id": transferID,
			"error":       cause,
		}).Warn("Dropping failure for untracked transfer")
		return
	}

	a.discard(transfer, cause)
	a.logger.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"file_name":   transfer.name,
		"error":       cause,
	}).Warn("Incoming transfer failed")
	a.callbacks.OnFileTransferError(transfer.name, cause)
}

// Abort fails every in-flight transfer, e.g. when the connection drops.
func (a *Assembler) Abort(cause error) {
	for transferID := range a.transfers {
		a.Fail(transferID, fmt.Errorf("%w: %v", ErrTransferAborted, cause))
	}
}

// Reset discards every in-flight transfer without reporting.
func (a *Assembler) Reset() {
	for _, transfer := range a.transfers {
		a.discard(transfer, ErrConnectionClosed)
	}
}

func (a *Assembler) complete(transfer *incomingTransfer) {
	delete(a.transfers, transfer.transferID)

	if err := transfer.file.Close(); err != nil {
		err = fmt.Errorf("close %q: %w", transfer.path, err)
		_ = os.Remove(transfer.path)
		a.finishJournal(transfer, storage.TransferStatusFailed, err.Error())
		a.callbacks.OnFileTransferError(transfer.name, err)
		return
	}

	a.finishJournal(transfer, storage.TransferStatusComplete, "")
	a.logger.WithFields(logrus.Fields{
		"transfer_id": transfer.transferID,
		"path":        transfer.path,
		"bytes":       transfer.received,
	}).Info("Incoming file complete")

	if transfer.size == 0 {
		a.callbacks.OnFileProgressUpdated(transfer.name, 100)
	}
	a.callbacks.OnFileReceived(transfer.path)
}

func (a *Assembler) discard(transfer *incomingTransfer, cause error) {
	delete(a.transfers, transfer.transferID)
	_ = transfer.file.Close()
	if err := os.Remove(transfer.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.WithFields(logrus.Fields{
			"path":  transfer.path,
			"error": err,
		}).Warn("Failed to remove partial file")
	}
	a.finishJournal(transfer, storage.TransferStatusFailed, cause.Error())
}

func (a *Assembler) beginJournal(transfer *incomingTransfer) {
	if a.journal == nil {
		return
	}
	err := a.journal.BeginTransfer(storage.Transfer{
		TransferID:     transfer.transferID,
		Direction:      storage.DirectionReceive,
		PeerAddress:    a.peerAddress,
		Filename:       transfer.name,
		Filesize:       transfer.size,
		StoredPath:     transfer.path,
		TransferStatus: storage.TransferStatusPending,
		StartedAt:      time.Now().UnixMilli(),
	})
	if err != nil {
		a.logger.WithField("error", err).Warn("Failed to journal incoming transfer")
	}
}

func (a *Assembler) finishJournal(transfer *incomingTransfer, status, detail string) {
	if a.journal == nil {
		return
	}
	if err := a.journal.FinishTransfer(transfer.transferID, storage.DirectionReceive, status, detail); err != nil {
		a.logger.WithField("error", err).Warn("Failed to journal transfer outcome")
	}
}

// DestinationName embeds the transfer id into a received file name so files
// with the same base name never collide: "report.pdf" -> "report-<id>.pdf".
// The id must satisfy ValidTransferID.
func DestinationName(name, transferID string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" || base == "" {
		base = "file.bin"
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	return stem + "-" + transferID + ext
}
