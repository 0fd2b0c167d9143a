package network

import (
	"sync/atomic"

	"lanchat/models"
	"lanchat/storage"
)

// Callbacks receives protocol events for one session. Implementations must
// be safe for calls from the accept, receive and send goroutines.
type Callbacks interface {
	OnClientConnected(address string)
	OnMessageReceived(message models.ChatMessage)
	OnConnectionError(err error)
	OnFileIncoming(name string, size int64)
	OnFileProgressUpdated(name string, percent int)
	OnFileReceived(path string)
	OnFileTransferError(name string, err error)
}

// CallbackFuncs adapts optional functions to Callbacks. Nil fields are skipped.
type CallbackFuncs struct {
	ClientConnected     func(address string)
	MessageReceived     func(message models.ChatMessage)
	ConnectionError     func(err error)
	FileIncoming        func(name string, size int64)
	FileProgressUpdated func(name string, percent int)
	FileReceived        func(path string)
	FileTransferError   func(name string, err error)
}

func (f CallbackFuncs) OnClientConnected(address string) {
	if f.ClientConnected != nil {
		f.ClientConnected(address)
	}
}

func (f CallbackFuncs) OnMessageReceived(message models.ChatMessage) {
	if f.MessageReceived != nil {
		f.MessageReceived(message)
	}
}

func (f CallbackFuncs) OnConnectionError(err error) {
	if f.ConnectionError != nil {
		f.ConnectionError(err)
	}
}

func (f CallbackFuncs) OnFileIncoming(name string, size int64) {
	if f.FileIncoming != nil {
		f.FileIncoming(name, size)
	}
}

func (f CallbackFuncs) OnFileProgressUpdated(name string, percent int) {
	if f.FileProgressUpdated != nil {
		f.FileProgressUpdated(name, percent)
	}
}

func (f CallbackFuncs) OnFileReceived(path string) {
	if f.FileReceived != nil {
		f.FileReceived(path)
	}
}

func (f CallbackFuncs) OnFileTransferError(name string, err error) {
	if f.FileTransferError != nil {
		f.FileTransferError(name, err)
	}
}

// TransferJournal records the lifecycle of file transfers. *storage.Store
// implements it.
type TransferJournal interface {
	BeginTransfer(transfer storage.Transfer) error
	FinishTransfer(transferID, direction, status, detail string) error
}

// gatedCallbacks drops every event once closed, so nothing reaches the
// presentation layer after Stop.
type gatedCallbacks struct {
	next   Callbacks
	closed atomic.Bool
}

func newGatedCallbacks(next Callbacks) *gatedCallbacks {
	if next == nil {
		next = CallbackFuncs{}
	}
	return &gatedCallbacks{next: next}
}

func (g *gatedCallbacks) close() {
	g.closed.Store(true)
}

func (g *gatedCallbacks) OnClientConnected(address string) {
	if !g.closed.Load() {
		g.next.OnClientConnected(address)
	}
}

func (g *gatedCallbacks) OnMessageReceived(message models.ChatMessage) {
	if !g.closed.Load() {
		g.next.OnMessageReceived(message)
	}
}

func (g *gatedCallbacks) OnConnectionError(err error) {
	if !g.closed.Load() {
		g.next.OnConnectionError(err)
	}
}

func (g *gatedCallbacks) OnFileIncoming(name string, size int64) {
	if !g.closed.Load() {
		g.next.OnFileIncoming(name, size)
	}
}

func (g *gatedCallbacks) OnFileProgressUpdated(name string, percent int) {
	if !g.closed.Load() {
		g.next.OnFileProgressUpdated(name, percent)
	}
}

func (g *gatedCallbacks) OnFileReceived(path string) {
	if !g.closed.Load() {
		g.next.OnFileReceived(path)
	}
}

func (g *gatedCallbacks) OnFileTransferError(name string, err error) {
	if !g.closed.Load() {
		g.next.OnFileTransferError(name, err)
	}
}
