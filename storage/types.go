package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionSend marks a file this side sent.
	DirectionSend = "send"
	// DirectionReceive marks a file this side received.
	DirectionReceive = "receive"
)

const (
	TransferStatusPending  = "pending"
	TransferStatusComplete = "complete"
	TransferStatusFailed   = "failed"
)

// Transfer is the SQLite representation of one file transfer. A transfer id
// appears at most once per direction; a loopback transfer has both rows.
type Transfer struct {
	TransferID     string
	Direction      string
	PeerAddress    string
	Filename       string
	Filesize       int64
	StoredPath     string
	TransferStatus string
	Detail         string
	StartedAt      int64
	FinishedAt     *int64
}

// Started returns StartedAt as a time.
func (t Transfer) Started() time.Time {
	return time.UnixMilli(t.StartedAt)
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
