package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// DefaultListLimit bounds ListTransfers when no limit is given.
const DefaultListLimit = 50

type scanner interface {
	Scan(dest ...any) error
}

// BeginTransfer records a transfer in the pending state. Beginning an id
// that already exists for the direction restarts its row.
func (s *Store) BeginTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if transfer.Filesize < 0 {
		return errors.New("filesize must be >= 0")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.TransferStatus == "" {
		transfer.TransferStatus = TransferStatusPending
	}
	if err := validateTransferStatus(transfer.TransferStatus); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_address,
			filename,
			filesize,
			stored_path,
			transfer_status,
			detail,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id, direction) DO UPDATE SET
			peer_address = excluded.peer_address,
			filename = excluded.filename,
			filesize = excluded.filesize,
			stored_path = excluded.stored_path,
			transfer_status = excluded.transfer_status,
			detail = excluded.detail,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		transfer.TransferID,
		transfer.Direction,
		transfer.PeerAddress,
		transfer.Filename,
		transfer.Filesize,
		transfer.StoredPath,
		transfer.TransferStatus,
		transfer.Detail,
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q/%q: %w", transfer.TransferID, transfer.Direction, err)
	}
	return nil
}

// FinishTransfer moves a pending transfer to a terminal status. Finishing
// an already finished transfer is a no-op so the first outcome wins.
func (s *Store) FinishTransfer(transferID, direction, status, detail string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateDirection(direction); err != nil {
		return err
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}
	if status == TransferStatusPending {
		return errors.New("finish status must be terminal")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET transfer_status = ?, detail = ?, finished_at = ?
		WHERE transfer_id = ? AND direction = ? AND transfer_status = ?`,
		status,
		detail,
		nowUnixMilli(),
		transferID,
		direction,
		TransferStatusPending,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q/%q: %w", transferID, direction, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q/%q: %w", transferID, direction, err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetTransfer(transferID, direction); err != nil {
			return err
		}
	}
	return nil
}

// GetTransfer fetches one transfer by id and direction.
func (s *Store) GetTransfer(transferID, direction string) (*Transfer, error) {
	if err := validateDirection(direction); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			direction,
			peer_address,
			filename,
			filesize,
			stored_path,
			transfer_status,
			detail,
			started_at,
			finished_at
		FROM transfers
		WHERE transfer_id = ? AND direction = ?`,
		transferID,
		direction,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q/%q: %w", transferID, direction, err)
	}
	return transfer, nil
}

// ListTransfers returns the most recently started transfers first.
func (s *Store) ListTransfers(limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.Query(
		`SELECT
			transfer_id,
			direction,
			peer_address,
			filename,
			filesize,
			stored_path,
			transfer_status,
			detail,
			started_at,
			finished_at
		FROM transfers
		ORDER BY started_at DESC, transfer_id, direction
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

// FailPendingTransfers marks transfers left pending by an earlier process
// as failed and returns how many rows changed.
func (s *Store) FailPendingTransfers(detail string) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE transfers
		SET transfer_status = ?, detail = ?, finished_at = ?
		WHERE transfer_status = ?`,
		TransferStatusFailed,
		detail,
		nowUnixMilli(),
		TransferStatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("fail pending transfers: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for pending transfers: %w", err)
	}
	return affected, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		transfer   Transfer
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.PeerAddress,
		&transfer.Filename,
		&transfer.Filesize,
		&transfer.StoredPath,
		&transfer.TransferStatus,
		&transfer.Detail,
		&transfer.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	transfer.FinishedAt = int64Ptr(finishedAt)
	return &transfer, nil
}
