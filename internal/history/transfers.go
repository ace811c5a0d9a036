package history

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction of a transfer relative to the process keeping the ledger.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Transfer statuses.
const (
	StatusActive   = "active"
	StatusComplete = "complete"
	StatusAborted  = "aborted"
	StatusFailed   = "failed"
)

// Transfer is one row of the transfers ledger.
type Transfer struct {
	ID           string     `json:"transfer_id"`
	Direction    string     `json:"direction"`
	Peer         string     `json:"peer"`
	Recipient    string     `json:"recipient,omitempty"`
	Filename     string     `json:"filename"`
	StoredPath   string     `json:"stored_path,omitempty"`
	ExpectedSize int64      `json:"expected_size"`
	Bytes        int64      `json:"bytes"`
	Chunks       int64      `json:"chunks"`
	Checksum     string     `json:"checksum,omitempty"`
	ChecksumOK   *bool      `json:"checksum_ok,omitempty"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Outcome closes a transfer row.
type Outcome struct {
	Status     string
	Bytes      int64
	Chunks     int64
	Checksum   string
	ChecksumOK *bool
	FinishedAt time.Time
}

// BeginTransfer inserts an active transfer row. An empty ID is filled with a
// fresh UUID and returned.
func (s *Store) BeginTransfer(t Transfer) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Direction != DirectionInbound && t.Direction != DirectionOutbound {
		return "", fmt.Errorf("invalid direction %q", t.Direction)
	}
	if strings.TrimSpace(t.Filename) == "" {
		return "", errors.New("filename is required")
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}

	_, err := s.db.Exec(`
INSERT INTO transfers (
  transfer_id, direction, peer, recipient, filename, stored_path,
  expected_size, status, started_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(transfer_id) DO UPDATE SET
  direction = excluded.direction,
  peer = excluded.peer,
  recipient = excluded.recipient,
  filename = excluded.filename,
  stored_path = excluded.stored_path,
  expected_size = excluded.expected_size,
  bytes = 0,
  chunks = 0,
  checksum = '',
  checksum_ok = NULL,
  status = excluded.status,
  started_at = excluded.started_at,
  finished_at = NULL
`,
		t.ID,
		t.Direction,
		t.Peer,
		t.Recipient,
		t.Filename,
		t.StoredPath,
		t.ExpectedSize,
		StatusActive,
		t.StartedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert transfer %q: %w", t.ID, err)
	}
	return t.ID, nil
}

// FinishTransfer records the outcome of a transfer.
func (s *Store) FinishTransfer(id string, o Outcome) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("transfer_id is required")
	}
	switch o.Status {
	case StatusComplete, StatusAborted, StatusFailed:
	default:
		return fmt.Errorf("invalid final status %q", o.Status)
	}
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}

	var ok sql.NullInt64
	if o.ChecksumOK != nil {
		ok = sql.NullInt64{Int64: boolToInt(*o.ChecksumOK), Valid: true}
	}

	result, err := s.db.Exec(`
UPDATE transfers
SET status = ?, bytes = ?, chunks = ?, checksum = ?, checksum_ok = ?, finished_at = ?
WHERE transfer_id = ?
`,
		o.Status,
		o.Bytes,
		o.Chunks,
		o.Checksum,
		ok,
		o.FinishedAt.UnixMilli(),
		id,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", id, err)
	}
	return requireRowsAffected(result)
}

// GetTransfer returns one transfer by ID.
func (s *Store) GetTransfer(id string) (*Transfer, error) {
	row := s.db.QueryRow(`
SELECT transfer_id, direction, peer, recipient, filename, stored_path,
       expected_size, bytes, chunks, checksum, checksum_ok, status, started_at, finished_at
FROM transfers
WHERE transfer_id = ?
`, id)

	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %q: %w", id, err)
	}
	return t, nil
}

// ListTransfers returns the most recent transfers first. A limit of 0 or
// less returns every row.
func (s *Store) ListTransfers(limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
SELECT transfer_id, direction, peer, recipient, filename, stored_path,
       expected_size, bytes, chunks, checksum, checksum_ok, status, started_at, finished_at
FROM transfers
ORDER BY started_at DESC, transfer_id
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

// AbortActive marks every transfer still active as aborted. It is called on
// startup to close rows left behind by a crash and returns the count.
func (s *Store) AbortActive() (int64, error) {
	result, err := s.db.Exec(`
UPDATE transfers SET status = ?, finished_at = ? WHERE status = ?
`, StatusAborted, time.Now().UnixMilli(), StatusActive)
	if err != nil {
		return 0, fmt.Errorf("abort active transfers: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected: %w", err)
	}
	return n, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		t          Transfer
		checksumOK sql.NullInt64
		startedAt  int64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&t.ID,
		&t.Direction,
		&t.Peer,
		&t.Recipient,
		&t.Filename,
		&t.StoredPath,
		&t.ExpectedSize,
		&t.Bytes,
		&t.Chunks,
		&t.Checksum,
		&checksumOK,
		&t.Status,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	t.StartedAt = time.UnixMilli(startedAt)
	if checksumOK.Valid {
		ok := checksumOK.Int64 != 0
		t.ChecksumOK = &ok
	}
	if finishedAt.Valid {
		ft := time.UnixMilli(finishedAt.Int64)
		t.FinishedAt = &ft
	}
	return &t, nil
}

func requireRowsAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
