package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session is one finished client session.
type Session struct {
	SessionID  uint64    `json:"session_id"`
	Username   string    `json:"username"`
	RemoteAddr string    `json:"remote_addr"`
	Transport  string    `json:"transport"`
	JoinedAt   time.Time `json:"joined_at"`
	LeftAt     time.Time `json:"left_at"`
}

// Duration returns how long the session lasted.
func (s Session) Duration() time.Duration {
	return s.LeftAt.Sub(s.JoinedAt)
}

// RecordSession appends a finished session.
func (s *Store) RecordSession(sess Session) error {
	if strings.TrimSpace(sess.Username) == "" {
		return errors.New("username is required")
	}
	if sess.LeftAt.IsZero() {
		sess.LeftAt = time.Now()
	}
	if sess.JoinedAt.IsZero() {
		sess.JoinedAt = sess.LeftAt
	}

	_, err := s.db.Exec(`
INSERT INTO sessions (session_id, username, remote_addr, transport, joined_at, left_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		int64(sess.SessionID),
		sess.Username,
		sess.RemoteAddr,
		sess.Transport,
		sess.JoinedAt.UnixMilli(),
		sess.LeftAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session %q: %w", sess.Username, err)
	}
	return nil
}

// ListSessions returns the most recently joined sessions first. A limit of 0
// or less returns every row.
func (s *Store) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
SELECT session_id, username, remote_addr, transport, joined_at, left_at
FROM sessions
ORDER BY joined_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess     Session
			id       int64
			joinedAt int64
			leftAt   int64
		)
		if err := rows.Scan(&id, &sess.Username, &sess.RemoteAddr, &sess.Transport, &joinedAt, &leftAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.SessionID = uint64(id)
		sess.JoinedAt = time.UnixMilli(joinedAt)
		sess.LeftAt = time.UnixMilli(leftAt)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
