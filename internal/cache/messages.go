package cache

import (
	"database/sql"
	"time"

	"github.com/fixmarket/casechat/internal/chat"
)

// UpsertMessage stores one confirmed message. Idempotent on
// (case_id, id); read_at is monotonic, a cached read timestamp is never
// cleared by an unread copy.
func (db *DB) UpsertMessage(m chat.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, case_id, sender_id, receiver_id, content, created_at, read_at, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, id) DO UPDATE SET
			content = excluded.content,
			read_at = COALESCE(messages.read_at, excluded.read_at)`,
		m.ID, string(m.CaseID), string(m.SenderID), string(m.ReceiverID),
		m.Content, m.CreatedAt.UnixMilli(), readAtMillis(m.ReadAt), now)
	return err
}

// UpsertBatch stores a poll snapshot in one transaction.
func (db *DB) UpsertBatch(msgs []chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, case_id, sender_id, receiver_id, content, created_at, read_at, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, id) DO UPDATE SET
			content = excluded.content,
			read_at = COALESCE(messages.read_at, excluded.read_at)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range msgs {
		if _, err := stmt.Exec(m.ID, string(m.CaseID), string(m.SenderID), string(m.ReceiverID),
			m.Content, m.CreatedAt.UnixMilli(), readAtMillis(m.ReadAt), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// History returns cached messages for a case, oldest first.
func (db *DB) History(caseID chat.CaseID, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, case_id, sender_id, receiver_id, content, created_at, read_at
		FROM messages
		WHERE case_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, string(caseID), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m         chat.Message
			createdAt int64
			readAt    sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.CaseID, &m.SenderID, &m.ReceiverID, &m.Content, &createdAt, &readAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		if readAt.Valid {
			t := time.UnixMilli(readAt.Int64).UTC()
			m.ReadAt = &t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead mirrors a successful read call: sets read_at on every cached
// message in the case addressed to user that is still unread.
func (db *DB) MarkRead(caseID chat.CaseID, user chat.UserID, at time.Time) error {
	_, err := db.Exec(`
		UPDATE messages SET read_at = ?
		WHERE case_id = ? AND receiver_id = ? AND read_at IS NULL`,
		at.UnixMilli(), string(caseID), string(user))
	return err
}

// UnreadCount returns how many cached messages addressed to user are
// unread, for the badge shown before the server is reachable.
func (db *DB) UnreadCount(user chat.UserID) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE receiver_id = ? AND read_at IS NULL`, string(user)).Scan(&n)
	return n, err
}

func readAtMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
