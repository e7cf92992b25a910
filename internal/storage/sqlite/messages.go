package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/storage"
)

const messageColumns = `id, session_id, seq, local_id, content, created_at`

func scanMessage(row rowScanner) (core.SessionMessage, error) {
	var (
		msg       core.SessionMessage
		createdAt string
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.LocalID, &msg.Content, &createdAt); err != nil {
		return core.SessionMessage{}, err
	}
	msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return msg, nil
}

// AppendSessionMessage appends a ciphertext message, allocating its seq from
// the session counter. A localID that already exists returns the stored
// message with DidWrite=false and writes no change rows, making retries safe.
func (s *Store) AppendSessionMessage(ctx context.Context, actorID, sessionID, ciphertext string, localID *string) (*storage.AppendResult, error) {
	if ciphertext == "" {
		return nil, core.ErrInvalidParams
	}
	var result *storage.AppendResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := ensureSessionEditAccess(tx, actorID, sessionID); err != nil {
			return err
		}
		if localID != nil && *localID != "" {
			existing, err := getMessageByLocalIDTx(tx, sessionID, *localID)
			if err == nil {
				result = &storage.AppendResult{Message: existing, DidWrite: false}
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		if _, err := tx.Exec(`UPDATE sessions SET seq = seq + 1 WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("bump session seq: %w", err)
		}
		var seq int64
		if err := tx.QueryRow(`SELECT seq FROM sessions WHERE id = ?`, sessionID).Scan(&seq); err != nil {
			return fmt.Errorf("read session seq: %w", err)
		}

		id := uuid.NewString()
		now := time.Now().UTC()
		_, err := tx.Exec(
			`INSERT INTO session_messages (id, session_id, seq, local_id, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, sessionID, seq, localID, ciphertext, now.Format(time.RFC3339Nano),
		)
		if err != nil {
			// A concurrent append with the same localID can win the race
			// between our existence check and this insert.
			if localID != nil && *localID != "" && isUniqueViolation(err) {
				existing, lookupErr := getMessageByLocalIDTx(tx, sessionID, *localID)
				if lookupErr == nil {
					result = &storage.AppendResult{Message: existing, DidWrite: false}
					return nil
				}
			}
			return fmt.Errorf("insert message: %w", err)
		}

		msg := core.SessionMessage{
			ID: id, SessionID: sessionID, Seq: seq, LocalID: localID,
			Content: ciphertext, CreatedAt: now,
		}
		participants, err := sessionParticipantsTx(tx, sessionID)
		if err != nil {
			return err
		}
		cursors, err := markParticipantsChanged(tx, participants, core.ChangeKindSession, sessionID,
			storage.MessageHint(seq, id))
		if err != nil {
			return err
		}
		result = &storage.AppendResult{Message: msg, DidWrite: true, ParticipantCursors: cursors}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func getMessageByLocalIDTx(tx *sql.Tx, sessionID, localID string) (core.SessionMessage, error) {
	row := tx.QueryRow(`SELECT `+messageColumns+` FROM session_messages WHERE session_id = ? AND local_id = ?`,
		sessionID, localID)
	return scanMessage(row)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ListSessionMessages returns messages ordered by seq ascending. AfterSeq and
// BeforeSeq are exclusive bounds; zero means unbounded.
func (s *Store) ListSessionMessages(ctx context.Context, actorID, sessionID string, q storage.MessageQuery) ([]core.SessionMessage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	var messages []core.SessionMessage
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := hasSessionReadAccess(tx, actorID, sessionID); err != nil {
			return err
		}
		query := `SELECT ` + messageColumns + ` FROM session_messages WHERE session_id = ?`
		args := []any{sessionID}
		if q.AfterSeq > 0 {
			query += ` AND seq > ?`
			args = append(args, q.AfterSeq)
		}
		if q.BeforeSeq > 0 {
			query += ` AND seq < ?`
			args = append(args, q.BeforeSeq)
		}
		query += ` ORDER BY seq ASC LIMIT ?`
		args = append(args, limit)

		rows, err := tx.Query(query, args...)
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			messages = append(messages, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}
