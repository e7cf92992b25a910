package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/storage"
)

const sessionColumns = `id, account_id, seq, metadata, metadata_version, agent_state,
	agent_state_version, active, last_active_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (core.Session, error) {
	var (
		sess                               core.Session
		lastActiveAt, createdAt, updatedAt string
	)
	err := row.Scan(&sess.ID, &sess.AccountID, &sess.Seq, &sess.Metadata, &sess.MetadataVersion,
		&sess.AgentState, &sess.AgentStateVersion, &sess.Active, &lastActiveAt, &createdAt, &updatedAt)
	if err != nil {
		return core.Session{}, err
	}
	sess.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActiveAt)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return sess, nil
}

func getSessionTx(tx *sql.Tx, id string) (core.Session, error) {
	row := tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND deleted_at IS NULL`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, core.ErrSessionNotFound
	}
	if err != nil {
		return core.Session{}, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

// sessionParticipantsTx returns the owner followed by every account the
// session is shared with.
func sessionParticipantsTx(tx *sql.Tx, sessionID string) ([]string, error) {
	var owner string
	err := tx.QueryRow(`SELECT account_id FROM sessions WHERE id = ? AND deleted_at IS NULL`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session owner: %w", err)
	}
	rows, err := tx.Query(`SELECT shared_with_id FROM session_shares WHERE session_id = ? ORDER BY shared_with_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select shares: %w", err)
	}
	defer rows.Close()
	participants := []string{owner}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		if id != owner {
			participants = append(participants, id)
		}
	}
	return participants, rows.Err()
}

// ensureSessionEditAccess loads the session and verifies the actor may write
// to it: the owner always may, grantees need an edit-capable share. View-only
// grantees get forbidden; strangers cannot tell the session exists.
func ensureSessionEditAccess(tx *sql.Tx, actorID, sessionID string) (core.Session, error) {
	sess, err := getSessionTx(tx, sessionID)
	if err != nil {
		return core.Session{}, err
	}
	if sess.AccountID == actorID {
		return sess, nil
	}
	var level string
	err = tx.QueryRow(`SELECT access_level FROM session_shares WHERE session_id = ? AND shared_with_id = ?`,
		sessionID, actorID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, core.ErrSessionNotFound
	}
	if err != nil {
		return core.Session{}, fmt.Errorf("select share: %w", err)
	}
	if !core.AccessLevel(level).CanEdit() {
		return core.Session{}, core.ErrForbidden
	}
	return sess, nil
}

func hasSessionReadAccess(tx *sql.Tx, actorID, sessionID string) (core.Session, error) {
	sess, err := getSessionTx(tx, sessionID)
	if err != nil {
		return core.Session{}, err
	}
	if sess.AccountID == actorID {
		return sess, nil
	}
	var level string
	err = tx.QueryRow(`SELECT access_level FROM session_shares WHERE session_id = ? AND shared_with_id = ?`,
		sessionID, actorID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, core.ErrSessionNotFound
	}
	if err != nil {
		return core.Session{}, fmt.Errorf("select share: %w", err)
	}
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, accountID, metadata string, agentState *string) (core.Session, []core.ParticipantCursor, error) {
	if accountID == "" {
		return core.Session{}, nil, core.ErrInvalidParams
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var (
		sess    core.Session
		cursors []core.ParticipantCursor
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.createAccountTx(tx, accountID); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO sessions (id, account_id, seq, metadata, metadata_version, agent_state,
				agent_state_version, active, last_active_at, created_at, updated_at)
			 VALUES (?, ?, 0, ?, 1, ?, ?, 1, ?, ?, ?)`,
			id, accountID, metadata, agentState, agentStateVersion(agentState), now, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		cursors, err = markParticipantsChanged(tx, []string{accountID}, core.ChangeKindSession, id, nil)
		if err != nil {
			return err
		}
		sess, err = getSessionTx(tx, id)
		return err
	})
	if err != nil {
		return core.Session{}, nil, err
	}
	return sess, cursors, nil
}

func agentStateVersion(agentState *string) int64 {
	if agentState != nil {
		return 1
	}
	return 0
}

func (s *Store) GetSession(ctx context.Context, id string) (core.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND deleted_at IS NULL`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, core.ErrSessionNotFound
	}
	if err != nil {
		return core.Session{}, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

// ListSessions pages through the sessions an account owns or has been granted
// access to, ordered by id for a stable cursor.
func (s *Store) ListSessions(ctx context.Context, accountID string, afterID string, limit int) ([]core.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE deleted_at IS NULL AND id > ?
		   AND (account_id = ? OR id IN (SELECT session_id FROM session_shares WHERE shared_with_id = ?))
		 ORDER BY id ASC LIMIT ?`, afterID, accountID, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var sessions []core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession soft-deletes; only the owner may delete. Every participant
// still gets a change row so connected devices learn the session is gone.
func (s *Store) DeleteSession(ctx context.Context, actorID, id string) ([]core.ParticipantCursor, error) {
	var cursors []core.ParticipantCursor
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSessionTx(tx, id)
		if err != nil {
			return err
		}
		if sess.AccountID != actorID {
			return core.ErrForbidden
		}
		participants, err := sessionParticipantsTx(tx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.Exec(
			`UPDATE sessions SET deleted_at = ?, active = 0, updated_at = ? WHERE id = ?`,
			now, now, id,
		); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM session_messages WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		cursors, err = markParticipantsChanged(tx, participants, core.ChangeKindSession, id, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cursors, nil
}

// updateSessionLane performs the CAS write for one lane. On version conflict
// it re-reads and returns the current lane so the caller can rebase.
func (s *Store) updateSessionLane(ctx context.Context, actorID, sessionID string, expectedVersion int64, value *string, lane string) (*storage.LaneUpdate, error) {
	if expectedVersion < 0 {
		return nil, core.ErrInvalidParams
	}
	var update *storage.LaneUpdate
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := ensureSessionEditAccess(tx, actorID, sessionID)
		if err != nil {
			return err
		}
		current, currentValue := laneOf(sess, lane)
		if current != expectedVersion {
			return &core.VersionMismatchError{Version: current, Value: currentValue}
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.Exec(
			`UPDATE sessions SET `+lane+` = ?, `+lane+`_version = `+lane+`_version + 1, updated_at = ?
			 WHERE id = ? AND `+lane+`_version = ?`,
			value, now, sessionID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update session %s: %w", lane, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			fresh, err := getSessionTx(tx, sessionID)
			if err != nil {
				return err
			}
			v, val := laneOf(fresh, lane)
			return &core.VersionMismatchError{Version: v, Value: val}
		}
		participants, err := sessionParticipantsTx(tx, sessionID)
		if err != nil {
			return err
		}
		cursors, err := markParticipantsChanged(tx, participants, core.ChangeKindSession, sessionID, nil)
		if err != nil {
			return err
		}
		update = &storage.LaneUpdate{
			Version:            expectedVersion + 1,
			Value:              value,
			ParticipantCursors: cursors,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return update, nil
}

func laneOf(sess core.Session, lane string) (int64, *string) {
	if lane == "agent_state" {
		return sess.AgentStateVersion, sess.AgentState
	}
	metadata := sess.Metadata
	return sess.MetadataVersion, &metadata
}

func (s *Store) UpdateSessionMetadata(ctx context.Context, actorID, sessionID string, expectedVersion int64, ciphertext string) (*storage.LaneUpdate, error) {
	return s.updateSessionLane(ctx, actorID, sessionID, expectedVersion, &ciphertext, "metadata")
}

func (s *Store) UpdateSessionAgentState(ctx context.Context, actorID, sessionID string, expectedVersion int64, ciphertext *string) (*storage.LaneUpdate, error) {
	return s.updateSessionLane(ctx, actorID, sessionID, expectedVersion, ciphertext, "agent_state")
}

// PatchSession applies both lanes atomically: if either expected version is
// stale, nothing is written and the mismatched lane(s) are reported with
// their current state.
func (s *Store) PatchSession(ctx context.Context, actorID, sessionID string, metadata, agentState *storage.LanePatch) (*storage.PatchUpdate, error) {
	if metadata == nil && agentState == nil {
		return nil, core.ErrInvalidParams
	}
	if metadata != nil && metadata.Value == nil {
		return nil, core.ErrInvalidParams
	}
	var update *storage.PatchUpdate
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := ensureSessionEditAccess(tx, actorID, sessionID)
		if err != nil {
			return err
		}
		mismatch := &core.PatchMismatchError{}
		if metadata != nil && sess.MetadataVersion != metadata.ExpectedVersion {
			value := sess.Metadata
			mismatch.Metadata = &core.VersionMismatchError{Version: sess.MetadataVersion, Value: &value}
		}
		if agentState != nil && sess.AgentStateVersion != agentState.ExpectedVersion {
			mismatch.AgentState = &core.VersionMismatchError{Version: sess.AgentStateVersion, Value: sess.AgentState}
		}
		if mismatch.Metadata != nil || mismatch.AgentState != nil {
			return mismatch
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		update = &storage.PatchUpdate{}
		if metadata != nil {
			if _, err := tx.Exec(
				`UPDATE sessions SET metadata = ?, metadata_version = metadata_version + 1, updated_at = ?
				 WHERE id = ?`, metadata.Value, now, sessionID,
			); err != nil {
				return fmt.Errorf("patch metadata: %w", err)
			}
			update.Metadata = &storage.LaneState{Version: metadata.ExpectedVersion + 1, Value: metadata.Value}
		}
		if agentState != nil {
			if _, err := tx.Exec(
				`UPDATE sessions SET agent_state = ?, agent_state_version = agent_state_version + 1, updated_at = ?
				 WHERE id = ?`, agentState.Value, now, sessionID,
			); err != nil {
				return fmt.Errorf("patch agent state: %w", err)
			}
			update.AgentState = &storage.LaneState{Version: agentState.ExpectedVersion + 1, Value: agentState.Value}
		}

		participants, err := sessionParticipantsTx(tx, sessionID)
		if err != nil {
			return err
		}
		update.ParticipantCursors, err = markParticipantsChanged(tx, participants, core.ChangeKindSession, sessionID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return update, nil
}

// MarkSessionAlive refreshes the liveness timestamp without producing change
// rows; liveness is broadcast ephemerally, not synced.
func (s *Store) MarkSessionAlive(ctx context.Context, accountID, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 1, last_active_at = ? WHERE id = ? AND account_id = ? AND deleted_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), sessionID, accountID,
	)
	if err != nil {
		return fmt.Errorf("mark session alive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrSessionNotFound
	}
	return nil
}

func (s *Store) MarkSessionEnded(ctx context.Context, accountID, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 0, last_active_at = ? WHERE id = ? AND account_id = ? AND deleted_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), sessionID, accountID,
	)
	if err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrSessionNotFound
	}
	return nil
}

// createAccountTx mirrors CreateAccount inside an existing transaction so
// session and machine creation can auto-provision the account row.
func (s *Store) createAccountTx(tx *sql.Tx, id string) (bool, error) {
	res, err := tx.Exec(
		`INSERT INTO accounts (id, seq, changes_floor, created_at) VALUES (?, 0, 0, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("insert account: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
