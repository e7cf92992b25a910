package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/harbor/internal/core"
)

// ShareSession grants (or upgrades) another account's access to a session.
// All participants, including the new grantee, get a share change row so
// every device learns about the grant.
func (s *Store) ShareSession(ctx context.Context, sessionID, withAccountID string, level core.AccessLevel) ([]core.ParticipantCursor, error) {
	switch level {
	case core.AccessView, core.AccessEdit, core.AccessFull:
	default:
		return nil, core.ErrInvalidParams
	}
	if withAccountID == "" {
		return nil, core.ErrInvalidParams
	}
	var cursors []core.ParticipantCursor
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSessionTx(tx, sessionID)
		if err != nil {
			return err
		}
		if sess.AccountID == withAccountID {
			return core.ErrInvalidParams
		}
		if _, err := s.createAccountTx(tx, withAccountID); err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.Exec(
			`INSERT INTO session_shares (session_id, shared_with_id, access_level, created_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(session_id, shared_with_id) DO UPDATE SET access_level=excluded.access_level`,
			sessionID, withAccountID, string(level), now,
		); err != nil {
			return fmt.Errorf("upsert share: %w", err)
		}
		participants, err := sessionParticipantsTx(tx, sessionID)
		if err != nil {
			return err
		}
		cursors, err = markParticipantsChanged(tx, participants, core.ChangeKindShare, sessionID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cursors, nil
}

func (s *Store) SessionParticipants(ctx context.Context, sessionID string) ([]string, error) {
	var participants []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		participants, err = sessionParticipantsTx(tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return participants, nil
}

func (s *Store) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id FROM sessions WHERE id = ? AND deleted_at IS NULL`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select session owner: %w", err)
	}
	return owner, nil
}

// CanApprovePermissions reports whether the account may answer permission
// RPCs for the session: owners always can, grantees need a full share.
func (s *Store) CanApprovePermissions(ctx context.Context, accountID, sessionID string) (bool, error) {
	owner, err := s.SessionOwner(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if owner == accountID {
		return true, nil
	}
	var level string
	err = s.db.QueryRowContext(ctx,
		`SELECT access_level FROM session_shares WHERE session_id = ? AND shared_with_id = ?`,
		sessionID, accountID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select share: %w", err)
	}
	return core.AccessLevel(level).CanApprovePermissions(), nil
}
