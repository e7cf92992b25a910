package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/storage"
)

const maxHintKeys = 200

// compactHint keeps `keys` hints bounded. If any key had to be dropped the
// hint degrades to {"full":true} rather than risking a partial catch-up.
func compactHint(hint json.RawMessage) json.RawMessage {
	if len(hint) == 0 {
		return nil
	}
	var record map[string]json.RawMessage
	if err := json.Unmarshal(hint, &record); err != nil {
		return hint
	}
	rawKeys, ok := record["keys"]
	if !ok {
		return hint
	}
	var keys []any
	if err := json.Unmarshal(rawKeys, &keys); err != nil {
		return hint
	}
	cleaned := make([]string, 0, len(keys))
	for _, k := range keys {
		s, ok := k.(string)
		if !ok || s == "" {
			continue
		}
		if len(cleaned) == maxHintKeys {
			return storage.FullHint()
		}
		cleaned = append(cleaned, s)
	}
	if len(cleaned) != len(keys) {
		return storage.FullHint()
	}
	return hint
}

// markAccountChanged allocates the account's next cursor and upserts the
// coalesced change row for (account, kind, entity). Must run inside the same
// transaction as the entity mutation so a crash between the two is
// impossible.
func markAccountChanged(tx *sql.Tx, accountID string, kind core.ChangeKind, entityID string, hint json.RawMessage) (int64, error) {
	if accountID == "" || kind == "" || entityID == "" {
		return 0, fmt.Errorf("markAccountChanged: account, kind and entity are required")
	}
	if _, err := tx.Exec(`UPDATE accounts SET seq = seq + 1 WHERE id = ?`, accountID); err != nil {
		return 0, fmt.Errorf("bump account seq: %w", err)
	}
	var cursor int64
	if err := tx.QueryRow(`SELECT seq FROM accounts WHERE id = ?`, accountID).Scan(&cursor); err != nil {
		return 0, fmt.Errorf("read account seq: %w", err)
	}

	var hintVal any
	if compacted := compactHint(hint); len(compacted) > 0 {
		hintVal = string(compacted)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.Exec(
		`INSERT INTO account_changes (account_id, kind, entity_id, cursor, changed_at, hint)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, kind, entity_id)
		 DO UPDATE SET cursor=excluded.cursor, changed_at=excluded.changed_at, hint=excluded.hint`,
		accountID, string(kind), entityID, cursor, now, hintVal,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert change: %w", err)
	}
	return cursor, nil
}

// markParticipantsChanged writes one change row per interested account and
// returns the per-account cursors for fan-out.
func markParticipantsChanged(tx *sql.Tx, accountIDs []string, kind core.ChangeKind, entityID string, hint json.RawMessage) ([]core.ParticipantCursor, error) {
	cursors := make([]core.ParticipantCursor, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		cursor, err := markAccountChanged(tx, accountID, kind, entityID, hint)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, core.ParticipantCursor{AccountID: accountID, Cursor: cursor})
	}
	return cursors, nil
}

func (s *Store) MarkKVChanged(ctx context.Context, accountID string, keys []string) (int64, error) {
	if accountID == "" || len(keys) == 0 {
		return 0, core.ErrInvalidParams
	}
	var cursor int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		cursor, err = markAccountChanged(tx, accountID, core.ChangeKindKV, "kv", storage.KeysHint(keys))
		return err
	})
	return cursor, err
}

func (s *Store) AccountCursor(ctx context.Context, accountID string) (int64, int64, error) {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}
	return acct.Seq, acct.ChangesFloor, nil
}

func (s *Store) ListChanges(ctx context.Context, accountID string, after int64, limit int) (*storage.ChangePage, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 500 {
		limit = 500
	}
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	// A cursor from the future (restored from another account) or behind the
	// prune floor cannot be served incrementally.
	if after > acct.Seq || after < acct.ChangesFloor {
		return nil, &core.CursorGoneError{CurrentCursor: acct.Seq}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT cursor, kind, entity_id, changed_at, hint
		 FROM account_changes
		 WHERE account_id = ? AND cursor > ?
		 ORDER BY cursor ASC, kind ASC, entity_id ASC
		 LIMIT ?`, accountID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	page := &storage.ChangePage{NextCursor: after}
	for rows.Next() {
		var (
			entry     core.ChangeEntry
			kind      string
			changedAt string
			hint      sql.NullString
		)
		if err := rows.Scan(&entry.Cursor, &kind, &entry.EntityID, &changedAt, &hint); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		entry.Kind = core.ChangeKind(kind)
		entry.ChangedAt, _ = time.Parse(time.RFC3339Nano, changedAt)
		if hint.Valid {
			entry.Hint = json.RawMessage(hint.String)
		}
		page.Changes = append(page.Changes, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	if n := len(page.Changes); n > 0 {
		page.NextCursor = page.Changes[n-1].Cursor
	}
	return page, nil
}

// SweepOrphanChanges deletes change rows whose entity no longer exists
// (deleted sessions and machines) and bumps each affected account's
// changes_floor to the max deleted cursor, forcing clients behind it into a
// snapshot rebuild.
func (s *Store) SweepOrphanChanges(ctx context.Context) (deletedRows, affectedAccounts int, err error) {
	floorByAccount := make(map[string]int64)

	targets := []struct {
		kind  core.ChangeKind
		query string
	}{
		{core.ChangeKindSession, `DELETE FROM account_changes
			WHERE kind = ? AND NOT EXISTS (
				SELECT 1 FROM sessions s WHERE s.id = account_changes.entity_id AND s.deleted_at IS NULL
			) RETURNING account_id, cursor`},
		// Share changes are keyed by session id too.
		{core.ChangeKindShare, `DELETE FROM account_changes
			WHERE kind = ? AND NOT EXISTS (
				SELECT 1 FROM sessions s WHERE s.id = account_changes.entity_id AND s.deleted_at IS NULL
			) RETURNING account_id, cursor`},
		{core.ChangeKindMachine, `DELETE FROM account_changes
			WHERE kind = ? AND NOT EXISTS (
				SELECT 1 FROM machines m WHERE m.id = account_changes.entity_id
			) RETURNING account_id, cursor`},
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, target := range targets {
			rows, err := tx.Query(target.query, string(target.kind))
			if err != nil {
				return fmt.Errorf("prune %s changes: %w", target.kind, err)
			}
			for rows.Next() {
				var accountID string
				var cursor int64
				if err := rows.Scan(&accountID, &cursor); err != nil {
					rows.Close()
					return fmt.Errorf("scan pruned change: %w", err)
				}
				deletedRows++
				if cursor > floorByAccount[accountID] {
					floorByAccount[accountID] = cursor
				}
			}
			if err := rows.Close(); err != nil {
				return fmt.Errorf("prune rows: %w", err)
			}
		}
		for accountID, floor := range floorByAccount {
			if _, err := tx.Exec(
				`UPDATE accounts SET changes_floor = MAX(changes_floor, ?) WHERE id = ?`,
				floor, accountID,
			); err != nil {
				return fmt.Errorf("bump changes floor: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return deletedRows, len(floorByAccount), nil
}
