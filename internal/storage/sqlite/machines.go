package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/storage"
)

const machineColumns = `id, account_id, metadata, metadata_version, daemon_state,
	daemon_state_version, active, last_active_at, created_at, updated_at`

func scanMachine(row rowScanner) (core.Machine, error) {
	var (
		m                                  core.Machine
		lastActiveAt, createdAt, updatedAt string
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.Metadata, &m.MetadataVersion, &m.DaemonState,
		&m.DaemonStateVersion, &m.Active, &lastActiveAt, &createdAt, &updatedAt)
	if err != nil {
		return core.Machine{}, err
	}
	m.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActiveAt)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return m, nil
}

func getMachineTx(tx *sql.Tx, accountID, id string) (core.Machine, error) {
	row := tx.QueryRow(`SELECT `+machineColumns+` FROM machines WHERE account_id = ? AND id = ?`, accountID, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Machine{}, core.ErrMachineNotFound
	}
	if err != nil {
		return core.Machine{}, fmt.Errorf("select machine: %w", err)
	}
	return m, nil
}

// CreateMachine registers a machine under the account. The machine id is
// client-chosen (a stable hardware identity), so creation is an upsert: a
// repeat create refreshes metadata only when the machine is brand new,
// otherwise the existing row wins and no change is recorded.
func (s *Store) CreateMachine(ctx context.Context, accountID, machineID, metadata string, daemonState *string) (core.Machine, []core.ParticipantCursor, error) {
	if accountID == "" || machineID == "" {
		return core.Machine{}, nil, core.ErrInvalidParams
	}
	var (
		machine core.Machine
		cursors []core.ParticipantCursor
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.createAccountTx(tx, accountID); err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.Exec(
			`INSERT INTO machines (id, account_id, metadata, metadata_version, daemon_state,
				daemon_state_version, active, last_active_at, created_at, updated_at)
			 VALUES (?, ?, ?, 1, ?, ?, 1, ?, ?, ?)
			 ON CONFLICT(account_id, id) DO NOTHING`,
			machineID, accountID, metadata, daemonState, agentStateVersion(daemonState), now, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert machine: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cursors, err = markParticipantsChanged(tx, []string{accountID}, core.ChangeKindMachine, machineID, nil)
			if err != nil {
				return err
			}
		}
		machine, err = getMachineTx(tx, accountID, machineID)
		return err
	})
	if err != nil {
		return core.Machine{}, nil, err
	}
	return machine, cursors, nil
}

func (s *Store) GetMachine(ctx context.Context, accountID, id string) (core.Machine, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE account_id = ? AND id = ?`, accountID, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Machine{}, core.ErrMachineNotFound
	}
	if err != nil {
		return core.Machine{}, fmt.Errorf("select machine: %w", err)
	}
	return m, nil
}

func (s *Store) ListMachines(ctx context.Context, accountID string) ([]core.Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE account_id = ? ORDER BY id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()
	var machines []core.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// updateMachineLane is the machine counterpart of updateSessionLane. Machines
// are never shared, so the actor must be the owning account.
func (s *Store) updateMachineLane(ctx context.Context, actorID, machineID string, expectedVersion int64, value *string, lane string) (*storage.LaneUpdate, error) {
	if expectedVersion < 0 {
		return nil, core.ErrInvalidParams
	}
	var update *storage.LaneUpdate
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		machine, err := getMachineTx(tx, actorID, machineID)
		if err != nil {
			return err
		}
		current, currentValue := machineLaneOf(machine, lane)
		if current != expectedVersion {
			return &core.VersionMismatchError{Version: current, Value: currentValue}
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.Exec(
			`UPDATE machines SET `+lane+` = ?, `+lane+`_version = `+lane+`_version + 1, updated_at = ?
			 WHERE account_id = ? AND id = ? AND `+lane+`_version = ?`,
			value, now, actorID, machineID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update machine %s: %w", lane, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			fresh, err := getMachineTx(tx, actorID, machineID)
			if err != nil {
				return err
			}
			v, val := machineLaneOf(fresh, lane)
			return &core.VersionMismatchError{Version: v, Value: val}
		}
		cursors, err := markParticipantsChanged(tx, []string{actorID}, core.ChangeKindMachine, machineID, nil)
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

func machineLaneOf(m core.Machine, lane string) (int64, *string) {
	if lane == "daemon_state" {
		return m.DaemonStateVersion, m.DaemonState
	}
	metadata := m.Metadata
	return m.MetadataVersion, &metadata
}

func (s *Store) UpdateMachineMetadata(ctx context.Context, actorID, machineID string, expectedVersion int64, ciphertext string) (*storage.LaneUpdate, error) {
	return s.updateMachineLane(ctx, actorID, machineID, expectedVersion, &ciphertext, "metadata")
}

func (s *Store) UpdateMachineDaemonState(ctx context.Context, actorID, machineID string, expectedVersion int64, ciphertext *string) (*storage.LaneUpdate, error) {
	return s.updateMachineLane(ctx, actorID, machineID, expectedVersion, ciphertext, "daemon_state")
}

func (s *Store) MarkMachineAlive(ctx context.Context, accountID, machineID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET active = 1, last_active_at = ? WHERE account_id = ? AND id = ?`,
		at.UTC().Format(time.RFC3339Nano), accountID, machineID,
	)
	if err != nil {
		return fmt.Errorf("mark machine alive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrMachineNotFound
	}
	return nil
}
