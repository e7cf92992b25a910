// Package relay binds the store to the event router: every durable mutation
// goes through here so the change-log write and the socket fan-out cannot
// drift apart.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mistakeknot/harbor/internal/core"
	"github.com/mistakeknot/harbor/internal/events"
	"github.com/mistakeknot/harbor/internal/storage"
)

// staleLivenessWindow drops keepalives that arrive absurdly late (a laptop
// waking from sleep flushing a queued frame).
const staleLivenessWindow = 10 * time.Minute

type Service struct {
	store  storage.Store
	router *events.Router
}

func New(store storage.Store, router *events.Router) *Service {
	return &Service{store: store, router: router}
}

func (s *Service) Store() storage.Store { return s.store }

func (s *Service) fanOut(ctx context.Context, cursors []core.ParticipantCursor, filter events.RecipientFilter, body json.RawMessage, skipConnID string) {
	for _, pc := range cursors {
		s.router.EmitUpdate(ctx, pc.AccountID, filter, pc.Cursor, body, skipConnID)
	}
}

func (s *Service) CreateSession(ctx context.Context, accountID, metadata string, agentState *string) (core.Session, error) {
	sess, cursors, err := s.store.CreateSession(ctx, accountID, metadata, agentState)
	if err != nil {
		return core.Session{}, err
	}
	s.fanOut(ctx, cursors, events.UserScopedOnly(), events.NewSessionBody(sess), "")
	return sess, nil
}

func (s *Service) DeleteSession(ctx context.Context, actorID, sessionID string) error {
	cursors, err := s.store.DeleteSession(ctx, actorID, sessionID)
	if err != nil {
		return err
	}
	s.fanOut(ctx, cursors, events.AllInterestedInSession(sessionID), events.DeleteSessionBody(sessionID), "")
	return nil
}

func (s *Service) UpdateSessionMetadata(ctx context.Context, actorID, sessionID string, expectedVersion int64, ciphertext, skipConnID string) (*storage.LaneUpdate, error) {
	up, err := s.store.UpdateSessionMetadata(ctx, actorID, sessionID, expectedVersion, ciphertext)
	if err != nil {
		return nil, err
	}
	body := events.UpdateSessionBody(sessionID, &events.LaneValue{Value: up.Value, Version: up.Version}, nil)
	s.fanOut(ctx, up.ParticipantCursors, events.AllInterestedInSession(sessionID), body, skipConnID)
	return up, nil
}

func (s *Service) UpdateSessionAgentState(ctx context.Context, actorID, sessionID string, expectedVersion int64, ciphertext *string, skipConnID string) (*storage.LaneUpdate, error) {
	up, err := s.store.UpdateSessionAgentState(ctx, actorID, sessionID, expectedVersion, ciphertext)
	if err != nil {
		return nil, err
	}
	body := events.UpdateSessionBody(sessionID, nil, &events.LaneValue{Value: up.Value, Version: up.Version})
	s.fanOut(ctx, up.ParticipantCursors, events.AllInterestedInSession(sessionID), body, skipConnID)
	return up, nil
}

func (s *Service) PatchSession(ctx context.Context, actorID, sessionID string, metadata, agentState *storage.LanePatch, skipConnID string) (*storage.PatchUpdate, error) {
	up, err := s.store.PatchSession(ctx, actorID, sessionID, metadata, agentState)
	if err != nil {
		return nil, err
	}
	var metaLane, stateLane *events.LaneValue
	if up.Metadata != nil {
		metaLane = &events.LaneValue{Value: up.Metadata.Value, Version: up.Metadata.Version}
	}
	if up.AgentState != nil {
		stateLane = &events.LaneValue{Value: up.AgentState.Value, Version: up.AgentState.Version}
	}
	body := events.UpdateSessionBody(sessionID, metaLane, stateLane)
	s.fanOut(ctx, up.ParticipantCursors, events.AllInterestedInSession(sessionID), body, skipConnID)
	return up, nil
}

// PostMessage appends a message and fans it out. A deduplicated append
// (localID already seen) emits nothing: the recipients got the original.
func (s *Service) PostMessage(ctx context.Context, actorID, sessionID, ciphertext string, localID *string, skipConnID string) (*storage.AppendResult, error) {
	res, err := s.store.AppendSessionMessage(ctx, actorID, sessionID, ciphertext, localID)
	if err != nil {
		return nil, err
	}
	if res.DidWrite {
		body := events.NewMessageBody(sessionID, res.Message)
		s.fanOut(ctx, res.ParticipantCursors, events.AllInterestedInSession(sessionID), body, skipConnID)
	}
	return res, nil
}

func (s *Service) CreateMachine(ctx context.Context, accountID, machineID, metadata string, daemonState *string) (core.Machine, error) {
	machine, cursors, err := s.store.CreateMachine(ctx, accountID, machineID, metadata, daemonState)
	if err != nil {
		return core.Machine{}, err
	}
	s.fanOut(ctx, cursors, events.UserScopedOnly(), events.NewMachineBody(machine), "")
	return machine, nil
}

func (s *Service) UpdateMachineMetadata(ctx context.Context, actorID, machineID string, expectedVersion int64, ciphertext, skipConnID string) (*storage.LaneUpdate, error) {
	up, err := s.store.UpdateMachineMetadata(ctx, actorID, machineID, expectedVersion, ciphertext)
	if err != nil {
		return nil, err
	}
	body := events.UpdateMachineBody(machineID, &events.LaneValue{Value: up.Value, Version: up.Version}, nil)
	s.fanOut(ctx, up.ParticipantCursors, events.MachineScopedOnly(machineID), body, skipConnID)
	return up, nil
}

func (s *Service) UpdateMachineDaemonState(ctx context.Context, actorID, machineID string, expectedVersion int64, ciphertext *string, skipConnID string) (*storage.LaneUpdate, error) {
	up, err := s.store.UpdateMachineDaemonState(ctx, actorID, machineID, expectedVersion, ciphertext)
	if err != nil {
		return nil, err
	}
	body := events.UpdateMachineBody(machineID, nil, &events.LaneValue{Value: up.Value, Version: up.Version})
	s.fanOut(ctx, up.ParticipantCursors, events.MachineScopedOnly(machineID), body, skipConnID)
	return up, nil
}

// clampLivenessTime validates a client-reported liveness timestamp: future
// times clamp to now, times older than the window are dropped.
func clampLivenessTime(at time.Time, now time.Time) (time.Time, bool) {
	if at.After(now) {
		return now, true
	}
	if now.Sub(at) > staleLivenessWindow {
		return time.Time{}, false
	}
	return at, true
}

func (s *Service) SessionAlive(ctx context.Context, accountID, sessionID string, at time.Time, thinking bool, skipConnID string) error {
	clamped, ok := clampLivenessTime(at, time.Now().UTC())
	if !ok {
		return nil
	}
	if err := s.store.MarkSessionAlive(ctx, accountID, sessionID, clamped); err != nil {
		return err
	}
	payload := events.SessionActivityEphemeral(sessionID, true, clamped.UnixMilli(), thinking)
	s.router.EmitEphemeral(ctx, accountID, events.AllUserConnections(), payload, skipConnID)
	return nil
}

func (s *Service) SessionEnd(ctx context.Context, accountID, sessionID string, at time.Time, skipConnID string) error {
	clamped, ok := clampLivenessTime(at, time.Now().UTC())
	if !ok {
		clamped = time.Now().UTC()
	}
	if err := s.store.MarkSessionEnded(ctx, accountID, sessionID, clamped); err != nil {
		return err
	}
	payload := events.SessionActivityEphemeral(sessionID, false, clamped.UnixMilli(), false)
	s.router.EmitEphemeral(ctx, accountID, events.AllUserConnections(), payload, skipConnID)
	return nil
}

func (s *Service) MachineAlive(ctx context.Context, accountID, machineID string, at time.Time, skipConnID string) error {
	clamped, ok := clampLivenessTime(at, time.Now().UTC())
	if !ok {
		return nil
	}
	if err := s.store.MarkMachineAlive(ctx, accountID, machineID, clamped); err != nil {
		return err
	}
	payload := events.MachineActivityEphemeral(machineID, true, clamped.UnixMilli())
	s.router.EmitEphemeral(ctx, accountID, events.AllUserConnections(), payload, skipConnID)
	return nil
}

func (s *Service) ShareSession(ctx context.Context, actorID, sessionID, withAccountID string, level core.AccessLevel) error {
	owner, err := s.store.SessionOwner(ctx, sessionID)
	if err != nil {
		return err
	}
	if owner != actorID {
		return core.ErrForbidden
	}
	cursors, err := s.store.ShareSession(ctx, sessionID, withAccountID, level)
	if err != nil {
		return err
	}
	// The grantee's devices learn about the session via catch-up; push a
	// new-session to them and a share notice to everyone else.
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, pc := range cursors {
		if pc.AccountID == withAccountID {
			s.router.EmitUpdate(ctx, pc.AccountID, events.UserScopedOnly(), pc.Cursor, events.NewSessionBody(sess), "")
		}
	}
	return nil
}
