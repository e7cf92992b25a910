package events

import "fmt"

// Room naming scheme. Session rooms come in two flavors: the shared
// session room spans accounts (a session's owner and every grantee's agents
// meet there), while the account-qualified room carries per-account traffic
// such as update containers, whose seq is only meaningful to one account.
func UserRoom(accountID string) string {
	return "user:" + accountID
}

func UserScopedRoom(accountID string) string {
	return "user-scoped:" + accountID
}

func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

func SessionScopedRoom(sessionID, accountID string) string {
	return fmt.Sprintf("session:%s:%s", sessionID, accountID)
}

func MachineRoom(machineID, accountID string) string {
	return fmt.Sprintf("machine:%s:%s", machineID, accountID)
}

// FilterScope selects the recipient set for an emitted event, always within
// one account.
type FilterScope string

const (
	// ScopeUserScopedOnly targets interactive devices only.
	ScopeUserScopedOnly FilterScope = "user-scoped-only"
	// ScopeSessionInterested targets the session's agents plus the
	// account's interactive devices.
	ScopeSessionInterested FilterScope = "all-interested-in-session"
	// ScopeMachineScoped targets the machine's daemon plus the account's
	// interactive devices.
	ScopeMachineScoped FilterScope = "machine-scoped-only"
	// ScopeAllUserConnections targets every authenticated socket of the
	// account regardless of type. Ephemeral payloads only.
	ScopeAllUserConnections FilterScope = "all-user-authenticated-connections"
)

// RecipientFilter pairs a scope with the entity it refers to.
type RecipientFilter struct {
	Scope     FilterScope
	SessionID string
	MachineID string
}

func UserScopedOnly() RecipientFilter {
	return RecipientFilter{Scope: ScopeUserScopedOnly}
}

func AllInterestedInSession(sessionID string) RecipientFilter {
	return RecipientFilter{Scope: ScopeSessionInterested, SessionID: sessionID}
}

func MachineScopedOnly(machineID string) RecipientFilter {
	return RecipientFilter{Scope: ScopeMachineScoped, MachineID: machineID}
}

func AllUserConnections() RecipientFilter {
	return RecipientFilter{Scope: ScopeAllUserConnections}
}

// TargetRooms resolves the filter to concrete rooms for one account.
func (f RecipientFilter) TargetRooms(accountID string) []string {
	switch f.Scope {
	case ScopeSessionInterested:
		return []string{SessionScopedRoom(f.SessionID, accountID), UserScopedRoom(accountID)}
	case ScopeMachineScoped:
		return []string{MachineRoom(f.MachineID, accountID), UserScopedRoom(accountID)}
	case ScopeAllUserConnections:
		return []string{UserRoom(accountID)}
	default:
		return []string{UserScopedRoom(accountID)}
	}
}
