package client

import "encoding/json"

// Plan is the set of invalidation intents derived from a change page.
// Intents are idempotent and safe to over-apply; the planner errs on the
// side of refreshing more when a hint is unusable.
type Plan struct {
	RefreshSessions bool
	RefreshMachines bool
	RefreshAccount  bool

	// Transcripts lists sessions whose message log needs an afterSeq
	// catch-up fetch; only sessions the client has materialized locally.
	Transcripts []string

	// KVKeys are targeted key re-fetches; KVFull forces a full kv refresh
	// instead.
	KVKeys []string
	KVFull bool
}

func (p Plan) Empty() bool {
	return !p.RefreshSessions && !p.RefreshMachines && !p.RefreshAccount &&
		!p.KVFull && len(p.Transcripts) == 0 && len(p.KVKeys) == 0
}

type kvHint struct {
	Keys []string `json:"keys"`
	Full bool     `json:"full"`
}

// BuildPlan maps change kinds to intents. isMaterialized reports whether a
// session's transcript is loaded locally; unloaded transcripts need no
// catch-up because they will be fetched whole on open.
func BuildPlan(changes []Change, isMaterialized func(sessionID string) bool) Plan {
	var plan Plan
	seenTranscript := make(map[string]bool)

	for _, change := range changes {
		switch change.Kind {
		case "session", "share":
			plan.RefreshSessions = true
			if isMaterialized != nil && isMaterialized(change.EntityID) && !seenTranscript[change.EntityID] {
				seenTranscript[change.EntityID] = true
				plan.Transcripts = append(plan.Transcripts, change.EntityID)
			}
		case "machine":
			plan.RefreshMachines = true
		case "account":
			plan.RefreshAccount = true
		case "kv":
			applyKVHint(&plan, change.Hint)
		default:
			// Unknown kind from a newer relay: refresh the broadest list
			// rather than dropping the change.
			plan.RefreshSessions = true
		}
	}
	return plan
}

func applyKVHint(plan *Plan, hint json.RawMessage) {
	if plan.KVFull {
		return
	}
	if len(hint) == 0 {
		plan.KVFull = true
		plan.KVKeys = nil
		return
	}
	var h kvHint
	if err := json.Unmarshal(hint, &h); err != nil || (!h.Full && len(h.Keys) == 0) {
		// Malformed or future-shaped hint degrades to a full refresh.
		plan.KVFull = true
		plan.KVKeys = nil
		return
	}
	if h.Full {
		plan.KVFull = true
		plan.KVKeys = nil
		return
	}
	plan.KVKeys = append(plan.KVKeys, h.Keys...)
}
