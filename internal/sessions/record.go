package sessions

import (
	"log/slog"
)

// InboundRecord carries the request-supplied fields for recording an
// inbound message against a session. Zero-valued fields are left
// untouched on the stored entry, so overrides patched out-of-band
// (modelOverride, providerOverride, cliSessionIds, ...) survive races
// with inbound traffic: the mutator only ever writes what this request
// actually sets, against the freshly loaded entry.
type InboundRecord struct {
	SessionKey string
	AgentID    string
	ChatType   string
	Label      string
	SpawnedBy  string

	// Message-level overrides; empty means "do not touch".
	ModelOverride    string
	ProviderOverride string

	NowMillis int64
}

// RecordInbound creates or updates the session entry for an inbound
// message. UpdatedAt is advanced monotonically; all fields not named
// by the record are preserved from the fresh store state.
func RecordInbound(store *Store, rec InboundRecord) error {
	_, err := store.Update(rec.AgentID, func(entries map[string]*Entry) (map[string]*Entry, error) {
		entry, ok := entries[rec.SessionKey]
		if !ok {
			entry = &Entry{
				SessionKey: rec.SessionKey,
				AgentID:    rec.AgentID,
			}
			entries[rec.SessionKey] = entry
		}
		if rec.ChatType != "" {
			entry.ChatType = rec.ChatType
		}
		if rec.Label != "" {
			entry.Label = rec.Label
		}
		if rec.SpawnedBy != "" {
			entry.SpawnedBy = rec.SpawnedBy
		}
		if rec.ModelOverride != "" {
			entry.ModelOverride = rec.ModelOverride
		}
		if rec.ProviderOverride != "" {
			entry.ProviderOverride = rec.ProviderOverride
		}
		entry.Touch(rec.NowMillis)
		return entries, nil
	})
	if err != nil {
		// The inbound still reaches the agent; only the session update
		// is dropped.
		slog.Warn("session: inbound record dropped",
			"session", rec.SessionKey,
			"agent", rec.AgentID,
			"error", err,
		)
		return err
	}
	return nil
}

// MarkAborted flags the session after a failed agent run.
func MarkAborted(store *Store, agentID, sessionKey string, nowMillis int64) {
	if _, err := store.PatchRetry(agentID, sessionKey, func(e *Entry) {
		e.AbortedLastRun = true
		e.Touch(nowMillis)
	}); err != nil {
		slog.Warn("session: aborted flag dropped", "session", sessionKey, "error", err)
	}
}

// AccumulateUsage folds a completed run's token usage into the entry.
func AccumulateUsage(store *Store, agentID, sessionKey string, input, output int64, nowMillis int64) {
	if _, err := store.PatchRetry(agentID, sessionKey, func(e *Entry) {
		e.InputTokens += input
		e.OutputTokens += output
		e.TotalTokens += input + output
		e.AbortedLastRun = false
		e.Touch(nowMillis)
	}); err != nil {
		slog.Warn("session: usage update dropped", "session", sessionKey, "error", err)
	}
}
