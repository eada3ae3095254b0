// Package observerproto is the wire format of the tick-anchor stream served
// to observers of a running session.
package observerproto

import "labkit.ai/internal/srz"

// Version is the observer protocol version.
const Version = "1.0"

// Message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
	TypeDone      = "DONE"
	TypeRefused   = "REFUSED"
)

// Client -> Server. First message on the connection. Ticks before FromTick
// are not replayed.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	FromTick        int64  `json:"from_tick"`
	// Decisions asks for the accepted and dropped rows on every tick.
	Decisions bool `json:"decisions,omitempty"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string            `json:"protocol_version"`
	SaveID          string            `json:"save_id"`
	BundleID        string            `json:"bundle_id"`
	BootRunID       string            `json:"boot_run_id"`
	LensID          string            `json:"lens_id"`
	PackLockHash    string            `json:"pack_lock_hash"`
	RegistryHashes  map[string]string `json:"registry_hashes"`
	StartTick       int64             `json:"start_tick"`
	Tick            int64             `json:"tick"`
	Done            bool              `json:"done"`
}

// Server -> Client. One per committed batch.
type TickMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Tick            int64          `json:"tick"`
	SnapshotHash    string         `json:"snapshot_hash"`
	StateHash       string         `json:"state_hash"`
	TickHash        string         `json:"tick_hash"`
	CompositeHash   string         `json:"composite_hash"`
	CheckpointHash  string         `json:"checkpoint_hash,omitempty"`
	AcceptedCount   int            `json:"accepted_count"`
	DroppedCount    int            `json:"dropped_count"`
	Accepted        []srz.Decision `json:"accepted,omitempty"`
	Dropped         []srz.Decision `json:"dropped,omitempty"`
}

// Server -> Client. Last message of a completed run.
type DoneMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	FinalTick       int64  `json:"final_tick"`
	FinalStateHash  string `json:"final_state_hash"`
	CompositeHash   string `json:"composite_hash"`
}

// Server -> Client. Last message of a refused run.
type RefusedMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ReasonCode      string            `json:"reason_code"`
	Message         string            `json:"message"`
	RelevantIDs     map[string]string `json:"relevant_ids,omitempty"`
}

// NewTick converts a scheduler record.
func NewTick(rec srz.TickRecord, decisions bool) TickMsg {
	m := TickMsg{
		Type:            TypeTick,
		ProtocolVersion: Version,
		Tick:            rec.Tick,
		SnapshotHash:    rec.SnapshotHash,
		StateHash:       rec.StateHash,
		TickHash:        rec.TickHash,
		CompositeHash:   rec.CompositeHash,
		CheckpointHash:  rec.CheckpointHash,
		AcceptedCount:   len(rec.Accepted),
		DroppedCount:    len(rec.Dropped),
	}
	if decisions {
		m.Accepted, m.Dropped = rec.Accepted, rec.Dropped
	}
	return m
}
