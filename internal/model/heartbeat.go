package model

import "time"

// HeartbeatStatus is the coarse activity state the agent reports.
type HeartbeatStatus string

const (
	HeartbeatWorking HeartbeatStatus = "working"
	HeartbeatIdle    HeartbeatStatus = "idle"
	HeartbeatError   HeartbeatStatus = "error"
)

// Heartbeat is written by the running agent through a hook as
// .work/heartbeat/<stage-id>.json and read by the monitor. It is the
// monitor's primary liveness and context-usage signal; loom never
// writes heartbeats itself.
type Heartbeat struct {
	SessionID     string          `json:"session_id"`
	StageID       string          `json:"stage_id"`
	PID           int             `json:"pid,omitempty"`
	LastUpdate    time.Time       `json:"last_update"`
	LastTool      string          `json:"last_tool,omitempty"`
	LastActivity  string          `json:"last_activity,omitempty"`
	ContextTokens int             `json:"context_tokens"`
	ContextLimit  int             `json:"context_limit"`
	Status        HeartbeatStatus `json:"status"`
}

// Age returns the time since the last heartbeat update.
func (h *Heartbeat) Age() time.Duration {
	return time.Since(h.LastUpdate)
}

// IsStale reports whether the heartbeat is older than timeout.
func (h *Heartbeat) IsStale(timeout time.Duration) bool {
	return h.Age() > timeout
}

// ContextUsage returns context_tokens / context_limit, falling back to
// the default limit when the agent did not report one.
func (h *Heartbeat) ContextUsage() float64 {
	limit := h.ContextLimit
	if limit <= 0 {
		limit = DefaultContextLimit
	}
	return float64(h.ContextTokens) / float64(limit)
}
