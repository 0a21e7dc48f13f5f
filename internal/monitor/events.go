package monitor

import "time"

// EventKind enumerates everything the monitor can report.
type EventKind string

const (
	// EventStageCompleted fires when a stage file transitions to
	// completed with its work not yet merged.
	EventStageCompleted EventKind = "stage-completed"
	// EventSessionCrashed fires when a session's process is gone but its
	// stage did not finish.
	EventSessionCrashed EventKind = "session-crashed"
	// EventSessionHung fires when a live session's heartbeat goes stale.
	EventSessionHung EventKind = "session-hung"
	// EventContextWarning and EventContextCritical fire as a session's
	// context usage crosses the configured thresholds.
	EventContextWarning  EventKind = "context-warning"
	EventContextCritical EventKind = "context-critical"
	// EventNeedsHandoff fires when a session writes a handoff file.
	EventNeedsHandoff EventKind = "needs-handoff"
	// EventWaitingForInput fires when a fresh heartbeat reports the
	// agent idle; EventInputReceived fires when it reports working
	// again.
	EventWaitingForInput EventKind = "waiting-for-input"
	EventInputReceived   EventKind = "input-received"
	// EventMergeSessionCompleted fires when a merge-resolution session
	// exits or when an external edit moves a conflicted stage forward.
	EventMergeSessionCompleted EventKind = "merge-session-completed"
	// EventHumanReview fires when a stage enters needs-human-review.
	EventHumanReview EventKind = "human-review"
)

// Event is one observation from the monitor. DetectedAt orders events
// within a tick.
type Event struct {
	Kind       EventKind
	StageID    string
	SessionID  string
	Evidence   string
	// Escalate is set on crash events once the stage's consecutive
	// failures reach the escalation limit.
	Escalate     bool
	ContextUsage float64
	HandoffPath  string
	DetectedAt   time.Time
}

// failureTracker counts consecutive failures per stage in memory.
// Restarting the orchestrator resets the counts; persistent retry
// limits live on the stage itself.
type failureTracker struct {
	counts map[string]int
	limit  int
}

func newFailureTracker(limit int) *failureTracker {
	return &failureTracker{counts: make(map[string]int), limit: limit}
}

// record registers a failure and reports whether the stage should be
// escalated to a permanent block.
func (t *failureTracker) record(stageID string) bool {
	t.counts[stageID]++
	return t.counts[stageID] >= t.limit
}

// reset clears a stage's count after it makes progress.
func (t *failureTracker) reset(stageID string) {
	delete(t.counts, stageID)
}
