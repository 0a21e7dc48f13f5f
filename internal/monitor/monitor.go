// Package monitor watches sessions, heartbeats, and stage files, and
// turns what it sees into events for the orchestrator. It never writes
// stage state itself apart from marking sessions that exited cleanly;
// all scheduling decisions belong to the orchestrator.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/handoff"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/terminal"
)

// outputCapturer is implemented by backends that can dump a session's
// terminal contents for crash evidence.
type outputCapturer interface {
	CaptureOutput(session *model.Session) (string, error)
}

// Monitor polls the workspace on a fixed interval. A filesystem watch
// on the stages directory shortens the latency of externally-authored
// transitions; it only nudges the next scan, correctness never depends
// on it.
type Monitor struct {
	store    *store.Store
	backend  terminal.Backend
	handoffs *handoff.Store
	cfg      config.MonitorConfig
	log      *logging.Logger
	tracker  *failureTracker

	mu     sync.Mutex
	events []Event

	prevStatus   map[string]model.StageStatus
	warned       map[string]bool
	critical     map[string]bool
	handoffSeen  map[string]int
	hungReported map[string]bool
	idleReported map[string]bool
}

// New creates a Monitor.
func New(st *store.Store, backend terminal.Backend, cfg config.MonitorConfig, escalationLimit int, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.Discard()
	}
	return &Monitor{
		store:        st,
		backend:      backend,
		handoffs:     handoff.NewStore(st.Root()),
		cfg:          cfg,
		log:          log,
		tracker:      newFailureTracker(escalationLimit),
		prevStatus:   make(map[string]model.StageStatus),
		warned:       make(map[string]bool),
		critical:     make(map[string]bool),
		handoffSeen:  make(map[string]int),
		hungReported: make(map[string]bool),
		idleReported: make(map[string]bool),
	}
}

// Watch returns a channel that is nudged whenever a stage file changes,
// so the run loop can tick ahead of the poll interval when an external
// transition lands. The channel stays silent if the watch cannot be
// established; polling still covers everything.
func (m *Monitor) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return ch
	}
	if err := w.Add(store.StagesDir(m.store.Root())); err != nil {
		w.Close()
		return ch
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch
}

// Drain returns all events observed since the last call, oldest first.
func (m *Monitor) Drain() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.events
	m.events = nil
	return out
}

// ResetFailures clears a stage's consecutive-failure count. The
// orchestrator calls this when a stage completes.
func (m *Monitor) ResetFailures(stageID string) {
	m.tracker.reset(stageID)
}

// Scan performs one pass over stages, sessions, and heartbeats.
func (m *Monitor) Scan() {
	now := time.Now().UTC()
	m.scanStages(now)
	m.scanSessions(now)
	m.scanHeartbeats(now)
}

// scanStages detects externally-authored stage transitions.
func (m *Monitor) scanStages(now time.Time) {
	stages, err := m.store.ListStages()
	if err != nil {
		m.log.Warn("stage scan failed", "error", err)
		return
	}
	for _, s := range stages {
		prev, seen := m.prevStatus[s.ID]
		m.prevStatus[s.ID] = s.Status
		if !seen || prev == s.Status {
			continue
		}

		switch {
		case s.Status == model.StatusCompleted && !s.Merged:
			m.emit(Event{Kind: EventStageCompleted, StageID: s.ID, DetectedAt: now})
			m.tracker.reset(s.ID)
		case prev == model.StatusMergeConflict && s.Status != model.StatusMergeConflict:
			m.emit(Event{Kind: EventMergeSessionCompleted, StageID: s.ID, DetectedAt: now})
		case s.Status == model.StatusNeedsHumanReview:
			m.emit(Event{Kind: EventHumanReview, StageID: s.ID, Evidence: s.ReviewReason, DetectedAt: now})
		}
	}
}

// scanSessions checks process liveness for every non-terminal session.
func (m *Monitor) scanSessions(now time.Time) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		m.log.Warn("session scan failed", "error", err)
		return
	}
	for _, sess := range sessions {
		if sess.Status.IsTerminal() {
			continue
		}
		// Manual-mode sessions have no process binding to check.
		if sess.TmuxSession == "" && sess.PID == 0 {
			continue
		}
		if m.backend.SessionIsAlive(sess) {
			if sess.Status == model.SessionSpawning {
				_ = sess.TryTransition(model.SessionRunning)
				_ = m.store.SaveSession(sess)
			}
			continue
		}

		if sess.IsMergeSession() {
			_ = sess.TryTransition(model.SessionCompleted)
			_ = m.store.SaveSession(sess)
			m.emit(Event{Kind: EventMergeSessionCompleted, StageID: sess.StageID, SessionID: sess.ID, DetectedAt: now})
			continue
		}

		stage, serr := m.store.LoadStage(sess.StageID)
		if serr == nil && sessionEndedCleanly(stage.Status) {
			_ = sess.TryTransition(model.SessionCompleted)
			_ = m.store.SaveSession(sess)
			continue
		}

		evidence := m.gatherEvidence(sess)
		_ = sess.TryTransition(model.SessionCrashed)
		_ = m.store.SaveSession(sess)
		escalate := m.tracker.record(sess.StageID)
		m.log.Warn("session crashed", "session", sess.ID, "stage", sess.StageID, "escalate", escalate)
		m.emit(Event{
			Kind:       EventSessionCrashed,
			StageID:    sess.StageID,
			SessionID:  sess.ID,
			Evidence:   evidence,
			Escalate:   escalate,
			DetectedAt: now,
		})
	}
}

// scanHeartbeats evaluates context thresholds, handoff files, and hang
// detection from agent heartbeats.
func (m *Monitor) scanHeartbeats(now time.Time) {
	beats, err := m.store.ListHeartbeats()
	if err != nil {
		m.log.Warn("heartbeat scan failed", "error", err)
		return
	}
	for _, hb := range beats {
		if hb.IsStale(m.cfg.HungTimeout()) {
			if m.hungReported[hb.SessionID] {
				continue
			}
			sess, serr := m.store.LoadSession(hb.SessionID)
			if serr != nil || sess.Status.IsTerminal() {
				continue
			}
			if m.backend.SessionIsAlive(sess) {
				m.hungReported[hb.SessionID] = true
				escalate := m.tracker.record(hb.StageID)
				m.emit(Event{
					Kind:       EventSessionHung,
					StageID:    hb.StageID,
					SessionID:  hb.SessionID,
					Evidence:   "heartbeat stale since " + hb.LastUpdate.Format(time.RFC3339) + "; last activity: " + hb.LastActivity,
					Escalate:   escalate,
					DetectedAt: now,
				})
			}
			continue
		}
		delete(m.hungReported, hb.SessionID)

		m.checkIdle(hb, now)

		usage := hb.ContextUsage()
		if usage >= m.cfg.ContextCriticalThreshold && !m.critical[hb.SessionID] {
			m.critical[hb.SessionID] = true
			m.emit(Event{Kind: EventContextCritical, StageID: hb.StageID, SessionID: hb.SessionID, ContextUsage: usage, DetectedAt: now})
		} else if usage >= m.cfg.ContextWarningThreshold && !m.warned[hb.SessionID] {
			m.warned[hb.SessionID] = true
			m.emit(Event{Kind: EventContextWarning, StageID: hb.StageID, SessionID: hb.SessionID, ContextUsage: usage, DetectedAt: now})
		}

		m.checkHandoff(hb.StageID, now)
	}
}

// checkIdle tracks idle episodes per session. One event fires when a
// fresh heartbeat first reports idle, and one when activity resumes.
func (m *Monitor) checkIdle(hb *model.Heartbeat, now time.Time) {
	if hb.Status == model.HeartbeatIdle {
		if m.idleReported[hb.SessionID] {
			return
		}
		sess, err := m.store.LoadSession(hb.SessionID)
		if err != nil || sess.Status.IsTerminal() {
			return
		}
		m.idleReported[hb.SessionID] = true
		m.emit(Event{
			Kind:       EventWaitingForInput,
			StageID:    hb.StageID,
			SessionID:  hb.SessionID,
			Evidence:   hb.LastActivity,
			DetectedAt: now,
		})
		return
	}
	if m.idleReported[hb.SessionID] {
		delete(m.idleReported, hb.SessionID)
		m.emit(Event{Kind: EventInputReceived, StageID: hb.StageID, SessionID: hb.SessionID, DetectedAt: now})
	}
}

// checkHandoff fires once per newly-written handoff file. The first
// observation of a stage only seeds the count: handoffs that predate
// this monitor were already acted on before a restart, and replaying
// them would kill the healthy continuation session.
func (m *Monitor) checkHandoff(stageID string, now time.Time) {
	paths, err := m.handoffs.List(stageID)
	if err != nil {
		return
	}
	prev, seen := m.handoffSeen[stageID]
	m.handoffSeen[stageID] = len(paths)
	if !seen || len(paths) <= prev {
		return
	}
	m.emit(Event{
		Kind:        EventNeedsHandoff,
		StageID:     stageID,
		HandoffPath: paths[len(paths)-1],
		DetectedAt:  now,
	})
}

// gatherEvidence collects free text for failure classification.
func (m *Monitor) gatherEvidence(sess *model.Session) string {
	var parts []string
	if hb, err := m.store.LoadHeartbeat(sess.StageID); err == nil {
		if hb.LastActivity != "" {
			parts = append(parts, "last activity: "+hb.LastActivity)
		}
		if hb.LastTool != "" {
			parts = append(parts, "last tool: "+hb.LastTool)
		}
	}
	if capturer, ok := m.backend.(outputCapturer); ok {
		if out, err := capturer.CaptureOutput(sess); err == nil && out != "" {
			parts = append(parts, tail(out, 4000))
		}
	}
	return strings.Join(parts, "\n")
}

// sessionEndedCleanly reports whether a stage status explains a session
// exiting without a crash.
func sessionEndedCleanly(st model.StageStatus) bool {
	switch st {
	case model.StatusCompleted, model.StatusCompletedWithFailures, model.StatusVerified,
		model.StatusNeedsHandoff, model.StatusNeedsHumanReview, model.StatusMergeConflict,
		model.StatusMergeBlocked, model.StatusSkipped, model.StatusBlocked:
		return true
	}
	return false
}

func (m *Monitor) emit(e Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
