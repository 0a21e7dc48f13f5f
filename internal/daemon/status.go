package daemon

import (
	"time"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
)

// StageStatus is the wire view of one stage in a status push.
type StageStatus struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Status        model.StageStatus `json:"status"`
	Merged        bool              `json:"merged"`
	MergeConflict bool              `json:"merge_conflict,omitempty"`
	RetryCount    int               `json:"retry_count,omitempty"`
	FailureType   string            `json:"failure_type,omitempty"`
	ReviewReason  string            `json:"review_reason,omitempty"`
	Session       string            `json:"session,omitempty"`
	Dependencies  []string          `json:"dependencies,omitempty"`
}

// SessionStatus is the wire view of one session in a status push.
type SessionStatus struct {
	ID           string              `json:"id"`
	StageID      string              `json:"stage_id,omitempty"`
	SessionType  model.SessionType   `json:"session_type"`
	Status       model.SessionStatus `json:"status"`
	TmuxSession  string              `json:"tmux_session,omitempty"`
	PID          int                 `json:"pid,omitempty"`
	ContextUsage float64             `json:"context_usage,omitempty"`
}

// StatusSnapshot is the payload for status pushes.
type StatusSnapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Stages      []StageStatus   `json:"stages"`
	Sessions    []SessionStatus `json:"sessions,omitempty"`
}

// Snapshot reads the workspace into a StatusSnapshot.
func Snapshot(st *store.Store) (*StatusSnapshot, error) {
	stages, err := st.ListStages()
	if err != nil {
		return nil, err
	}
	snap := &StatusSnapshot{GeneratedAt: time.Now().UTC()}
	for _, s := range stages {
		ss := StageStatus{
			ID:            s.ID,
			Name:          s.Name,
			Status:        s.Status,
			Merged:        s.Merged,
			MergeConflict: s.MergeConflict,
			RetryCount:    s.RetryCount,
			ReviewReason:  s.ReviewReason,
			Session:       s.Session,
			Dependencies:  s.Dependencies,
		}
		if s.FailureInfo != nil {
			ss.FailureType = string(s.FailureInfo.FailureType)
		}
		snap.Stages = append(snap.Stages, ss)
	}
	sessions, err := st.ListSessions()
	if err != nil {
		return snap, nil
	}
	for _, sess := range sessions {
		if sess.Status.IsTerminal() {
			continue
		}
		snap.Sessions = append(snap.Sessions, SessionStatus{
			ID:           sess.ID,
			StageID:      sess.StageID,
			SessionType:  sess.SessionType,
			Status:       sess.Status,
			TmuxSession:  sess.TmuxSession,
			PID:          sess.PID,
			ContextUsage: sess.ContextUsage(),
		})
	}
	return snap, nil
}
