// Package store is loom's sole persistence layer. Stages and sessions are
// stored one-per-file as markdown with YAML frontmatter under .work/;
// heartbeats are JSON written by the agent; signals and handoffs are plain
// markdown documents owned by their generators. All writes are atomic
// (temp file + fsync + rename) so a crash never leaves a half-written
// entity visible.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/model"
)

// Store gives typed read/write access to the workspace state files.
// It is safe for concurrent use within one process; cross-process
// ownership is by convention (one writer per file at a time).
type Store struct {
	root string
	mu   sync.RWMutex
}

// New creates a Store rooted at the repository root. It does not create
// any directories; call Init for that.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the repository root this store is bound to.
func (s *Store) Root() string { return s.root }

// Init creates the .work directory tree.
func (s *Store) Init() error {
	for _, dir := range []string{
		WorkDir(s.root),
		StagesDir(s.root),
		SessionsDir(s.root),
		SignalsDir(s.root),
		HeartbeatDir(s.root),
		HandoffsDir(s.root),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Initialized reports whether the workspace has been set up.
func (s *Store) Initialized() bool {
	info, err := os.Stat(WorkDir(s.root))
	return err == nil && info.IsDir()
}

// ----------------------------------------------------------------------------
// Stages
// ----------------------------------------------------------------------------

// SaveStage persists a stage, regenerating its prose body.
func (s *Store) SaveStage(stage *model.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stage.ID == "" {
		return errors.NewValidationError("stage id", "must not be empty")
	}
	data, err := encodeFrontmatter(stage, stageBody(stage))
	if err != nil {
		return err
	}
	return atomicWriteFile(s.stagePath(stage.ID), data, 0o644)
}

// LoadStage reads a stage by id. Returns errors.ErrNotFound if no file
// exists, errors.ErrParse for malformed frontmatter.
func (s *Store) LoadStage(id string) (*model.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.stagePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("stage %s: %w", id, errors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read stage %s: %w", id, err)
	}
	var stage model.Stage
	if err := decodeFrontmatter(data, &stage); err != nil {
		return nil, fmt.Errorf("stage %s: %w", id, err)
	}
	stage.Status = model.NormalizeStageStatus(string(stage.Status))
	if stage.ID == "" || !stage.Status.IsKnown() {
		return nil, fmt.Errorf("stage %s: %w: missing id or unknown status %q", id, errors.ErrParse, stage.Status)
	}
	return &stage, nil
}

// ListStages returns all stages sorted by id.
func (s *Store) ListStages() ([]*model.Stage, error) {
	ids, err := s.listIDs(StagesDir(s.root), ".md")
	if err != nil {
		return nil, err
	}
	stages := make([]*model.Stage, 0, len(ids))
	for _, id := range ids {
		stage, err := s.LoadStage(id)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// DeleteStage removes a stage file.
func (s *Store) DeleteStage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeEntity(s.stagePath(id))
}

// StageExists reports whether a stage file exists.
func (s *Store) StageExists(id string) bool {
	_, err := os.Stat(s.stagePath(id))
	return err == nil
}

func (s *Store) stagePath(id string) string {
	return filepath.Join(StagesDir(s.root), id+".md")
}

// ----------------------------------------------------------------------------
// Sessions
// ----------------------------------------------------------------------------

// SaveSession persists a session.
func (s *Store) SaveSession(sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		return errors.NewValidationError("session id", "must not be empty")
	}
	data, err := encodeFrontmatter(sess, sessionBody(sess))
	if err != nil {
		return err
	}
	return atomicWriteFile(s.sessionPath(sess.ID), data, 0o644)
}

// LoadSession reads a session by id.
func (s *Store) LoadSession(id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", id, errors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	var sess model.Session
	if err := decodeFrontmatter(data, &sess); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.ID == "" {
		return nil, fmt.Errorf("session %s: %w: missing id", id, errors.ErrParse)
	}
	return &sess, nil
}

// ListSessions returns all sessions sorted by id.
func (s *Store) ListSessions() ([]*model.Session, error) {
	ids, err := s.listIDs(SessionsDir(s.root), ".md")
	if err != nil {
		return nil, err
	}
	sessions := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.LoadSession(id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// DeleteSession removes a session file. Session files are deleted when
// the session is killed.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeEntity(s.sessionPath(id))
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(SessionsDir(s.root), id+".md")
}

// ----------------------------------------------------------------------------
// Heartbeats
// ----------------------------------------------------------------------------

// LoadHeartbeat reads the heartbeat for a stage. Heartbeats are written
// by the agent; loom only reads and deletes them.
func (s *Store) LoadHeartbeat(stageID string) (*model.Heartbeat, error) {
	data, err := os.ReadFile(s.HeartbeatPath(stageID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("heartbeat %s: %w", stageID, errors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read heartbeat %s: %w", stageID, err)
	}
	var hb model.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("heartbeat %s: %w: %v", stageID, errors.ErrParse, err)
	}
	return &hb, nil
}

// ListHeartbeats returns heartbeats for all stages that have one.
func (s *Store) ListHeartbeats() ([]*model.Heartbeat, error) {
	ids, err := s.listIDs(HeartbeatDir(s.root), ".json")
	if err != nil {
		return nil, err
	}
	out := make([]*model.Heartbeat, 0, len(ids))
	for _, id := range ids {
		hb, err := s.LoadHeartbeat(id)
		if err != nil {
			// A partially written heartbeat is retried next tick.
			continue
		}
		out = append(out, hb)
	}
	return out, nil
}

// DeleteHeartbeat removes a stage's heartbeat file.
func (s *Store) DeleteHeartbeat(stageID string) error {
	return removeEntity(s.HeartbeatPath(stageID))
}

// HeartbeatPath returns the heartbeat file path for a stage.
func (s *Store) HeartbeatPath(stageID string) string {
	return filepath.Join(HeartbeatDir(s.root), stageID+".json")
}

// ----------------------------------------------------------------------------
// Signals
// ----------------------------------------------------------------------------

// WriteSignal writes a session's signal file. Signals are write-once;
// an existing signal is replaced wholesale on respawn.
func (s *Store) WriteSignal(sessionID string, content []byte) error {
	return atomicWriteFile(s.SignalPath(sessionID), content, 0o644)
}

// SignalPath returns the signal file path for a session.
func (s *Store) SignalPath(sessionID string) string {
	return filepath.Join(SignalsDir(s.root), sessionID+".md")
}

// DeleteSignal removes a session's signal file.
func (s *Store) DeleteSignal(sessionID string) error {
	return removeEntity(s.SignalPath(sessionID))
}

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

func (s *Store) listIDs(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}

func removeEntity(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.ErrNotFound
		}
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// stageBody regenerates the human-readable prose below the frontmatter.
// Its contents are never read back.
func stageBody(stage *model.Stage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", stage.Name)
	if stage.Description != "" {
		sb.WriteString(stage.Description)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "**Status:** %s\n", stage.Status)
	if len(stage.Dependencies) > 0 {
		fmt.Fprintf(&sb, "**Depends on:** %s\n", strings.Join(stage.Dependencies, ", "))
	}
	if len(stage.Acceptance) > 0 {
		sb.WriteString("\n## Acceptance\n\n")
		for _, a := range stage.Acceptance {
			fmt.Fprintf(&sb, "- `%s`\n", a)
		}
	}
	return sb.String()
}

func sessionBody(sess *model.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Session %s\n\n", sess.ID)
	fmt.Fprintf(&sb, "**Type:** %s\n**Status:** %s\n", sess.SessionType, sess.Status)
	if sess.StageID != "" {
		fmt.Fprintf(&sb, "**Stage:** %s\n", sess.StageID)
	}
	return sb.String()
}
