// Package handoff persists and retrieves session handoff documents.
// When a session runs out of context it writes
// .work/handoffs/<stage-id>-handoff-<NNN>.md; a continuation session's
// signal points back at the latest one.
package handoff

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
)

// Document is the structured handoff schema (version 2). Older v1
// handoffs are free-form markdown and load with only Raw populated.
type Document struct {
	Version        int      `yaml:"version"`
	SessionID      string   `yaml:"session_id"`
	StageID        string   `yaml:"stage_id"`
	ContextPercent float64  `yaml:"context_percent"`
	CompletedTasks []string `yaml:"completed_tasks"`
	KeyDecisions   []string `yaml:"key_decisions"`
	Commits        []string `yaml:"commits"`
	FilesChanged   []string `yaml:"files_changed"`

	// Raw is the full file content; for v1 handoffs it is all there is.
	Raw string `yaml:"-"`
	// Path is where the document was loaded from.
	Path string `yaml:"-"`
}

// fileRe matches <stage-id>-handoff-<NNN>.md and captures the sequence.
var fileRe = regexp.MustCompile(`^(.+)-handoff-(\d{3})\.md$`)

// Store reads and writes handoff files for one workspace.
type Store struct {
	dir string
}

// NewStore creates a handoff store under root's .work directory.
func NewStore(root string) *Store {
	return &Store{dir: store.HandoffsDir(root)}
}

// Write persists a v2 handoff document with the next free sequence
// number for its stage and returns the file path.
func (s *Store) Write(doc *Document) (string, error) {
	if doc.StageID == "" {
		return "", &errors.ValidationError{Field: "stage_id", Reason: "required"}
	}
	if doc.Version == 0 {
		doc.Version = 2
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}

	next, err := s.nextSequence(doc.StageID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s-handoff-%03d.md", doc.StageID, next))

	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode handoff: %w", err)
	}
	content := fmt.Sprintf("---\n%s---\n\n# Handoff %03d for %s\n\nWritten %s.\n",
		data, next, doc.StageID, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	doc.Path = path
	return path, nil
}

// Latest returns the highest-numbered handoff for a stage, or
// ErrNotFound when none exists.
func (s *Store) Latest(stageID string) (*Document, error) {
	paths, err := s.List(stageID)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no handoff for stage %s: %w", stageID, errors.ErrNotFound)
	}
	return s.Load(paths[len(paths)-1])
}

// List returns a stage's handoff paths in ascending sequence order.
func (s *Store) List(stageID string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] != stageID {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Load parses a handoff file. Files without a v2 YAML header load as
// v1 with only Raw set.
func (s *Store) Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("handoff %s: %w", path, errors.ErrNotFound)
		}
		return nil, err
	}
	doc := &Document{Raw: string(data), Path: path}

	content := string(data)
	if !strings.HasPrefix(content, "---\n") {
		doc.Version = 1
		return doc, nil
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		doc.Version = 1
		return doc, nil
	}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), doc); err != nil || doc.Version < 2 {
		doc.Version = 1
		doc.Raw = content
		return doc, nil
	}
	return doc, nil
}

// nextSequence finds the first unused NNN for a stage.
func (s *Store) nextSequence(stageID string) (int, error) {
	paths, err := s.List(stageID)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 1, nil
	}
	last := filepath.Base(paths[len(paths)-1])
	m := fileRe.FindStringSubmatch(last)
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// CanResume reports whether a stage is in a state a continuation
// session may start from.
func CanResume(status model.StageStatus) bool {
	switch status {
	case model.StatusNeedsHandoff, model.StatusBlocked, model.StatusQueued, model.StatusExecuting:
		return true
	}
	return false
}
