// Package signal renders the per-session prompt file the coding agent
// reads on startup. A signal is a single markdown document built from
// four sections in fixed order: a stable prefix shared by all sessions
// of a kind, a semi-stable plan overview, the stage's dynamic context,
// and a closing recitation of acceptance criteria. Section ordering is
// chosen for prompt-cache efficiency: the most stable content first,
// the content the agent must act on last.
package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
)

// SectionMetrics records per-section byte sizes for one generated
// signal, written next to the signal as <session-id>.metrics.json.
type SectionMetrics struct {
	SessionID    string    `json:"session_id"`
	StageID      string    `json:"stage_id"`
	StablePrefix int       `json:"stable_prefix_bytes"`
	SemiStable   int       `json:"semi_stable_bytes"`
	Dynamic      int       `json:"dynamic_bytes"`
	Recitation   int       `json:"recitation_bytes"`
	Total        int       `json:"total_bytes"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// Generator builds signal files. Signals are write-once: nothing ever
// reads one back through this package.
type Generator struct {
	store    *store.Store
	repoRoot string
}

// New creates a Generator writing under root's .work/signals directory.
func New(st *store.Store, repoRoot string) *Generator {
	return &Generator{store: st, repoRoot: repoRoot}
}

// Generate renders the signal for a stage session, writes it and its
// section metrics, and returns the signal path.
func (g *Generator) Generate(stage *model.Stage, session *model.Session, allStages []*model.Stage, worktreePath, handoffPath string) (string, error) {
	prefix := stablePrefix(stage.StageType, session.SessionType)
	semi := g.semiStable(allStages)
	dynamic := g.dynamic(stage, session, allStages, worktreePath, handoffPath)
	recitation := recite(stage)

	return g.write(session, stage.ID, prefix, semi, dynamic, recitation)
}

// GenerateMerge renders the signal for a merge-resolution session.
func (g *Generator) GenerateMerge(stage *model.Stage, session *model.Session, conflicting []string) (string, error) {
	prefix := stablePrefix(stage.StageType, session.SessionType)

	var semi strings.Builder
	semi.WriteString("## Merge context\n\n")
	fmt.Fprintf(&semi, "Stage `%s` (%s) completed its work on branch `%s`, but merging into `%s` hit conflicts.\n\n",
		stage.ID, stage.Name, session.MergeSourceBranch, session.MergeTargetBranch)

	var dynamic strings.Builder
	dynamic.WriteString("## Conflicting files\n\n")
	for _, f := range conflicting {
		fmt.Fprintf(&dynamic, "- `%s`\n", f)
	}
	dynamic.WriteString("\nThe repository is mid-merge (MERGE_HEAD present). Resolve each conflict, `git add` the files, and commit the merge with `git commit --no-edit`.\n")

	recitation := "## Before you finish\n\n" +
		"1. Every conflict marker is gone.\n" +
		"2. The merge commit exists (`git log -1` shows a merge).\n" +
		"3. The working tree is clean (`git status`).\n"

	return g.write(session, stage.ID, prefix, semi.String(), dynamic.String(), recitation)
}

func (g *Generator) write(session *model.Session, stageID, prefix, semi, dynamic, recitation string) (string, error) {
	content := prefix + "\n" + semi + "\n" + dynamic + "\n" + recitation
	if err := g.store.WriteSignal(session.ID, []byte(content)); err != nil {
		return "", err
	}
	path := g.store.SignalPath(session.ID)

	m := SectionMetrics{
		SessionID:    session.ID,
		StageID:      stageID,
		StablePrefix: len(prefix),
		SemiStable:   len(semi),
		Dynamic:      len(dynamic),
		Recitation:   len(recitation),
		Total:        len(content),
		GeneratedAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return path, err
	}
	metricsPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".metrics.json"
	if err := os.WriteFile(metricsPath, data, 0o644); err != nil {
		return path, fmt.Errorf("failed to write signal metrics: %w", err)
	}
	return path, nil
}

// stablePrefix is identical for every session of a given stage type and
// session type so prompt caches stay warm across sessions.
func stablePrefix(st model.StageType, kind model.SessionType) string {
	var b strings.Builder
	b.WriteString("# Work signal\n\n")
	b.WriteString("You are executing one stage of a larger plan. Work only inside the directory you were started in.\n\n")
	b.WriteString("Ground rules:\n")
	b.WriteString("- Commit your work in small, coherent commits as you go.\n")
	b.WriteString("- Do not touch branches other than the one checked out.\n")
	b.WriteString("- When every acceptance criterion passes, stop; the orchestrator takes over from there.\n")
	b.WriteString("- If you run low on context, write a handoff file as described below instead of rushing.\n\n")

	switch kind {
	case model.SessionTypeMerge, model.SessionTypeBaseConflict:
		b.WriteString("This session resolves a merge conflict in the main repository. Confine yourself to the conflicting files and the merge commit.\n")
		return b.String()
	}

	switch st {
	case model.StageTypeKnowledge:
		b.WriteString("This is a knowledge stage: produce documentation or analysis in the repository. Nothing merges; write your findings where the stage description says.\n")
	case model.StageTypeCodeReview:
		b.WriteString("This is a review stage: read the changes the stage description points at and record findings. Fix only what the acceptance criteria require.\n")
	default:
		b.WriteString("This is an implementation stage: make the described changes on the current branch until the acceptance criteria pass.\n")
	}
	return b.String()
}

// semiStable renders the plan overview: stable across sessions of one
// stage, changing only as sibling stages progress.
func (g *Generator) semiStable(allStages []*model.Stage) string {
	var b strings.Builder
	b.WriteString("## Plan overview\n\n")
	b.WriteString("| Stage | Status | Merged |\n|---|---|---|\n")
	for _, s := range allStages {
		merged := ""
		if s.Merged {
			merged = "yes"
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", s.ID, s.Status, merged)
	}
	return b.String()
}

func (g *Generator) dynamic(stage *model.Stage, session *model.Session, allStages []*model.Stage, worktreePath, handoffPath string) string {
	byID := make(map[string]*model.Stage, len(allStages))
	for _, s := range allStages {
		byID[s.ID] = s
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Your stage: %s\n\n", stage.Name)
	fmt.Fprintf(&b, "- id: `%s`\n- branch: `%s`\n- worktree: `%s`\n", stage.ID, stage.BranchName(), worktreePath)
	if stage.WorkingDir != "" && stage.WorkingDir != "." {
		fmt.Fprintf(&b, "- working directory: `%s`\n", stage.WorkingDir)
	}
	b.WriteString("\n")

	if stage.Description != "" {
		b.WriteString(stage.Description)
		b.WriteString("\n\n")
	}

	if len(stage.Files) > 0 {
		b.WriteString("Files in scope:\n")
		for _, f := range stage.Files {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}

	if len(stage.Dependencies) > 0 {
		b.WriteString("### Dependencies\n\n")
		b.WriteString("| Dependency | Status | Merged |\n|---|---|---|\n")
		for _, dep := range stage.Dependencies {
			status, merged := "unknown", ""
			if d, ok := byID[dep]; ok {
				status = string(d.Status)
				if d.Merged {
					merged = "yes"
				}
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", dep, status, merged)
		}
		b.WriteString("\n")
	}

	if handoffPath != "" {
		b.WriteString("### Context restoration\n\n")
		fmt.Fprintf(&b, "A previous session handed off. Read `%s` first and continue from where it stopped.\n\n", handoffPath)
	}

	if history := g.recentHistory(worktreePath); history != "" {
		b.WriteString("### Recent commits\n\n```\n")
		b.WriteString(history)
		b.WriteString("```\n")
	}
	return b.String()
}

// recite repeats the acceptance criteria at the end of the signal where
// the model attends to them most strongly.
func recite(stage *model.Stage) string {
	var b strings.Builder
	b.WriteString("## Acceptance criteria\n\n")
	if len(stage.Acceptance) == 0 {
		b.WriteString("No explicit criteria; the stage completes when its description is fulfilled.\n")
		return b.String()
	}
	b.WriteString("Each command must exit 0 from the worktree root:\n\n")
	for i, a := range stage.Acceptance {
		fmt.Fprintf(&b, "%d. `%s`\n", i+1, a)
	}
	if len(stage.Setup) > 0 {
		b.WriteString("\nSetup run before each criterion:\n\n")
		for _, s := range stage.Setup {
			fmt.Fprintf(&b, "- `%s`\n", s)
		}
	}
	return b.String()
}

// recentHistory returns the last few commits at path, best-effort.
func (g *Generator) recentHistory(path string) string {
	if path == "" {
		return ""
	}
	cmd := exec.Command("git", "log", "--oneline", "-n", "10")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}
