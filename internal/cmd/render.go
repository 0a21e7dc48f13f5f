package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/loomworks/loom/internal/daemon"
	"github.com/loomworks/loom/internal/model"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	doneStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	attentionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func statusStyle(s model.StageStatus) lipgloss.Style {
	switch s {
	case model.StatusExecuting:
		return runningStyle
	case model.StatusCompleted, model.StatusVerified:
		return doneStyle
	case model.StatusBlocked, model.StatusMergeConflict, model.StatusMergeBlocked,
		model.StatusNeedsHumanReview, model.StatusCompletedWithFailures:
		return failStyle
	case model.StatusQueued, model.StatusNeedsHandoff, model.StatusWaitingForInput:
		return warnStyle
	default:
		return dimStyle
	}
}

// needsAttention reports whether a stage should appear in the attention
// section of the status output.
func needsAttention(s daemon.StageStatus) bool {
	switch s.Status {
	case model.StatusBlocked, model.StatusMergeConflict, model.StatusMergeBlocked,
		model.StatusNeedsHumanReview, model.StatusCompletedWithFailures,
		model.StatusWaitingForInput:
		return true
	}
	return s.MergeConflict
}

func attentionReason(s daemon.StageStatus) string {
	switch {
	case s.Status == model.StatusNeedsHumanReview && s.ReviewReason != "":
		return "disputed: " + s.ReviewReason
	case s.Status == model.StatusNeedsHumanReview:
		return "needs human review"
	case s.Status == model.StatusMergeConflict || s.MergeConflict:
		return "merge conflict, resolve then: loom stage " + s.ID + " merge-complete"
	case s.Status == model.StatusMergeBlocked:
		return "merge blocked, retry with: loom merge " + s.ID
	case s.Status == model.StatusCompletedWithFailures:
		return "acceptance failed (" + s.FailureType + ")"
	case s.Status == model.StatusWaitingForInput:
		return "waiting for input: loom attach " + s.ID
	case s.FailureType != "":
		return fmt.Sprintf("blocked: %s after %d retries", s.FailureType, s.RetryCount)
	default:
		return "blocked"
	}
}

// renderStatus renders the full status view: state counts, the stage
// table in a stable order, and an attention section for anything that
// needs a human.
func renderStatus(snap *daemon.StatusSnapshot) string {
	var b strings.Builder

	counts := make(map[model.StageStatus]int)
	merged := 0
	for _, s := range snap.Stages {
		counts[s.Status]++
		if s.Merged {
			merged++
		}
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("Plan: %d stages, %d merged", len(snap.Stages), merged)))
	b.WriteString("\n")
	for _, st := range statusOrder {
		if n := counts[st]; n > 0 {
			b.WriteString(fmt.Sprintf("  %s: %d\n", statusStyle(st).Render(string(st)), n))
		}
	}
	b.WriteString("\n")

	stages := sortedStages(snap)
	for _, s := range stages {
		mark := " "
		if s.Merged {
			mark = doneStyle.Render("✓")
		} else if s.MergeConflict {
			mark = failStyle.Render("!")
		}
		line := fmt.Sprintf("%s %-24s %-24s", mark, s.ID, statusStyle(s.Status).Render(string(s.Status)))
		if len(s.Dependencies) > 0 {
			line += dimStyle.Render(" after " + strings.Join(s.Dependencies, ", "))
		}
		b.WriteString(line + "\n")
	}

	var attention []daemon.StageStatus
	for _, s := range stages {
		if needsAttention(s) {
			attention = append(attention, s)
		}
	}
	if len(attention) > 0 {
		b.WriteString("\n" + attentionStyle.Render("Needs attention:") + "\n")
		for _, s := range attention {
			b.WriteString(fmt.Sprintf("  %s: %s\n", s.ID, attentionReason(s)))
		}
	}

	if len(snap.Sessions) > 0 {
		b.WriteString("\n" + headerStyle.Render("Sessions:") + "\n")
		for _, sess := range snap.Sessions {
			where := sess.TmuxSession
			if where == "" && sess.PID > 0 {
				where = fmt.Sprintf("pid %d", sess.PID)
			}
			line := fmt.Sprintf("  %-16s %-10s %s", sess.StageID, sess.Status, where)
			if sess.ContextUsage > 0 {
				line += dimStyle.Render(fmt.Sprintf("  ctx %.0f%%", sess.ContextUsage*100))
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// renderCompact renders one line per stage.
func renderCompact(snap *daemon.StatusSnapshot) string {
	var b strings.Builder
	for _, s := range sortedStages(snap) {
		mark := ""
		if s.Merged {
			mark = " merged"
		} else if s.MergeConflict {
			mark = " conflict"
		}
		b.WriteString(fmt.Sprintf("%s %s%s\n", s.ID, s.Status, mark))
	}
	return b.String()
}

// statusOrder fixes the count listing order, active states first.
var statusOrder = []model.StageStatus{
	model.StatusExecuting,
	model.StatusQueued,
	model.StatusWaitingForDeps,
	model.StatusWaitingForInput,
	model.StatusNeedsHandoff,
	model.StatusNeedsHumanReview,
	model.StatusMergeConflict,
	model.StatusMergeBlocked,
	model.StatusCompletedWithFailures,
	model.StatusBlocked,
	model.StatusCompleted,
	model.StatusVerified,
	model.StatusSkipped,
}

func sortedStages(snap *daemon.StatusSnapshot) []daemon.StageStatus {
	stages := make([]daemon.StageStatus, len(snap.Stages))
	copy(stages, snap.Stages)
	sort.Slice(stages, func(i, j int) bool { return stages[i].ID < stages[j].ID })
	return stages
}
