// Package notify sends best-effort desktop notifications. Failures are
// never surfaced to callers; a headless host simply gets no popups.
package notify

import (
	"os/exec"

	"github.com/loomworks/loom/internal/logging"
)

// Notifier sends desktop notifications via notify-send when available.
type Notifier struct {
	log     *logging.Logger
	enabled bool
}

// New creates a Notifier. When notify-send is not installed the
// notifier is a no-op.
func New(log *logging.Logger) *Notifier {
	if log == nil {
		log = logging.Discard()
	}
	_, err := exec.LookPath("notify-send")
	return &Notifier{log: log, enabled: err == nil}
}

// Send shows a notification with the given urgency (low, normal,
// critical).
func (n *Notifier) Send(urgency, summary, body string) {
	if !n.enabled {
		return
	}
	cmd := exec.Command("notify-send", "-a", "loom", "-u", urgency, summary, body)
	if err := cmd.Run(); err != nil {
		n.log.Warn("notification failed", "error", err)
	}
}

// HumanReviewNeeded notifies that a stage waits on a human decision.
func (n *Notifier) HumanReviewNeeded(stageID, reason string) {
	n.Send("critical", "loom: human review needed", "Stage "+stageID+": "+reason)
}

// MergeConflict notifies that a merge needs attention.
func (n *Notifier) MergeConflict(stageID string) {
	n.Send("normal", "loom: merge conflict", "Stage "+stageID+" hit a merge conflict; a resolution session was started.")
}

// PlanComplete notifies that every stage reached a terminal state.
func (n *Notifier) PlanComplete(planName string) {
	n.Send("normal", "loom: plan complete", planName+" finished.")
}
