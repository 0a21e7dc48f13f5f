package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known agent sessions with liveness",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	sessions, err := w.store.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	backend, berr := w.backend()

	for _, sess := range sessions {
		live := "-"
		if berr == nil && !sess.Status.IsTerminal() {
			if backend.SessionIsAlive(sess) {
				live = doneStyle.Render("alive")
			} else {
				live = failStyle.Render("dead")
			}
		}
		where := sess.TmuxSession
		if where == "" && sess.PID > 0 {
			where = fmt.Sprintf("pid %d", sess.PID)
		}
		fmt.Printf("%-36s %-16s %-10s %-20s %-8s %s\n",
			sess.ID, sess.StageID, sess.SessionType, sess.Status, live, where)
	}
	return nil
}
