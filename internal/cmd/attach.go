package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/terminal"
	"github.com/spf13/cobra"
)

var attachCmd = &cobra.Command{
	Use:   "attach [<stage-or-session-id>]",
	Short: "Attach to a running agent session",
	Long: `Attach the current terminal to a running session. "attach list" shows
attachable sessions; "attach all" attaches to each in turn (or raises
their windows with --gui on the native backend).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

var attachGUI bool

func init() {
	attachCmd.Flags().BoolVar(&attachGUI, "gui", false, "raise terminal windows instead of attaching (native backend)")
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	backend, err := w.backend()
	if err != nil {
		return err
	}

	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	switch target {
	case "", "list":
		return attachList(w, backend)
	case "all":
		return attachAll(w, backend)
	default:
		sess, err := findSession(w, target)
		if err != nil {
			return err
		}
		return attachTo(backend, sess)
	}
}

// findSession resolves a stage id or session id to a live session.
func findSession(w *workspace, id string) (*model.Session, error) {
	if sess, err := w.store.LoadSession(id); err == nil {
		return sess, nil
	}
	stage, err := w.store.LoadStage(id)
	if err != nil {
		return nil, fmt.Errorf("no session or stage named %q", id)
	}
	if stage.Session == "" {
		return nil, withHints(
			fmt.Errorf("stage %s has no active session", id),
			"see attachable sessions with: loom attach list")
	}
	return w.store.LoadSession(stage.Session)
}

func attachTo(backend terminal.Backend, sess *model.Session) error {
	argv, err := backend.AttachCommand(sess)
	if err != nil {
		return err
	}
	c := exec.Command(argv[0], argv[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

func attachList(w *workspace, backend terminal.Backend) error {
	sessions, err := liveSessions(w, backend)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No attachable sessions.")
		return nil
	}
	for _, sess := range sessions {
		where := sess.TmuxSession
		if where == "" && sess.PID > 0 {
			where = fmt.Sprintf("pid %d", sess.PID)
		}
		fmt.Printf("%-16s %-12s %s\n", sess.StageID, sess.SessionType, where)
	}
	fmt.Println("\nAttach with: loom attach <stage-id>")
	return nil
}

func attachAll(w *workspace, backend terminal.Backend) error {
	sessions, err := liveSessions(w, backend)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No attachable sessions.")
		return nil
	}
	for _, sess := range sessions {
		if attachGUI {
			// AttachCommand on the native backend raises the window;
			// run it without taking over the terminal.
			argv, err := backend.AttachCommand(sess)
			if err != nil {
				fmt.Printf("%s: %v\n", sess.StageID, err)
				continue
			}
			if err := exec.Command(argv[0], argv[1:]...).Run(); err != nil {
				fmt.Printf("%s: %v\n", sess.StageID, err)
			}
			continue
		}
		fmt.Printf("Attaching to %s (detach to continue)...\n", sess.StageID)
		if err := attachTo(backend, sess); err != nil {
			fmt.Printf("%s: %v\n", sess.StageID, err)
		}
	}
	return nil
}

func liveSessions(w *workspace, backend terminal.Backend) ([]*model.Session, error) {
	all, err := w.store.ListSessions()
	if err != nil {
		return nil, err
	}
	var out []*model.Session
	for _, sess := range all {
		if sess.Status.IsTerminal() {
			continue
		}
		if backend.SessionIsAlive(sess) {
			out = append(out, sess)
		}
	}
	return out, nil
}
