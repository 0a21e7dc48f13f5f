package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/plan"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph show|edit",
	Short: "Render or edit the dependency graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraph,
}

func init() {
	rootCmd.AddCommand(graphCmd)
}

func runGraph(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	switch args[0] {
	case "show":
		return graphShow(w)
	case "edit":
		return graphEdit(w)
	default:
		return fmt.Errorf("unknown graph action %q, use show or edit", args[0])
	}
}

// graphShow prints the stages in topological order with their edges.
func graphShow(w *workspace) error {
	stages, err := w.store.ListStages()
	if err != nil {
		return err
	}
	if len(stages) == 0 {
		fmt.Println("No stages.")
		return nil
	}
	g, err := graph.Build(stages)
	if err != nil {
		return err
	}
	byID := make(map[string]string, len(stages))
	for _, s := range stages {
		byID[s.ID] = string(s.Status)
	}
	for _, id := range g.TopologicalOrder() {
		node := g.Node(id)
		line := fmt.Sprintf("%-24s %s", id, byID[id])
		if node != nil && len(node.Dependencies) > 0 {
			line += dimStyle.Render("  <- " + strings.Join(node.Dependencies, ", "))
		}
		fmt.Println(line)
	}
	return nil
}

// graphEdit opens the plan in $EDITOR and folds newly-added stage
// definitions into the workspace. Existing stages are left untouched.
func graphEdit(w *workspace) error {
	src := w.ws.Plan.SourcePath
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vim"
	}
	ed := exec.Command(editor, src)
	ed.Stdin = os.Stdin
	ed.Stdout = os.Stdout
	ed.Stderr = os.Stderr
	if err := ed.Run(); err != nil {
		return fmt.Errorf("editor %s failed: %w", editor, err)
	}

	p, err := plan.Load(src)
	if err != nil {
		return withHints(err, "the edited plan does not validate; fix it and re-run loom graph edit")
	}

	added := 0
	for _, def := range p.Metadata.Loom.Stages {
		if w.store.StageExists(def.ID) {
			continue
		}
		stage, err := def.ToStage()
		if err != nil {
			return err
		}
		if err := w.store.SaveStage(stage); err != nil {
			return err
		}
		added++
	}
	defined := make(map[string]bool, len(p.Metadata.Loom.Stages))
	for _, def := range p.Metadata.Loom.Stages {
		defined[def.ID] = true
	}
	stages, err := w.store.ListStages()
	if err != nil {
		return err
	}
	var orphaned []string
	for _, s := range stages {
		if !defined[s.ID] {
			orphaned = append(orphaned, s.ID)
		}
	}

	fmt.Printf("Plan validated, %d new stages added.\n", added)
	if len(orphaned) > 0 {
		fmt.Printf("Stages no longer in the plan (kept): %s\n", strings.Join(orphaned, ", "))
	}
	return nil
}
