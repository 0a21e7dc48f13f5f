package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/plan"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [<plan-path>]",
	Short: "Initialise a loom workspace from a plan document",
	Long: `Read the plan document, validate its stage metadata, and materialise
the .work/ workspace with one stage file per plan stage. The plan path
defaults to plan.md in the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

var initBaseBranch string

func init() {
	initCmd.Flags().StringVar(&initBaseBranch, "base", "", "base branch to merge stages into (default: detected)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	w, err := openRepo()
	if err != nil {
		return err
	}

	planPath := "plan.md"
	if len(args) > 0 {
		planPath = args[0]
	}
	planPath, err = filepath.Abs(planPath)
	if err != nil {
		return err
	}

	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}

	// Build the stages in memory and cycle-check the graph before any
	// stage file is written, so a bad plan leaves no partial workspace.
	stages := make([]*model.Stage, 0, len(p.Metadata.Loom.Stages))
	for _, def := range p.Metadata.Loom.Stages {
		stage, err := def.ToStage()
		if err != nil {
			return err
		}
		stages = append(stages, stage)
	}
	if _, err := graph.Build(stages); err != nil {
		return err
	}

	for _, stage := range stages {
		if w.store.StageExists(stage.ID) {
			return withHints(
				fmt.Errorf("stage %s already exists in this workspace", stage.ID),
				"re-run after: loom clean --all",
				"or remove .work/ manually to start over")
		}
	}

	if err := w.store.Init(); err != nil {
		return err
	}

	autoMerge := false
	if p.Metadata.Loom.AutoMerge != nil {
		autoMerge = *p.Metadata.Loom.AutoMerge
	}
	ws := &config.Workspace{}
	ws.Plan.SourcePath = planPath
	ws.Plan.BaseBranch = initBaseBranch
	ws.Plan.AutoMerge = autoMerge
	if err := config.SaveWorkspace(w.root, ws); err != nil {
		return err
	}

	for _, stage := range stages {
		if err := w.store.SaveStage(stage); err != nil {
			return err
		}
	}

	name := p.Name
	if name == "" {
		name = filepath.Base(planPath)
	}
	fmt.Printf("Initialised workspace for plan %q with %d stages.\n", name, len(stages))
	fmt.Println("Next: loom run, or loom run --manual to drive sessions yourself.")
	return nil
}
