package signal

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
)

func newWorkspace(t *testing.T) (*store.Store, string) {
	t.Helper()
	root := t.TempDir()
	st := store.New(root)
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	return st, root
}

func mustStage(t *testing.T, id, name string) *model.Stage {
	t.Helper()
	s, err := model.NewStage(id, name)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGenerateSections(t *testing.T) {
	st, root := newWorkspace(t)
	g := New(st, root)

	dep := mustStage(t, "dep-a", "Dep A")
	dep.Status = model.StatusCompleted
	dep.Merged = true

	stage := mustStage(t, "build-api", "Build the API")
	stage.Description = "Implement the /v1/users endpoints."
	stage.Dependencies = []string{"dep-a"}
	stage.Acceptance = []string{"go test ./...", "go vet ./..."}
	stage.Setup = []string{"go mod download"}
	stage.Files = []string{"internal/api/users.go"}

	session := model.NewSession(stage.ID, model.SessionTypeStage)

	path, err := g.Generate(stage, session, []*model.Stage{dep, stage}, "/tmp/wt/build-api", "")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	for _, want := range []string{
		"# Work signal",
		"## Plan overview",
		"## Your stage: Build the API",
		"| dep-a | completed | yes |",
		"## Acceptance criteria",
		"`go test ./...`",
		"`go mod download`",
		"Implement the /v1/users endpoints.",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("signal missing %q", want)
		}
	}

	// Recitation comes last.
	if strings.LastIndex(content, "## Acceptance criteria") < strings.Index(content, "## Your stage") {
		t.Error("acceptance criteria not at the end of the signal")
	}
}

func TestGenerateMetrics(t *testing.T) {
	st, root := newWorkspace(t)
	g := New(st, root)
	stage := mustStage(t, "stage-m", "Stage M")
	session := model.NewSession(stage.ID, model.SessionTypeStage)

	path, err := g.Generate(stage, session, []*model.Stage{stage}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	metricsPath := strings.TrimSuffix(path, ".md") + ".metrics.json"
	data, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("metrics not written: %v", err)
	}
	var m SectionMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m.StageID != "stage-m" || m.SessionID != session.ID {
		t.Errorf("metrics identity wrong: %+v", m)
	}
	if m.StablePrefix == 0 || m.Recitation == 0 {
		t.Error("section byte counts not recorded")
	}
	if m.Total < m.StablePrefix+m.SemiStable+m.Dynamic+m.Recitation {
		t.Error("total smaller than the sum of sections")
	}
}

func TestStablePrefixIsStable(t *testing.T) {
	a := stablePrefix(model.StageTypeStandard, model.SessionTypeStage)
	b := stablePrefix(model.StageTypeStandard, model.SessionTypeStage)
	if a != b {
		t.Error("stable prefix differs between invocations")
	}
	k := stablePrefix(model.StageTypeKnowledge, model.SessionTypeStage)
	if a == k {
		t.Error("knowledge stage should get a different prefix")
	}
	m := stablePrefix(model.StageTypeStandard, model.SessionTypeMerge)
	if !strings.Contains(m, "merge conflict") {
		t.Error("merge session prefix missing merge instructions")
	}
}

func TestGenerateHandoffPointer(t *testing.T) {
	st, root := newWorkspace(t)
	g := New(st, root)
	stage := mustStage(t, "stage-h", "Stage H")
	session := model.NewSession(stage.ID, model.SessionTypeStage)

	path, err := g.Generate(stage, session, []*model.Stage{stage}, "", ".work/handoffs/stage-h-handoff-002.md")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "stage-h-handoff-002.md") {
		t.Error("handoff pointer missing from signal")
	}
	if !strings.Contains(string(data), "Context restoration") {
		t.Error("context restoration section missing")
	}
}

func TestGenerateMerge(t *testing.T) {
	st, root := newWorkspace(t)
	g := New(st, root)
	stage := mustStage(t, "stage-c", "Stage C")
	session := model.NewMergeSession(stage.ID, "loom/stage-c", "main")

	path, err := g.GenerateMerge(stage, session, []string{"src/shared.go", "go.sum"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	content := string(data)
	for _, want := range []string{"loom/stage-c", "main", "src/shared.go", "go.sum", "MERGE_HEAD"} {
		if !strings.Contains(content, want) {
			t.Errorf("merge signal missing %q", want)
		}
	}
}
