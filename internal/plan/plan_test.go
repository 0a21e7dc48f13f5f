package plan

import (
	"strings"
	"testing"

	"github.com/loomworks/loom/internal/errors"
)

const validPlan = `# PLAN: Example feature

Some prose describing the work.

<!-- loom METADATA -->
` + "```yaml" + `
loom:
  version: 1
  stages:
    - id: schema
      name: Database schema
      working_dir: .
      acceptance:
        - "true"
    - id: backend
      name: Backend
      working_dir: server
      dependencies: [schema]
      acceptance:
        - go test ./...
` + "```" + `
<!-- END loom METADATA -->
`

func TestParseValidPlan(t *testing.T) {
	p, err := Parse(validPlan)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Name != "Example feature" {
		t.Errorf("name = %q", p.Name)
	}
	stages := p.Metadata.Loom.Stages
	if len(stages) != 2 {
		t.Fatalf("got %d stages", len(stages))
	}
	if stages[1].Dependencies[0] != "schema" {
		t.Errorf("dependencies = %v", stages[1].Dependencies)
	}
}

func TestParseMissingMetadata(t *testing.T) {
	_, err := Parse("# Just a doc\n\nNo metadata here.\n")
	if !errors.Is(err, errors.ErrParse) {
		t.Errorf("expected ErrParse, got %v", err)
	}
}

func TestParseLongerFence(t *testing.T) {
	content := strings.Replace(validPlan, "```yaml", "````yaml", 1)
	content = strings.Replace(content, "```\n<!-- END", "````\n<!-- END", 1)
	if _, err := Parse(content); err != nil {
		t.Fatalf("Parse with 4-backtick fence: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() []StageDefinition {
		return []StageDefinition{
			{ID: "a", Name: "A", WorkingDir: "."},
			{ID: "b", Name: "B", WorkingDir: ".", Dependencies: []string{"a"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func([]StageDefinition) []StageDefinition
		wantErr bool
	}{
		{"valid", func(s []StageDefinition) []StageDefinition { return s }, false},
		{"bad id charset", func(s []StageDefinition) []StageDefinition {
			s[0].ID = "has space"
			return s
		}, true},
		{"duplicate id", func(s []StageDefinition) []StageDefinition {
			s[1].ID = "a"
			return s
		}, true},
		{"self dependency", func(s []StageDefinition) []StageDefinition {
			s[0].Dependencies = []string{"a"}
			return s
		}, true},
		{"unknown dependency", func(s []StageDefinition) []StageDefinition {
			s[1].Dependencies = []string{"ghost"}
			return s
		}, true},
		{"missing working_dir", func(s []StageDefinition) []StageDefinition {
			s[0].WorkingDir = ""
			return s
		}, true},
		{"empty acceptance command", func(s []StageDefinition) []StageDefinition {
			s[0].Acceptance = []string{"  "}
			return s
		}, true},
		{"control chars in acceptance", func(s []StageDefinition) []StageDefinition {
			s[0].Acceptance = []string{"echo hi\x07"}
			return s
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.mutate(base()))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestToStage(t *testing.T) {
	def := StageDefinition{
		ID:         "review-pass",
		Name:       "Review pass",
		WorkingDir: ".",
		StageType:  "code-review",
	}
	stage, err := def.ToStage()
	if err != nil {
		t.Fatalf("ToStage: %v", err)
	}
	if stage.StageType != "code-review" {
		t.Errorf("stage_type = %s", stage.StageType)
	}

	def.StageType = "nonsense"
	if _, err := def.ToStage(); err == nil {
		t.Error("expected error for unknown stage_type")
	}
}
