// Package plan extracts and validates the structured metadata embedded in
// a plan document. The plan is markdown for humans; loom only reads the
// YAML block between the loom METADATA markers and turns it into stage
// definitions.
package plan

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/model"
)

const (
	startMarker = "<!-- loom METADATA"
	endMarker   = "<!-- END loom METADATA"
)

// Metadata is the top-level structure of the embedded YAML block.
type Metadata struct {
	Loom Document `yaml:"loom"`
}

// Document holds the plan-level settings and the stage definitions.
type Document struct {
	Version   int               `yaml:"version"`
	AutoMerge *bool             `yaml:"auto_merge,omitempty"`
	Stages    []StageDefinition `yaml:"stages"`
}

// StageDefinition is one stage as authored in the plan. Required fields:
// id, name, working_dir.
type StageDefinition struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description,omitempty"`
	Dependencies  []string `yaml:"dependencies,omitempty"`
	ParallelGroup string   `yaml:"parallel_group,omitempty"`
	Acceptance    []string `yaml:"acceptance,omitempty"`
	Setup         []string `yaml:"setup,omitempty"`
	Files         []string `yaml:"files,omitempty"`
	WorkingDir    string   `yaml:"working_dir"`
	StageType     string   `yaml:"stage_type,omitempty"`
	MaxRetries    *int     `yaml:"max_retries,omitempty"`
}

// Plan is a parsed and validated plan document.
type Plan struct {
	Name       string
	SourcePath string
	Metadata   Metadata
}

// Load reads, parses and validates a plan document from disk.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	p, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	p.SourcePath = path
	return p, nil
}

// Parse extracts the metadata block, unmarshals it and validates the
// stage definitions.
func Parse(content string) (*Plan, error) {
	name := extractPlanName(content)

	yamlText, err := extractMetadata(content)
	if err != nil {
		return nil, err
	}

	var meta Metadata
	if err := yaml.Unmarshal([]byte(yamlText), &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata YAML: %v", errors.ErrParse, err)
	}
	if meta.Loom.Version != 1 {
		return nil, errors.NewValidationError("plan version", fmt.Sprintf("unsupported version %d", meta.Loom.Version))
	}
	if err := Validate(meta.Loom.Stages); err != nil {
		return nil, err
	}
	return &Plan{Name: name, Metadata: meta}, nil
}

// Validate checks the stage definitions: identifier charset, dependency
// existence, no self-dependencies, non-empty acceptance strings free of
// control characters.
func Validate(stages []StageDefinition) error {
	if len(stages) == 0 {
		return errors.NewValidationError("plan", "no stages defined")
	}

	ids := make(map[string]bool, len(stages))
	for _, def := range stages {
		if def.ID == "" {
			return errors.NewValidationError("stage id", "must not be empty")
		}
		if !model.ValidStageID(def.ID) {
			return errors.NewValidationError("stage id", fmt.Sprintf("%q contains characters outside [a-zA-Z0-9_-]", def.ID))
		}
		if ids[def.ID] {
			return errors.NewValidationError("stage id", fmt.Sprintf("%q is defined twice", def.ID))
		}
		ids[def.ID] = true
		if def.Name == "" {
			return errors.NewValidationError("stage name", fmt.Sprintf("stage %q has no name", def.ID))
		}
		if def.WorkingDir == "" {
			return errors.NewValidationError("working_dir", fmt.Sprintf("stage %q has no working_dir", def.ID))
		}
	}

	for _, def := range stages {
		for _, dep := range def.Dependencies {
			if dep == def.ID {
				return errors.NewValidationError("dependencies", fmt.Sprintf("stage %q depends on itself", def.ID))
			}
			if !ids[dep] {
				return errors.NewValidationError("dependencies", fmt.Sprintf("stage %q depends on unknown stage %q", def.ID, dep))
			}
		}
		for _, cmd := range append(append([]string{}, def.Acceptance...), def.Setup...) {
			if strings.TrimSpace(cmd) == "" {
				return errors.NewValidationError("acceptance", fmt.Sprintf("stage %q has an empty command", def.ID))
			}
			if containsControlChars(cmd) {
				return errors.NewValidationError("acceptance", fmt.Sprintf("stage %q has a command with control characters", def.ID))
			}
		}
	}
	return nil
}

// ToStage converts a definition into a new stage entity.
func (d *StageDefinition) ToStage() (*model.Stage, error) {
	stage, err := model.NewStage(d.ID, d.Name)
	if err != nil {
		return nil, err
	}
	stage.Description = d.Description
	stage.Dependencies = append([]string(nil), d.Dependencies...)
	stage.ParallelGroup = d.ParallelGroup
	stage.Acceptance = append([]string(nil), d.Acceptance...)
	stage.Setup = append([]string(nil), d.Setup...)
	stage.Files = append([]string(nil), d.Files...)
	stage.WorkingDir = d.WorkingDir
	stage.MaxRetries = d.MaxRetries
	switch strings.ToLower(d.StageType) {
	case "", "standard":
		stage.StageType = model.StageTypeStandard
	case "knowledge":
		stage.StageType = model.StageTypeKnowledge
	case "code-review", "codereview":
		stage.StageType = model.StageTypeCodeReview
	default:
		return nil, errors.NewValidationError("stage_type", fmt.Sprintf("unknown type %q for stage %q", d.StageType, d.ID))
	}
	return stage, nil
}

// extractPlanName returns the first H1 header, stripping a PLAN: prefix.
// A plan without a header is named after nothing; callers fall back to
// the file name.
func extractPlanName(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			name := strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			name = strings.TrimSpace(strings.TrimPrefix(name, "PLAN:"))
			return name
		}
	}
	return ""
}

// extractMetadata pulls the YAML text out of the metadata block. Fences
// of three or more backticks are supported.
func extractMetadata(content string) (string, error) {
	start := strings.Index(content, startMarker)
	if start < 0 {
		return "", fmt.Errorf("%w: no loom METADATA block found", errors.ErrParse)
	}
	end := strings.Index(content, endMarker)
	if end < 0 {
		return "", fmt.Errorf("%w: no END loom METADATA marker found", errors.ErrParse)
	}
	if end <= start {
		return "", fmt.Errorf("%w: END metadata marker before start", errors.ErrParse)
	}
	section := content[start:end]

	fenceStart, fenceLen := findYAMLFence(section)
	if fenceStart < 0 {
		return "", fmt.Errorf("%w: no yaml code block in metadata", errors.ErrParse)
	}
	body := section[fenceStart+fenceLen+len("yaml"):]
	closing := strings.Repeat("`", fenceLen)
	bodyEnd := strings.Index(body, closing)
	if bodyEnd < 0 {
		return "", fmt.Errorf("%w: unterminated yaml code block", errors.ErrParse)
	}
	return strings.TrimSpace(body[:bodyEnd]), nil
}

// findYAMLFence locates a backtick fence immediately followed by "yaml".
// Returns (-1, 0) when none exists.
func findYAMLFence(s string) (int, int) {
	pos := 0
	for pos < len(s) {
		idx := strings.IndexByte(s[pos:], '`')
		if idx < 0 {
			return -1, 0
		}
		abs := pos + idx
		fenceLen := 0
		for abs+fenceLen < len(s) && s[abs+fenceLen] == '`' {
			fenceLen++
		}
		if fenceLen >= 3 && strings.HasPrefix(s[abs+fenceLen:], "yaml") {
			return abs, fenceLen
		}
		pos = abs + fenceLen
	}
	return -1, 0
}

func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\t' {
			return true
		}
	}
	return false
}
