package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/errors"
)

const frontmatterDelimiter = "---"

// encodeFrontmatter renders an entity as a markdown document: YAML
// frontmatter followed by a regenerated prose body. The body is purely
// for humans and is never read back.
func encodeFrontmatter(entity any, body string) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(frontmatterDelimiter)
	sb.WriteString("\n")

	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(entity); err != nil {
		return nil, fmt.Errorf("failed to encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize frontmatter: %w", err)
	}

	sb.WriteString(frontmatterDelimiter)
	sb.WriteString("\n")
	if body != "" {
		sb.WriteString("\n")
		sb.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			sb.WriteString("\n")
		}
	}
	return []byte(sb.String()), nil
}

// decodeFrontmatter parses the YAML frontmatter of a markdown document
// into entity. The markdown body is ignored: the frontmatter is the
// source of truth. Unknown YAML fields are ignored.
func decodeFrontmatter(data []byte, entity any) error {
	text := string(data)
	if !strings.HasPrefix(text, frontmatterDelimiter) {
		return fmt.Errorf("%w: missing frontmatter delimiter", errors.ErrParse)
	}
	rest := strings.TrimPrefix(text, frontmatterDelimiter)
	rest = strings.TrimPrefix(rest, "\n")

	end := strings.Index(rest, "\n"+frontmatterDelimiter)
	if end < 0 {
		// Frontmatter may close at the very start of rest (empty frontmatter).
		if strings.HasPrefix(rest, frontmatterDelimiter) {
			end = 0
		} else {
			return fmt.Errorf("%w: unterminated frontmatter", errors.ErrParse)
		}
	}

	if err := yaml.Unmarshal([]byte(rest[:end]), entity); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrParse, err)
	}
	return nil
}

// atomicWriteFile writes data to path via a temp file in the same
// directory, fsyncs the contents, then renames into place. A partially
// written file is never visible at path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}
