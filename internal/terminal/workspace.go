package terminal

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SummariesDir is the workspace subdirectory that holds per-task completion
// marker documents.
const SummariesDir = "summaries"

// MarkerPath returns the completion marker location for a task. The backend
// is instructed to create this file when it finishes; its existence is the
// only completion signal the engine has.
func (s *Session) MarkerPath(taskID string) string {
	return filepath.Join(s.workspace, SummariesDir, taskID+".md")
}

// WriteFile writes a file into the workspace, creating parent directories as
// needed. The name is interpreted relative to the workspace root.
func (s *Session) WriteFile(name, content string) error {
	path := filepath.Join(s.workspace, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write workspace file %s: %w", name, err)
	}
	return nil
}

// ReadFile reads a workspace file. A missing file yields an empty string.
func (s *Session) ReadFile(name string) string {
	data, err := os.ReadFile(filepath.Join(s.workspace, name))
	if err != nil {
		return ""
	}
	return string(data)
}

// Files lists workspace files as workspace-relative paths, skipping dotfiles
// and dot-directories.
func (s *Session) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.workspace, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workspace files: %w", err)
	}
	return files, nil
}
