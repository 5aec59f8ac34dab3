package terminal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/dispatch/internal/logger"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(t.TempDir(), "test", "claude", logger.Discard())
	require.NoError(t, err)
	return s
}

func TestNewSessionCreatesWorkspace(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "nested", "workspace")
	s, err := NewSession(workspace, "backend", "", nil)
	require.NoError(t, err)

	info, err := os.Stat(s.Workspace())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, filepath.IsAbs(s.Workspace()))
	assert.Equal(t, "claude-backend", s.sessionName)
	assert.Equal(t, "claude", s.claudePath)
}

func TestMarkerPath(t *testing.T) {
	s := newTestSession(t)
	assert.Equal(t,
		filepath.Join(s.Workspace(), SummariesDir, "task-1.md"),
		s.MarkerPath("task-1"))
}

func TestWriteAndReadFile(t *testing.T) {
	s := newTestSession(t)

	require.NoError(t, s.WriteFile("CONTEXT.md", "# Context\n"))
	assert.Equal(t, "# Context\n", s.ReadFile("CONTEXT.md"))

	// Parent directories are created on demand.
	require.NoError(t, s.WriteFile(filepath.Join("summaries", "task-1.md"), "done"))
	assert.Equal(t, "done", s.ReadFile(filepath.Join("summaries", "task-1.md")))

	// Missing files read as empty.
	assert.Equal(t, "", s.ReadFile("nope.md"))
}

func TestFiles(t *testing.T) {
	s := newTestSession(t)

	require.NoError(t, s.WriteFile("main.go", "package main"))
	require.NoError(t, s.WriteFile(filepath.Join("docs", "api.md"), "# API"))
	require.NoError(t, s.WriteFile(".env", "SECRET=1"))
	require.NoError(t, s.WriteFile(filepath.Join(".git", "config"), "[core]"))

	files, err := s.Files()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go", filepath.Join("docs", "api.md")}, files)
}

func TestFilesEmptyWorkspace(t *testing.T) {
	s := newTestSession(t)

	files, err := s.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSendRequiresRunningSession(t *testing.T) {
	s := newTestSession(t)

	err := s.Send("do something")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}
