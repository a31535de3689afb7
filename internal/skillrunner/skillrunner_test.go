package skillrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir)

	res, err := r.Run(context.Background(), "run-1", "build", "lint", Skill{
		Name:    "echo",
		Command: []string{"echo", "hello"},
	}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	out, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	require.Contains(t, string(out), "hello")
}

func TestRunCapturesNonZeroExitCode(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir)

	res, err := r.Run(context.Background(), "run-1", "build", "fail", Skill{
		Name:    "false",
		Command: []string{"sh", "-c", "exit 3"},
	}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir)
	_, err := r.Run(context.Background(), "run-1", "build", "empty", Skill{Name: "noop"}, time.Now().Add(time.Minute))
	require.Error(t, err)
}

func TestRunWritesUnderRunFlowStepDirectory(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir)
	res, err := r.Run(context.Background(), "run-9", "deploy", "verify", Skill{
		Name:    "echo",
		Command: []string{"echo", "ok"},
	}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "run-9", "deploy", "verify", "echo.stdout.log"), res.StdoutPath)
}
