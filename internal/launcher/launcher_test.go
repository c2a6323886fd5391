//go:build linux

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func waitForLog(t *testing.T, path, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), want)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSpawnDetachesAndTerminate(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "daemon.log")
	pid, err := Spawn(Spec{
		Executable: "/bin/sh",
		Args:       []string{"-c", `echo "started $LAUNCHER_TEST"; exec sleep 30`},
		LogFile:    logFile,
		Env:        []string{"LAUNCHER_TEST=yes"},
	})
	require.NoError(t, err)
	require.Positive(t, pid)
	waitForLog(t, logFile, "started yes")
	assert.True(t, Alive(pid))

	sid, err := unix.Getsid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, sid)

	require.NoError(t, Terminate(context.Background(), pid, 2*time.Second))
	assert.False(t, Alive(pid))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "daemon.log")
	pid, err := Spawn(Spec{
		Executable: "/bin/sh",
		Args:       []string{"-c", `trap "" TERM; echo ready; exec sleep 30`},
		LogFile:    logFile,
	})
	require.NoError(t, err)
	waitForLog(t, logFile, "ready")

	start := time.Now()
	require.NoError(t, Terminate(context.Background(), pid, 200*time.Millisecond))
	assert.False(t, Alive(pid))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestTerminateMissingProcess(t *testing.T) {
	assert.NoError(t, Terminate(context.Background(), 0x3fffffff, time.Second))
	assert.Error(t, Terminate(context.Background(), 0, time.Second))
}

func TestSpawnMissingExecutable(t *testing.T) {
	_, err := Spawn(Spec{Executable: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
	_, err = Spawn(Spec{})
	assert.Error(t, err)
}

func TestResolveExecutable(t *testing.T) {
	path, err := ResolveExecutable("sh")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))

	path, err = ResolveExecutable("./bin/loqa-ttsd")
	require.NoError(t, err)
	assert.Equal(t, "./bin/loqa-ttsd", path)

	_, err = ResolveExecutable("definitely-not-a-real-binary-name")
	assert.Error(t, err)
}
