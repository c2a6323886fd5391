//go:build unix

// Package launcher starts the daemon as a detached background process and
// stops it again by PID.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

type Spec struct {
	Executable string
	Args       []string
	// LogFile receives the daemon's stdout and stderr. Empty means /dev/null.
	LogFile string
	// Env is appended to the current environment.
	Env []string
}

// Spawn starts spec in a new session so it outlives the caller and returns
// its PID. The child is not waited for.
func Spawn(spec Spec) (int, error) {
	if spec.Executable == "" {
		return 0, errors.New("launcher: executable is required")
	}
	stdin, err := os.Open(os.DevNull)
	if err != nil {
		return 0, err
	}
	defer stdin.Close()

	out, err := openLog(spec.LogFile)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Stdin = stdin
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", spec.Executable, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release process %d: %w", pid, err)
	}
	return pid, nil
}

// ResolveExecutable finds name next to the running binary, then on PATH.
// Names containing a slash are returned as they are.
func ResolveExecutable(name string) (string, error) {
	if strings.ContainsRune(name, '/') {
		return name, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return exec.LookPath(name)
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return f, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !zombie(pid)
}

// zombie reports an exited child its parent has not reaped yet. Only Linux
// exposes this through /proc; elsewhere it reports false.
func zombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The command name may contain spaces; the state follows its closing paren.
	i := bytes.LastIndexByte(data, ')')
	return i >= 0 && i+2 < len(data) && data[i+2] == 'Z'
}

// Terminate sends SIGTERM to pid and waits up to timeout for it to exit,
// then sends SIGKILL. A process that is already gone is not an error.
func Terminate(ctx context.Context, pid int, timeout time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("launcher: invalid pid %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	if waitExit(ctx, pid, timeout) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	if !waitExit(ctx, pid, time.Second) {
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
	return nil
}

func waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !Alive(pid)
		case <-tick.C:
		}
	}
}
