package deps

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ProcessHost abstracts process and port operations so the manager can be
// tested without spawning real processes.
type ProcessHost interface {
	// Start launches the service and returns its pid.
	Start(ctx context.Context, spec ServiceSpec) (int, error)
	// Signal delivers a signal to a pid.
	Signal(pid int, sig syscall.Signal) error
	// IsAlive reports whether the pid refers to a live process.
	IsAlive(pid int) bool
	// PortOwners returns the pids listening on a local TCP port.
	PortOwners(port int) ([]int, error)
	// PortOpen reports whether a TCP connection to addr succeeds.
	PortOpen(addr string, timeout time.Duration) bool
	// FindProcessByName returns the pids of live processes with the
	// given executable name.
	FindProcessByName(name string) ([]int, error)
}

// OSProcessHost is the real implementation backed by os/exec, signals,
// and lsof.
type OSProcessHost struct{}

// NewOSProcessHost returns the host-process implementation.
func NewOSProcessHost() *OSProcessHost {
	return &OSProcessHost{}
}

// Start launches the service detached in its own process group so a
// manager shutdown can signal the whole group.
func (h *OSProcessHost) Start(ctx context.Context, spec ServiceSpec) (int, error) {
	for _, dir := range []string{spec.CacheDir, spec.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("preparing %s for %s: %w", dir, spec.Name, err)
		}
	}

	logFile, err := os.OpenFile(
		filepath.Join(spec.LogDir, spec.Name+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening log file for %s: %w", spec.Name, err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.CacheDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("starting %s: %w", spec.Name, err)
	}

	pid := cmd.Process.Pid

	// Reap the child so it never lingers as a zombie.
	go func() {
		err := cmd.Wait()
		logFile.Close()
		log.Debug().
			Str("service", spec.Name).
			Int("pid", pid).
			Err(err).
			Msg("Service process exited")
	}()

	log.Info().
		Str("service", spec.Name).
		Str("command", spec.Command).
		Int("pid", pid).
		Int("port", spec.Port).
		Msg("Started service process")

	return pid, nil
}

// Signal delivers sig to the process group rooted at pid.
func (h *OSProcessHost) Signal(pid int, sig syscall.Signal) error {
	// Negative pid targets the process group.
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

// IsAlive probes the pid with signal 0.
func (h *OSProcessHost) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// PortOwners shells out to lsof to find processes listening on the port.
func (h *OSProcessHost) PortOwners(port int) ([]int, error) {
	out, err := exec.Command("lsof", "-t", "-i", fmt.Sprintf(":%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		// lsof exits non-zero when nothing matches.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof on port %d: %w", port, err)
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, convErr := strconv.Atoi(line)
		if convErr != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// PortOpen dials the address and reports whether something accepted.
func (h *OSProcessHost) PortOpen(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// FindProcessByName shells out to pgrep for an exact executable-name match.
func (h *OSProcessHost) FindProcessByName(name string) ([]int, error) {
	out, err := exec.Command("pgrep", "-x", name).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep %s: %w", name, err)
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, convErr := strconv.Atoi(line)
		if convErr != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
