// Package pidfile guards against two airbalanced instances driving the
// same network.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning means another live process owns the PID file
var ErrRunning = errors.New("daemon already running")

// PIDFile is a PID file owned by the current process
type PIDFile struct {
	path  string
	pid   int
	alive func(pid int) bool
}

// New creates a PIDFile for the current process
func New(path string) *PIDFile {
	return &PIDFile{
		path:  path,
		pid:   os.Getpid(),
		alive: processAlive,
	}
}

// Create writes the PID file. A stale file left by a dead process is
// replaced; a live owner yields ErrRunning.
func (p *PIDFile) Create() error {
	running, pid, err := p.CheckRunning()
	if err != nil {
		return err
	}
	if running && pid != p.pid {
		return fmt.Errorf("%w with PID %d", ErrRunning, pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	return nil
}

// Remove deletes the PID file if it still belongs to this process
func (p *PIDFile) Remove() error {
	pid, err := p.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && pid != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", pid, p.pid)
	}
	return os.Remove(p.path)
}

// ForceRemove removes the PID file regardless of ownership
func (p *PIDFile) ForceRemove() error {
	err := os.Remove(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// CheckRunning reports whether the PID in the file belongs to a live process
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.read()
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	return p.alive(pid), pid, nil
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %q", text)
	}
	return pid, nil
}

// processAlive sends signal 0 to pid. EPERM still means the process
// exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
