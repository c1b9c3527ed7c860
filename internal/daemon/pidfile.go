package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned by Acquire when another server holds the
// PID file.
var ErrAlreadyRunning = errors.New("server already running")

// PIDFile tracks the background server. A flock on <Path>.lock guards the
// file so two servers never share a state directory.
type PIDFile struct {
	Path string

	lock *flock.Flock
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path, lock: flock.New(path + ".lock")}
}

// Acquire takes the single-instance lock and records the current PID.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID directory: %w", err)
	}
	locked, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock PID file: %w", err)
	}
	if !locked {
		if pid, rerr := p.Read(); rerr == nil {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return ErrAlreadyRunning
	}
	if err := p.WritePID(os.Getpid()); err != nil {
		_ = p.lock.Unlock()
		return err
	}
	return nil
}

// Release removes the PID file and drops the lock.
func (p *PIDFile) Release() error {
	err := p.Remove()
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	if uerr := p.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// WritePID writes the given PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
