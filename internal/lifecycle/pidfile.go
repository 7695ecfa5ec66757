// internal/lifecycle/pidfile.go
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	ErrAlreadyRunning = errors.New("daemon already running")
	ErrNotRunning     = errors.New("no running daemon")
)

// PIDFile is the single-instance guard. It holds the daemon's PID followed
// by a newline.
type PIDFile struct {
	path string
	pid  int
}

// AcquirePIDFile creates the PID file exclusively. A file naming a live
// process fails with ErrAlreadyRunning; a file naming a dead process, or
// holding garbage, is stale and gets replaced.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid) + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write PID file: %w", errors.Join(werr, cerr))
			}
			return &PIDFile{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create PID file: %w", err)
		}

		other, rerr := ReadPID(path)
		if rerr == nil && other != pid && processAlive(other) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, other)
		}
		slog.Info("removing stale PID file", "path", path, "pid", other)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale PID file: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: PID file %s keeps reappearing", ErrAlreadyRunning, path)
}

func (p *PIDFile) Path() string { return p.path }

// Release removes the file if it still names this process.
func (p *PIDFile) Release() error {
	if pid, err := ReadPID(p.path); err != nil || pid != p.pid {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file: %w", err)
	}
	return nil
}

// ReadPID parses the PID stored at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file content %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// RunningPID returns the PID of the live daemon recorded at path, or
// ErrNotRunning.
func RunningPID(path string) (int, error) {
	pid, err := ReadPID(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w (PID file not found)", ErrNotRunning)
	}
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	if !processAlive(pid) {
		return 0, fmt.Errorf("%w (process %d not found)", ErrNotRunning, pid)
	}
	return pid, nil
}

// Signal sends sig to the daemon recorded at path.
func Signal(path string, sig syscall.Signal) (int, error) {
	pid, err := RunningPID(path)
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("send %s: %w", sig, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
