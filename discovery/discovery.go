// Package discovery enumerates running kernels by scanning well-known runtime
// directories for connection and PID files, and stops them gracefully or by
// force. Log files are never touched.
package discovery

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/c360/agentkernel/config"
	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/service"
)

// Kernel describes one discovered kernel instance. Either file path may be
// empty when only the counterpart was found; the union of both directories
// and both file kinds is reported.
type Kernel struct {
	ID             string                 `json:"id"`
	PID            int                    `json:"pid,omitempty"`
	Alive          bool                   `json:"alive"`
	ConnectionFile string                 `json:"connection_file,omitempty"`
	PIDFile        string                 `json:"pid_file,omitempty"`
	Connection     *config.ConnectionFile `json:"connection,omitempty"`
}

// Scanner discovers kernels under a set of runtime directories.
type Scanner struct {
	dirs   []string
	logger *slog.Logger

	// signal and alive are injection points for tests.
	signal func(pid int, sig syscall.Signal) error
	alive  func(pid int) bool
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithDirs overrides the directories scanned, in order.
func WithDirs(dirs ...string) Option {
	return func(s *Scanner) { s.dirs = dirs }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) { s.logger = logger }
}

// NewScanner creates a Scanner over the default runtime directories:
// $XDG_RUNTIME_DIR/agentkernel first, then ~/.agentkernel/run.
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{
		dirs:   DefaultDirs(),
		logger: slog.Default(),
		signal: func(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) },
	}
	s.alive = func(pid int) bool {
		err := s.signal(pid, 0)
		// EPERM means the process exists but belongs to someone else.
		return err == nil || err == syscall.EPERM
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultDirs returns the runtime directories scanned by default,
// de-duplicated and in precedence order.
func DefaultDirs() []string {
	var dirs []string
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "agentkernel"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".agentkernel", "run"))
	}
	if rd := service.RuntimeDir(); !contains(dirs, rd) {
		dirs = append(dirs, rd)
	}
	return dirs
}

// List scans all configured directories and returns the union of kernels
// found, sorted by id. A kernel appears once even when both its connection
// file and PID file exist; liveness reflects whether the recorded PID still
// answers signal 0.
func (s *Scanner) List() ([]Kernel, error) {
	byID := make(map[string]*Kernel)
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.WrapStorage(err, "Scanner", "List", dir)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			s.collect(dir, entry.Name(), byID)
		}
	}

	kernels := make([]Kernel, 0, len(byID))
	for _, k := range byID {
		if k.PID > 0 {
			k.Alive = s.alive(k.PID)
		}
		kernels = append(kernels, *k)
	}
	sort.Slice(kernels, func(i, j int) bool { return kernels[i].ID < kernels[j].ID })
	return kernels, nil
}

// Find returns the kernel with the given id, or a not-found error.
func (s *Scanner) Find(id string) (*Kernel, error) {
	kernels, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := range kernels {
		if kernels[i].ID == id {
			return &kernels[i], nil
		}
	}
	return nil, errors.WrapKind(errors.KindNotFound, errors.ErrKernelNotFound,
		"Scanner", "Find", id)
}

// collect folds one directory entry into the accumulator. Connection files
// are <id>.json, PID files are <id>.pid; the first directory in scan order
// wins when the same id appears in more than one.
func (s *Scanner) collect(dir, name string, byID map[string]*Kernel) {
	path := filepath.Join(dir, name)
	switch {
	case strings.HasSuffix(name, ".json"):
		id := strings.TrimSuffix(name, ".json")
		k := entry(byID, id)
		if k.ConnectionFile != "" {
			return
		}
		cf, err := config.LoadConnectionFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable connection file", "path", path, "error", err)
			return
		}
		k.ConnectionFile = path
		k.Connection = cf
		if cf.KernelID != "" {
			k.ID = cf.KernelID
		}
	case strings.HasSuffix(name, ".pid"):
		id := strings.TrimSuffix(name, ".pid")
		k := entry(byID, id)
		if k.PIDFile != "" {
			return
		}
		pid, err := readPIDFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable pid file", "path", path, "error", err)
			return
		}
		k.PIDFile = path
		k.PID = pid
	}
}

func entry(byID map[string]*Kernel, id string) *Kernel {
	k, ok := byID[id]
	if !ok {
		k = &Kernel{ID: id}
		byID[id] = k
	}
	return k
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.WrapStorage(err, "Scanner", "readPIDFile", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.WrapKind(errors.KindStorage, errors.ErrInvalidConfig,
			"Scanner", "readPIDFile", path)
	}
	return pid, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
