// Package service hosts a kernel as a long-running process: daemonization,
// PID and connection files, signal handling, idle timeout, and a max-clients
// cap.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/c360/agentkernel/config"
	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/kernel"
)

// daemonEnv marks the re-exec'd child so it skips a second detach.
const daemonEnv = "AGENTKERNEL_DAEMONIZED"

// Service wraps a kernel with process-level lifecycle.
type Service struct {
	cfg    *config.Config
	kernel *kernel.Kernel
	logger *slog.Logger

	connFile string
	pidFile  string
	logFile  *os.File

	interrupt func() // SIGINT handler in foreground mode

	cleanExit atomic.Bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithInterruptFunc sets the handler SIGINT triggers in foreground mode;
// defaults to interrupting the current execution.
func WithInterruptFunc(fn func()) Option {
	return func(s *Service) { s.interrupt = fn }
}

// New wraps a built kernel.
func New(cfg *config.Config, k *kernel.Kernel, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		kernel: k,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interrupt == nil {
		s.interrupt = func() { k.DebugManager().Interrupt() }
	}
	return s
}

// Daemonize re-executes the current binary detached from the controlling
// terminal and exits the parent. The child observes the marker variable and
// carries on as the daemon. Must be called before Run.
func Daemonize() error {
	if os.Getenv(daemonEnv) != "" {
		// Already the daemon child: finish the detach.
		_, _ = syscall.Setsid()
		_ = os.Chdir("/")
		syscall.Umask(0o027)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.WrapFatal(err, "Service", "Daemonize", "resolve executable")
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return errors.WrapFatal(err, "Service", "Daemonize", "spawn daemon")
	}
	os.Exit(0)
	return nil
}

// Run starts the kernel and blocks until shutdown: a SIGTERM, a
// shutdown_request, a cancelled context, or the idle timeout.
func (s *Service) Run(ctx context.Context) error {
	if err := s.openLog(); err != nil {
		return err
	}
	if err := s.writePIDFile(); err != nil {
		return err
	}
	if err := s.writeConnectionFile(); err != nil {
		s.removePIDFile()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.kernel.Start(ctx); err != nil {
		s.cleanup()
		return err
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	idle := s.idleTimer()

	s.logger.Info("Service running",
		"kernel_id", s.cfg.KernelID,
		"pid", os.Getpid(),
		"connection_file", s.connFile)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM:
				s.logger.Info("SIGTERM received, shutting down")
				return s.shutdown()
			case syscall.SIGINT:
				if s.cfg.Daemon {
					s.logger.Info("SIGINT received, shutting down")
					return s.shutdown()
				}
				s.logger.Info("SIGINT received, interrupting execution")
				s.interrupt()
			case syscall.SIGHUP:
				s.logger.Info("SIGHUP received, reopening log")
				if err := s.reopenLog(); err != nil {
					s.logger.Warn("Log reopen failed", "error", err)
				}
			}
		case <-s.kernel.ShutdownRequested():
			s.logger.Info("Shutdown requested by client")
			return s.shutdown()
		case <-idle:
			if s.idleExpired() {
				s.logger.Info("Idle timeout reached, shutting down",
					"idle_timeout", s.cfg.IdleTimeout)
				return s.shutdown()
			}
			idle = s.idleTimer()
		case <-ctx.Done():
			return s.shutdown()
		}
	}
}

// shutdown stops the kernel and removes the runtime files. Logs are
// preserved.
func (s *Service) shutdown() error {
	err := s.kernel.Stop()
	s.cleanExit.Store(true)
	s.cleanup()
	return err
}

func (s *Service) cleanup() {
	if s.connFile != "" {
		if err := os.Remove(s.connFile); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Connection file removal failed", "path", s.connFile, "error", err)
		}
	}
	s.removePIDFile()
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

func (s *Service) idleTimer() <-chan time.Time {
	if s.cfg.IdleTimeout <= 0 {
		return nil // nil channel: the case never fires
	}
	return time.After(s.cfg.IdleTimeout)
}

func (s *Service) idleExpired() bool {
	if s.cfg.IdleTimeout <= 0 {
		return false
	}
	return time.Since(s.kernel.LastActivity()) >= s.cfg.IdleTimeout
}

func (s *Service) openLog() error {
	if s.cfg.LogFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.LogFile), 0o750); err != nil {
		return errors.WrapStorage(err, "Service", "openLog", "create log directory")
	}
	f, err := os.OpenFile(s.cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return errors.WrapStorage(err, "Service", "openLog", s.cfg.LogFile)
	}
	s.logFile = f
	if err := syscall.Dup3(int(f.Fd()), 1, 0); err != nil {
		return errors.WrapStorage(err, "Service", "openLog", "redirect stdout")
	}
	if err := syscall.Dup3(int(f.Fd()), 2, 0); err != nil {
		return errors.WrapStorage(err, "Service", "openLog", "redirect stderr")
	}
	return nil
}

// reopenLog closes and reopens the log path, for rotation by SIGHUP.
func (s *Service) reopenLog() error {
	if s.cfg.LogFile == "" {
		return nil
	}
	old := s.logFile
	if err := s.openLog(); err != nil {
		return err
	}
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *Service) writePIDFile() error {
	path := s.cfg.PIDFile
	if path == "" {
		path = filepath.Join(RuntimeDir(), s.cfg.KernelID+".pid")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.WrapStorage(err, "Service", "writePIDFile", "create runtime directory")
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errors.WrapStorage(err, "Service", "writePIDFile", path)
	}
	s.pidFile = path
	return nil
}

func (s *Service) removePIDFile() {
	if s.pidFile == "" {
		return
	}
	if err := os.Remove(s.pidFile); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("PID file removal failed", "path", s.pidFile, "error", err)
	}
}

func (s *Service) writeConnectionFile() error {
	path := s.cfg.ConnectionFile
	if path == "" {
		path = filepath.Join(RuntimeDir(), s.cfg.KernelID+".json")
	}
	cf := config.NewConnectionFile(s.cfg)
	if err := cf.Write(path); err != nil {
		return err
	}
	s.connFile = path
	return nil
}

// ConnectionFilePath reports where the connection file was written.
func (s *Service) ConnectionFilePath() string { return s.connFile }

// PIDFilePath reports where the PID file was written.
func (s *Service) PIDFilePath() string { return s.pidFile }

// RuntimeDir is the directory kernels publish their runtime files in:
// $XDG_RUNTIME_DIR/agentkernel when set, else ~/.agentkernel/run.
func RuntimeDir() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "agentkernel")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "agentkernel")
	}
	return filepath.Join(home, ".agentkernel", "run")
}

// String identifies the service in logs.
func (s *Service) String() string {
	return fmt.Sprintf("service(%s)", s.cfg.KernelID)
}
