package discovery

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/c360/agentkernel/errors"
)

// StopOptions controls how a kernel is brought down.
type StopOptions struct {
	// Timeout bounds the graceful phase. After it expires the kernel is
	// killed with SIGKILL. Defaults to 10s.
	Timeout time.Duration
	// Force skips the graceful phase and sends SIGKILL immediately.
	Force bool
	// SkipCleanup leaves the connection and PID files in place.
	SkipCleanup bool
}

const pollInterval = 100 * time.Millisecond

// Stop terminates the kernel with the given id. The graceful path sends
// SIGTERM and polls liveness until the process exits or the timeout
// expires, then escalates to SIGKILL. Runtime files are removed afterwards
// unless SkipCleanup is set; log files are always preserved.
func (s *Scanner) Stop(ctx context.Context, id string, opts StopOptions) error {
	k, err := s.Find(id)
	if err != nil {
		return err
	}
	return s.stop(ctx, k, opts)
}

// StopByPIDFile terminates the kernel recorded in the given PID file.
func (s *Scanner) StopByPIDFile(ctx context.Context, path string, opts StopOptions) error {
	pid, err := readPIDFile(path)
	if err != nil {
		return err
	}
	return s.stop(ctx, &Kernel{PID: pid, PIDFile: path}, opts)
}

// StopAll terminates every discovered kernel. It returns the number of
// kernels stopped and the first error encountered; remaining kernels are
// still attempted after a failure.
func (s *Scanner) StopAll(ctx context.Context, opts StopOptions) (int, error) {
	kernels, err := s.List()
	if err != nil {
		return 0, err
	}
	stopped := 0
	var firstErr error
	for i := range kernels {
		if err := s.stop(ctx, &kernels[i], opts); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stopped++
	}
	return stopped, firstErr
}

func (s *Scanner) stop(ctx context.Context, k *Kernel, opts StopOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	if k.PID > 0 && s.alive(k.PID) {
		if err := s.terminate(ctx, k, opts); err != nil {
			return err
		}
	} else {
		s.logger.Info("kernel already stopped", "kernel_id", k.ID, "pid", k.PID)
	}

	if !opts.SkipCleanup {
		s.Cleanup(k)
	}
	return nil
}

func (s *Scanner) terminate(ctx context.Context, k *Kernel, opts StopOptions) error {
	if opts.Force {
		return s.kill(k)
	}

	if err := s.signal(k.PID, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return errors.WrapTransport(err, "Scanner", "terminate", "SIGTERM")
	}
	s.logger.Info("sent SIGTERM", "kernel_id", k.ID, "pid", k.PID)

	deadline := time.After(opts.Timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			s.logger.Warn("graceful stop timed out, escalating",
				"kernel_id", k.ID, "pid", k.PID, "timeout", opts.Timeout)
			return s.kill(k)
		case <-ticker.C:
			if !s.alive(k.PID) {
				return nil
			}
		}
	}
}

func (s *Scanner) kill(k *Kernel) error {
	if err := s.signal(k.PID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return errors.WrapTransport(err, "Scanner", "kill", "SIGKILL")
	}
	s.logger.Info("sent SIGKILL", "kernel_id", k.ID, "pid", k.PID)
	return nil
}

// Cleanup removes the kernel's connection and PID files. Missing files are
// ignored; logs are not removed.
func (s *Scanner) Cleanup(k *Kernel) {
	for _, path := range []string{k.ConnectionFile, k.PIDFile} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("cleanup failed", "path", path, "error", err)
		}
	}
}
