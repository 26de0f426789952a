package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/agentkernel/config"
	"github.com/c360/agentkernel/errors"
)

// fakeProcs simulates the process table for liveness and signalling.
type fakeProcs struct {
	mu      sync.Mutex
	running map[int]bool
	signals []syscall.Signal
	// onTERM runs when SIGTERM is delivered; used to simulate graceful exit.
	onTERM func(pid int)
}

func newFakeProcs(pids ...int) *fakeProcs {
	p := &fakeProcs{running: make(map[int]bool)}
	for _, pid := range pids {
		p.running[pid] = true
	}
	return p
}

func (p *fakeProcs) signal(pid int, sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running[pid] {
		return syscall.ESRCH
	}
	p.signals = append(p.signals, sig)
	switch sig {
	case syscall.SIGKILL:
		delete(p.running, pid)
	case syscall.SIGTERM:
		if p.onTERM != nil {
			go p.onTERM(pid)
		}
	}
	return nil
}

func (p *fakeProcs) stopPID(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, pid)
}

func (p *fakeProcs) alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[pid]
}

func (p *fakeProcs) sent() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

func writeRuntimeFiles(t *testing.T, dir, id string, pid int) (connPath, pidPath string) {
	t.Helper()
	cfg := config.Default()
	cfg.KernelID = id
	connPath = filepath.Join(dir, id+".json")
	pidPath = filepath.Join(dir, id+".pid")
	require.NoError(t, config.NewConnectionFile(cfg).Write(connPath))
	require.NoError(t, os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", pid)), 0o600))
	return connPath, pidPath
}

func newTestScanner(t *testing.T, procs *fakeProcs, dirs ...string) *Scanner {
	t.Helper()
	s := NewScanner(WithDirs(dirs...))
	s.signal = procs.signal
	s.alive = procs.alive
	return s
}

func TestListUnionsConnectionAndPIDFiles(t *testing.T) {
	dir := t.TempDir()
	procs := newFakeProcs(101)
	writeRuntimeFiles(t, dir, "k1", 101)

	// k2 has only a PID file, for a process that no longer exists.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k2.pid"), []byte("202"), 0o600))

	kernels, err := newTestScanner(t, procs, dir).List()
	require.NoError(t, err)
	require.Len(t, kernels, 2)

	assert.Equal(t, "k1", kernels[0].ID)
	assert.True(t, kernels[0].Alive)
	assert.NotNil(t, kernels[0].Connection)
	assert.Equal(t, 101, kernels[0].PID)

	assert.Equal(t, "k2", kernels[1].ID)
	assert.False(t, kernels[1].Alive)
	assert.Empty(t, kernels[1].ConnectionFile)
}

func TestListScansDirectoriesInOrder(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	procs := newFakeProcs(301, 302)
	writeRuntimeFiles(t, first, "k1", 301)
	writeRuntimeFiles(t, second, "k1", 302) // shadowed by the first dir
	writeRuntimeFiles(t, second, "k3", 302)

	kernels, err := newTestScanner(t, procs, first, second).List()
	require.NoError(t, err)
	require.Len(t, kernels, 2)
	assert.Equal(t, 301, kernels[0].PID)
	assert.Equal(t, "k3", kernels[1].ID)
}

func TestListSkipsMissingDirAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	procs := newFakeProcs()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.pid"), []byte("zero"), 0o600))

	kernels, err := newTestScanner(t, procs, filepath.Join(dir, "missing"), dir).List()
	require.NoError(t, err)
	assert.Empty(t, kernels)
}

func TestFindUnknownKernel(t *testing.T) {
	s := newTestScanner(t, newFakeProcs(), t.TempDir())
	_, err := s.Find("nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStopGraceful(t *testing.T) {
	dir := t.TempDir()
	procs := newFakeProcs(401)
	procs.onTERM = func(pid int) { procs.stopPID(pid) }
	connPath, pidPath := writeRuntimeFiles(t, dir, "k1", 401)

	s := newTestScanner(t, procs, dir)
	require.NoError(t, s.Stop(context.Background(), "k1", StopOptions{Timeout: 2 * time.Second}))

	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, procs.sent())
	_, err := os.Stat(connPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestStopEscalatesToKill(t *testing.T) {
	dir := t.TempDir()
	procs := newFakeProcs(402) // ignores SIGTERM
	writeRuntimeFiles(t, dir, "k1", 402)

	s := newTestScanner(t, procs, dir)
	require.NoError(t, s.Stop(context.Background(), "k1", StopOptions{Timeout: 250 * time.Millisecond}))

	sent := procs.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, syscall.SIGTERM, sent[0])
	assert.Equal(t, syscall.SIGKILL, sent[1])
}

func TestStopForceSkipsGracefulPhase(t *testing.T) {
	dir := t.TempDir()
	procs := newFakeProcs(403)
	writeRuntimeFiles(t, dir, "k1", 403)

	s := newTestScanner(t, procs, dir)
	require.NoError(t, s.Stop(context.Background(), "k1", StopOptions{Force: true}))
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, procs.sent())
}

func TestStopDeadKernelOnlyCleansUp(t *testing.T) {
	dir := t.TempDir()
	procs := newFakeProcs()
	connPath, pidPath := writeRuntimeFiles(t, dir, "k1", 404)

	s := newTestScanner(t, procs, dir)
	require.NoError(t, s.Stop(context.Background(), "k1", StopOptions{}))

	assert.Empty(t, procs.sent())
	_, err := os.Stat(connPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestStopSkipCleanupPreservesFiles(t *testing.T) {
	dir := t.TempDir()
	procs := newFakeProcs(405)
	procs.onTERM = func(pid int) { procs.stopPID(pid) }
	connPath, _ := writeRuntimeFiles(t, dir, "k1", 405)

	s := newTestScanner(t, procs, dir)
	require.NoError(t, s.Stop(context.Background(), "k1", StopOptions{SkipCleanup: true, Timeout: time.Second}))

	_, err := os.Stat(connPath)
	assert.NoError(t, err)
}

func TestStopAllStopsEveryKernel(t *testing.T) {
	dir := t.TempDir()
	procs := newFakeProcs(501, 502)
	procs.onTERM = func(pid int) {
		if pid == 501 {
			procs.stopPID(pid)
		}
	}
	writeRuntimeFiles(t, dir, "a", 501)
	writeRuntimeFiles(t, dir, "b", 502)

	s := newTestScanner(t, procs, dir)
	stopped, err := s.StopAll(context.Background(), StopOptions{Timeout: 200 * time.Millisecond})
	require.NoError(t, err) // escalation succeeds, so both count as stopped
	assert.Equal(t, 2, stopped)
}

func TestStopByPIDFile(t *testing.T) {
	dir := t.TempDir()
	procs := newFakeProcs(601)
	procs.onTERM = func(pid int) { procs.stopPID(pid) }
	pidPath := filepath.Join(dir, "standalone.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("601"), 0o600))

	s := newTestScanner(t, procs, dir)
	require.NoError(t, s.StopByPIDFile(context.Background(), pidPath, StopOptions{Timeout: time.Second}))
	_, err := os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}
