// Package supervisor is the Process Supervisor: it spawns,
// monitors and terminates capture and conversion child processes, streaming
// their stdout/stderr to per-job log files without ever buffering them in
// memory.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Spec describes a process to spawn.
type Spec struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	LogPath string
}

// Handle is a stable reference to a supervised process, valid across the
// lifetime of the owning Supervisor even if the caller drops its own
// pointer; the string ID lets external components refer to a process
// without holding the handle itself.
type Handle struct {
	ID string

	spec     Spec
	cmd      *exec.Cmd
	logFile  *os.File
	done     chan struct{}
	exitCode int
	waitErr  error
	mu       sync.Mutex
	exited   bool
}

// Running reports whether the process has not yet exited.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// CommandLine returns the spawned executable and arguments.
func (h *Handle) CommandLine() []string {
	return append([]string{h.spec.Path}, h.spec.Args...)
}

// ExitCode returns the process exit code once Wait has returned; it is
// meaningless before that.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Supervisor tracks every process it has spawned so List/TerminateAll can
// operate without the caller holding references.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*Handle
	logger  zerolog.Logger
}

func New() *Supervisor {
	return &Supervisor{
		handles: make(map[string]*Handle),
		logger:  log.WithComponent("supervisor"),
	}
}

// Spawn starts a child process, streaming combined stdout/stderr to
// spec.LogPath line-by-line. It returns SpawnError if the executable cannot
// be found or the log file cannot be created.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if _, err := exec.LookPath(spec.Path); err != nil {
		if _, statErr := os.Stat(spec.Path); statErr != nil {
			return nil, coreerrors.Wrap(coreerrors.KindSpawn, "executable not found: "+spec.Path, err)
		}
	}

	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindSpawn, "cannot open log file: "+spec.LogPath, err)
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = logFile.Close()
		return nil, coreerrors.Wrap(coreerrors.KindSpawn, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = logFile.Close()
		return nil, coreerrors.Wrap(coreerrors.KindSpawn, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, coreerrors.Wrap(coreerrors.KindSpawn, "start process", err)
	}

	h := &Handle{
		ID:      uuid.New().String(),
		spec:    spec,
		cmd:     cmd,
		logFile: logFile,
		done:    make(chan struct{}),
	}

	var streamWG sync.WaitGroup
	streamWG.Add(2)
	go streamLines(&streamWG, stdout, logFile)
	go streamLines(&streamWG, stderr, logFile)

	s.mu.Lock()
	s.handles[h.ID] = h
	metrics.SupervisedChildrenSet(len(s.handles))
	s.mu.Unlock()

	go func() {
		streamWG.Wait()
		err := cmd.Wait()
		_ = logFile.Close()
		h.mu.Lock()
		h.exited = true
		h.waitErr = err
		if cmd.ProcessState != nil {
			h.exitCode = cmd.ProcessState.ExitCode()
		} else {
			h.exitCode = -1
		}
		h.mu.Unlock()
		close(h.done)
	}()

	s.logger.Info().Str("handle_id", h.ID).Str("path", spec.Path).Msg("spawned supervised process")
	return h, nil
}

func streamLines(wg *sync.WaitGroup, r io.Reader, w io.Writer) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fmt.Fprintln(w, sc.Text())
	}
}

// Wait blocks until the process exits and returns its exit code. It never
// returns an error for a non-zero exit; non-zero codes are reported to the
// caller via the return value.
func (s *Supervisor) Wait(ctx context.Context, h *Handle) (int, error) {
	select {
	case <-h.done:
		return h.ExitCode(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Terminate requests cooperative shutdown (SIGTERM to the process group),
// waits up to graceTimeout, then force-kills (SIGKILL). It returns whether
// the process stopped gracefully within the deadline.
func (s *Supervisor) Terminate(ctx context.Context, h *Handle, graceTimeout time.Duration) (graceful bool, err error) {
	h.mu.Lock()
	alreadyExited := h.exited
	h.mu.Unlock()
	if alreadyExited {
		return true, nil
	}

	pgid, pgErr := syscall.Getpgid(h.cmd.Process.Pid)
	if pgErr == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-h.done:
		return true, nil
	case <-time.After(graceTimeout):
	case <-ctx.Done():
	}

	h.mu.Lock()
	alreadyExited = h.exited
	h.mu.Unlock()
	if alreadyExited {
		return true, nil
	}

	s.logger.Warn().Str("handle_id", h.ID).Msg("grace period elapsed, force-killing process group")
	if pgErr == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = h.cmd.Process.Kill()
	}

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
	return false, nil
}

// List returns every handle the Supervisor currently knows about, spawned
// or still running, in no particular order.
func (s *Supervisor) List() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

// TerminateAll is invoked on shutdown of the owning service; every tracked
// process is asked to stop gracefully within graceTimeout before being
// force-killed.
func (s *Supervisor) TerminateAll(ctx context.Context, graceTimeout time.Duration) {
	var wg sync.WaitGroup
	for _, h := range s.List() {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_, _ = s.Terminate(ctx, h, graceTimeout)
		}(h)
	}
	wg.Wait()
}

// HasWriterFor reports whether any running child references the given path
// on its command line. The cleanup task uses this to avoid deleting a file
// another process is still writing, and the Recovery
// Coordinator to avoid stealing live captures.
func (s *Supervisor) HasWriterFor(path string) bool {
	if path == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		if !h.Running() {
			continue
		}
		for _, arg := range h.CommandLine() {
			if strings.Contains(arg, path) {
				return true
			}
		}
	}
	return false
}

// Forget removes a handle from the tracked set once the caller has fully
// processed its exit, so long-running daemons do not leak handle entries.
func (s *Supervisor) Forget(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h.ID)
	metrics.SupervisedChildrenSet(len(s.handles))
}
