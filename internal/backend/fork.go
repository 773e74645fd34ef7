package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pixelated/dispatcher/internal/apperr"
	"github.com/pixelated/dispatcher/internal/logging"
)

// forkInstance tracks one running agent process.
type forkInstance struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	startedAt time.Time
}

// ForkBackend launches the agent binary directly as a child process,
// tracking its OS process id and reading /proc/<pid>/status for RSS.
type ForkBackend struct {
	agentPath string // path to the agent binary
	log       *logging.Logger

	mu        sync.Mutex
	instances map[string]*forkInstance
}

// NewForkBackend creates a ForkBackend that launches agentPath for each
// user's agent process.
func NewForkBackend(agentPath string, log *logging.Logger) *ForkBackend {
	return &ForkBackend{
		agentPath: agentPath,
		log:       log,
		instances: make(map[string]*forkInstance),
	}
}

// Initialize is a no-op for ForkBackend: there is no image to build/pull,
// so the agent binary is assumed present on disk at construction time.
func (f *ForkBackend) Initialize(_ context.Context) error { return nil }

// Initializing always reports false for ForkBackend.
func (f *ForkBackend) Initializing() bool { return false }

func (f *ForkBackend) Start(ctx context.Context, params StartParams) (Handle, error) {
	f.mu.Lock()
	if _, running := f.instances[params.User]; running {
		f.mu.Unlock()
		return Handle{}, apperr.Newf(apperr.AlreadyRunning, "agent %q already running", params.User)
	}
	f.mu.Unlock()

	if err := copyProviderCA(params); err != nil {
		return Handle{}, err
	}

	cmd := exec.CommandContext(ctx, f.agentPath)
	cmd.Dir = params.DataDir
	cmd.Env = append(os.Environ(), agentEnv(params)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Handle{}, fmt.Errorf("obtain stdin pipe: %w", err)
	}
	cmd.Stdout = logWriter{f.log, params.User, "stdout"}
	cmd.Stderr = logWriter{f.log, params.User, "stderr"}

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("start agent process: %w", err)
	}

	inst := &forkInstance{cmd: cmd, stdin: stdin, startedAt: time.Now()}

	f.mu.Lock()
	f.instances[params.User] = inst
	f.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		f.mu.Lock()
		delete(f.instances, params.User)
		f.mu.Unlock()
	}()

	if err := InjectCredential(ctx, stdin, params.Credential); err != nil {
		f.log.Warn("credential injection failed", "user", params.User, "error", err)
	}

	return Handle{ID: fmt.Sprintf("%d", cmd.Process.Pid), StartedAt: inst.startedAt}, nil
}

func (f *ForkBackend) Stop(ctx context.Context, user string) error {
	f.mu.Lock()
	inst, ok := f.instances[user]
	f.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.NotRunning, "agent %q not running", user)
	}

	_ = inst.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		inst.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = inst.cmd.Process.Kill()
		<-done
	case <-ctx.Done():
		_ = inst.cmd.Process.Kill()
	}

	f.mu.Lock()
	delete(f.instances, user)
	f.mu.Unlock()
	return nil
}

func (f *ForkBackend) ListRunning(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.instances))
	for name := range f.instances {
		out = append(out, name)
	}
	return out, nil
}

func (f *ForkBackend) Status(_ context.Context, user string) (Status, error) {
	f.mu.Lock()
	_, running := f.instances[user]
	f.mu.Unlock()
	if !running {
		return Status{State: StateStopped}, nil
	}
	return Status{State: StateRunning}, nil
}

func (f *ForkBackend) MemoryUsage(_ context.Context) (MemoryUsage, error) {
	f.mu.Lock()
	names := make([]string, 0, len(f.instances))
	pids := make(map[string]int, len(f.instances))
	for name, inst := range f.instances {
		names = append(names, name)
		pids[name] = inst.cmd.Process.Pid
	}
	f.mu.Unlock()

	var usage MemoryUsage
	for _, name := range names {
		bytes, err := readRSS(pids[name])
		if err != nil {
			f.log.Warn("read RSS failed", "user", name, "error", err)
			continue
		}
		usage.PerAgent = append(usage.PerAgent, AgentMemory{Name: name, Bytes: bytes})
		usage.TotalBytes += bytes
	}
	if len(usage.PerAgent) > 0 {
		usage.AverageBytes = usage.TotalBytes / uint64(len(usage.PerAgent))
	}
	return usage, nil
}

func (f *ForkBackend) ResetData(_ context.Context, user, _ string) error {
	f.mu.Lock()
	_, running := f.instances[user]
	f.mu.Unlock()
	if running {
		return apperr.Newf(apperr.AlreadyRunning, "agent %q is running", user)
	}
	return nil
}

func (f *ForkBackend) Remove(_ context.Context, user string) error {
	f.mu.Lock()
	_, running := f.instances[user]
	f.mu.Unlock()
	if running {
		return apperr.Newf(apperr.AlreadyRunning, "agent %q is running", user)
	}
	return nil
}

// readRSS reads the resident set size for pid from /proc, in bytes.
func readRSS(pid int) (uint64, error) {
	data, err := os.ReadFile(filepath.Join("/proc", fmt.Sprint(pid), "status"))
	if err != nil {
		return 0, err
	}
	var kb uint64
	for line := range splitLines(data) {
		if n, scanErr := fmt.Sscanf(line, "VmRSS: %d kB", &kb); scanErr == nil && n == 1 {
			return kb * 1024, nil
		}
	}
	return 0, fmt.Errorf("VmRSS not found for pid %d", pid)
}

func splitLines(data []byte) func(func(string) bool) {
	return func(yield func(string) bool) {
		start := 0
		for i, b := range data {
			if b == '\n' {
				if !yield(string(data[start:i])) {
					return
				}
				start = i + 1
			}
		}
		if start < len(data) {
			yield(string(data[start:]))
		}
	}
}

// logWriter forwards a child process's stdout/stderr into the structured
// logger, one line per Write call made by the stdlib's os/exec plumbing.
type logWriter struct {
	log    *logging.Logger
	user   string
	stream string
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Debug("agent output", "user", w.user, "stream", w.stream, "line", string(p))
	return len(p), nil
}

func copyProviderCA(params StartParams) error {
	if params.CABundlePath == "" {
		return nil
	}
	data, err := os.ReadFile(params.CABundlePath)
	if err != nil {
		return fmt.Errorf("read provider CA: %w", err)
	}
	dest := filepath.Join(params.DataDir, "dispatcher-leap-provider-ca.crt")
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return fmt.Errorf("write provider CA into agent data dir: %w", err)
	}
	return nil
}

func agentEnv(params StartParams) []string {
	return []string{
		"DISPATCHER_LOGOUT_URL=/auth/logout",
		fmt.Sprintf("FEEDBACK_URL=https://%s/tickets", params.ProviderHost),
		"HOME=" + params.DataDir,
		"LEAP_PROVIDER=" + params.ProviderHost,
		fmt.Sprintf("PORT=%d", params.Port),
	}
}
