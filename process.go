package stormlsp

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	gopsproc "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// process abstracts a spawned server subprocess so connection logic can be
// exercised in tests without real executables.
type process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
	Kill() error
}

// spawnFunc launches a server process for a config. The Manager installs
// the OS implementation; tests swap in an in-memory fake.
type spawnFunc func(cfg ServerConfig, workDir string) (process, error)

// osProcess is the real subprocess implementation.
type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
func (p *osProcess) Stderr() io.Reader     { return p.stderr }
func (p *osProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *osProcess) Wait() error           { return p.cmd.Wait() }

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// launchProcess starts a server executable with pipes on its standard
// streams.
func launchProcess(cfg ServerConfig, workDir string) (process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if workDir != "" {
		cmd.Dir = workDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, err
	}

	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// memoryLimitBytes resolves a percent-of-system-memory limit to bytes.
// Returns 0 when no limit applies or system memory cannot be read.
func (l ProcessLimits) memoryLimitBytes() uint64 {
	if !l.Enabled || l.MaxMemoryPercent <= 0 {
		return 0
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Total / 100 * uint64(l.MaxMemoryPercent)
}

// watchdogInterval is how often the resource watchdog samples a server's
// memory usage.
const watchdogInterval = 5 * time.Second

// runMemoryWatchdog samples the server's resident set and kills it when the
// configured budget is exceeded. The subsequent exit is handled by the
// normal crash path, so the supervisor sees an ordinary crash. Returns when
// stop is closed or the process cannot be sampled anymore.
func runMemoryWatchdog(pid int, limitBytes uint64, stop <-chan struct{}, kill func(), logger *zap.Logger) {
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		info, err := proc.MemoryInfo()
		if err != nil {
			return // process gone
		}
		if info.RSS > limitBytes {
			logger.Warn("server exceeded memory limit, killing",
				zap.Int("pid", pid),
				zap.Uint64("rss", info.RSS),
				zap.Uint64("limit", limitBytes))
			kill()
			return
		}
	}
}
