// Package sleep keeps the host awake while the daemon runs, so
// long-running captures are not interrupted by system suspend. It
// shells out to the platform's inhibitor utility.
package sleep

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/ethan/ring-capture/pkg/logger"
)

// Mode selects which power-saving behaviours are blocked.
type Mode string

const (
	// ModeAll blocks system sleep, disk sleep, and display sleep.
	ModeAll Mode = "all"
	// ModeSystem blocks system sleep only.
	ModeSystem Mode = "system"
	// ModeDisk blocks disk sleep only.
	ModeDisk Mode = "disk"
	// ModeNone disables sleep prevention.
	ModeNone Mode = "none"
)

// ParseMode validates a CLI-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAll, ModeSystem, ModeDisk, ModeNone:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid sleep mode: %s (must be all, system, disk, or none)", s)
	}
}

// Preventer holds a platform sleep inhibitor for the life of the
// process.
type Preventer struct {
	mode Mode
	log  *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	done    chan struct{}
}

// NewPreventer builds a preventer for the given mode.
func NewPreventer(mode Mode, log *logger.Logger) *Preventer {
	if log == nil {
		log = logger.Default()
	}
	return &Preventer{
		mode: mode,
		log:  log.With("component", "sleep-preventer"),
	}
}

// Start launches the inhibitor process. Idempotent; ModeNone and
// unsupported platforms are no-ops.
func (p *Preventer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.mode == ModeNone {
		return nil
	}

	name, args := inhibitorCommand(p.mode)
	if name == "" {
		p.log.Warn("sleep prevention not supported on this platform", "os", runtime.GOOS)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, name, args...)
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start sleep inhibitor: %w", err)
	}

	p.running = true
	p.cancel = cancel
	p.cmd = cmd
	p.done = make(chan struct{})
	done := p.done
	p.log.Info("sleep prevention active", "mode", string(p.mode), "command", name)

	go func() {
		defer close(done)
		// The inhibitor should outlive everything; an early exit just
		// gets logged, the daemon keeps running.
		if err := cmd.Wait(); err != nil && runCtx.Err() == nil {
			p.log.Warn("sleep inhibitor exited early", "error", err)
		}
	}()
	return nil
}

// Stop terminates the inhibitor. Idempotent.
func (p *Preventer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		if p.cmd != nil && p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
	}
	p.log.Info("sleep prevention stopped")
}

// inhibitorCommand maps a mode to the platform utility. Empty name
// means unsupported.
func inhibitorCommand(mode Mode) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		switch mode {
		case ModeAll:
			return "caffeinate", []string{"-dims"}
		case ModeDisk:
			return "caffeinate", []string{"-m"}
		default:
			return "caffeinate", []string{"-s"}
		}
	case "linux":
		what := "sleep:idle"
		if mode == ModeAll {
			what = "sleep:idle:handle-lid-switch"
		}
		return "systemd-inhibit", []string{
			"--what=" + what,
			"--who=ring-capture",
			"--why=recording in progress",
			"sleep", "infinity",
		}
	default:
		return "", nil
	}
}
