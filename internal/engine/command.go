package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/pkg/log"
)

const (
	// tailSize is how much combined output is kept for failure reports.
	tailSize = 4 << 10
	// waitDelay bounds how long Run waits on output pipes after the process
	// group is killed.
	waitDelay = 2 * time.Second
)

// CommandConfig describes the shell command run for every item.
type CommandConfig struct {
	// Command is passed to Shell -c.
	Command string
	// Shell defaults to /bin/sh.
	Shell string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is appended to the process environment.
	Env []string
}

// Environ describes it as KEY=VALUE pairs for the process running it.
func Environ(it item.Item) []string {
	return []string{
		"CIQ_OWNER=" + it.Revision.Owner,
		"CIQ_REPO=" + it.Revision.Repo,
		"CIQ_SHA=" + it.Revision.SHA,
		"CIQ_BRANCH=" + it.Revision.Branch,
		"CIQ_PULL_REQUEST=" + strconv.Itoa(it.Revision.PullRequest),
		"CIQ_STORE_KEY=" + it.StoreKey,
	}
}

// Command returns a Func that runs cfg.Command with Environ(it) added to the
// environment. A non-zero exit is an error carrying the output tail.
func Command(cfg CommandConfig, l log.Logger) Func {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	return func(ctx context.Context, it item.Item) error {
		cmd := exec.CommandContext(ctx, shell, "-c", cfg.Command)
		cmd.Dir = cfg.Dir
		cmd.Env = append(append(os.Environ(), cfg.Env...), Environ(it)...)
		out := &tailBuffer{max: tailSize}
		cmd.Stdout = out
		cmd.Stderr = out
		killGroup(cmd)
		cmd.WaitDelay = waitDelay

		l.Info("running command", log.Str("key", it.StoreKey), log.Str("revision", it.Revision.String()))
		if err := cmd.Run(); err != nil {
			tail := out.String()
			l.Warn("command failed",
				log.Str("key", it.StoreKey),
				log.Str("revision", it.Revision.String()),
				log.Err(err),
				log.Str("output_tail", tail))
			return fmt.Errorf("command %q: %w", cfg.Command, err)
		}
		return nil
	}
}

// NewCommandEngine is NewAsync(Command(cfg, l), opts...).
func NewCommandEngine(cfg CommandConfig, l log.Logger, opts ...Option) *Async {
	if l == nil {
		l = log.NewNopLogger()
	}
	return NewAsync(Command(cfg, l), append([]Option{WithLogger(l)}, opts...)...)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
