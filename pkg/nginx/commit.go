package nginx

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Reloader launches the configured reload command as a detached process.
// Nothing waits on the command and its outcome is never inspected; a
// child that fails to start is logged and forgotten.
type Reloader struct {
	argv     []string
	onLaunch func()
	logger   *zap.Logger
}

// NewReloader splits command on whitespace into an argument vector.
// Quotes are not interpreted. onLaunch is invoked after each successful
// launch and may be nil.
func NewReloader(command string, onLaunch func(), logger *zap.Logger) *Reloader {
	return &Reloader{argv: strings.Fields(command), onLaunch: onLaunch, logger: logger}
}

// Trigger starts the reload command and returns immediately.
func (r *Reloader) Trigger() {
	if len(r.argv) == 0 {
		return
	}
	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	if err := cmd.Start(); err != nil {
		r.logger.Warn("failed to launch reload command",
			zap.Strings("argv", r.argv), zap.Error(err))
		return
	}
	r.logger.Debug("reload command launched", zap.Int("pid", cmd.Process.Pid))
	if r.onLaunch != nil {
		r.onLaunch()
	}
	go func() {
		// reap only
		_ = cmd.Wait()
	}()
}

// Committer installs rendered configuration and kicks the proxy to pick
// it up.
type Committer struct {
	path     string
	reloader *Reloader
	logger   *zap.Logger
}

// NewCommitter returns a committer targeting path. Every successful
// commit triggers the reloader.
func NewCommitter(path string, reloader *Reloader, logger *zap.Logger) *Committer {
	return &Committer{path: path, reloader: reloader, logger: logger}
}

// Commit writes text to a sibling temp file and renames it onto the
// target, so a reader never observes a partially written config, then
// triggers a reload.
func (c *Committer) Commit(text string) error {
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("failed to install %s: %w", c.path, err)
	}
	c.logger.Debug("nginx config committed",
		zap.String("path", c.path), zap.Int("bytes", len(text)))

	c.reloader.Trigger()
	return nil
}
