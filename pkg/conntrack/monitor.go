package conntrack

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// Monitor runs the conntrack CLI in event mode and hands out raw flow
// records one line at a time. The sequence is lazy and not restartable:
// once Start has been called the monitor is bound to that one subprocess
// for its lifetime.
type Monitor struct {
	binPath string
	logger  *zap.Logger

	started bool
	cmd     *exec.Cmd
	out     *bufio.Reader

	stderrDone chan struct{}
	reapOnce   sync.Once
	reapErr    error
}

// NewMonitor returns a monitor that will launch the conntrack binary at
// binPath. Nothing is spawned until Start.
func NewMonitor(binPath string, logger *zap.Logger) *Monitor {
	return &Monitor{
		binPath: binPath,
		logger:  logger,
	}
}

// Start launches `conntrack -E -o xml` and consumes the two framing lines
// (the XML declaration and the opening conntrack tag) so that every
// subsequent line on stdout is one complete flow record. Calling Start on
// a monitor that already ran is an error.
func (m *Monitor) Start() error {
	if m.started {
		return fmt.Errorf("conntrack monitor already started")
	}
	m.started = true

	cmd := exec.Command(m.binPath, "-E", "-o", "xml")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open conntrack stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open conntrack stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch conntrack: %w", err)
	}
	m.cmd = cmd
	m.out = bufio.NewReader(stdout)

	m.stderrDone = make(chan struct{})
	go m.pipeStderr(stderr)

	for i := 0; i < 2; i++ {
		if _, err := m.out.ReadBytes('\n'); err != nil {
			m.RequestStop()
			m.reap()
			return fmt.Errorf("failed to read conntrack stream header: %w", err)
		}
	}

	m.logger.Info("conntrack event stream attached",
		zap.String("bin", m.binPath),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// pipeStderr forwards the subprocess diagnostics to the logger.
func (m *Monitor) pipeStderr(r io.Reader) {
	defer close(m.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.logger.Debug("conntrack", zap.String("stderr", scanner.Text()))
	}
}

// Next blocks until the subprocess emits the next flow record and returns
// the raw line. When the stream ends the child is reaped and the read
// error is returned; a record cut short by process exit is still handed
// to the caller.
func (m *Monitor) Next() ([]byte, error) {
	if m.out == nil {
		return nil, fmt.Errorf("conntrack monitor not started")
	}
	line, err := m.out.ReadBytes('\n')
	if err != nil {
		m.reap()
		if len(line) > 0 {
			return line, nil
		}
		return nil, fmt.Errorf("failed to read conntrack event: %w", err)
	}
	return line, nil
}

// RequestStop asks the subprocess to exit by sending SIGINT. A read
// blocked in Next unblocks once the child closes its end of the pipe.
func (m *Monitor) RequestStop() {
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}
	if err := m.cmd.Process.Signal(os.Interrupt); err != nil {
		m.logger.Warn("failed to signal conntrack", zap.Error(err))
	}
}

// Wait reaps the subprocess and reports its exit error, once. It must not
// be called while reads are still expected to succeed; pair it with
// RequestStop.
func (m *Monitor) Wait() error {
	if m.cmd == nil {
		return nil
	}
	m.reap()
	return m.reapErr
}

func (m *Monitor) reap() {
	m.reapOnce.Do(func() {
		<-m.stderrDone
		m.reapErr = m.cmd.Wait()
		m.logger.Debug("conntrack exited", zap.Error(m.reapErr))
	})
}
