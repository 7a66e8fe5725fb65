//go:build unix

package conntrack

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// writeFakeConntrack drops a shell script standing in for the conntrack
// binary. Scripts must print the two framing lines themselves.
func writeFakeConntrack(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conntrack")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write fake conntrack: %v", err)
	}
	return path
}

const fakeHeader = `echo '<?xml version="1.0" encoding="utf-8"?>'
echo '<conntrack>'
`

func TestMonitor_StreamsEvents(t *testing.T) {
	script := "#!/bin/sh\n" + fakeHeader +
		"echo '<flow type=\"new\"><first/></flow>'\n" +
		"echo '<flow type=\"destroy\"><second/></flow>'\n"
	mon := NewMonitor(writeFakeConntrack(t, script), zap.NewNop())

	if err := mon.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	line, err := mon.Next()
	if err != nil {
		t.Fatalf("first Next failed: %v", err)
	}
	if !bytes.Contains(line, []byte(`type="new"`)) {
		t.Errorf("first record should be the new flow, got %q", line)
	}

	line, err = mon.Next()
	if err != nil {
		t.Fatalf("second Next failed: %v", err)
	}
	if !bytes.Contains(line, []byte(`type="destroy"`)) {
		t.Errorf("second record should be the destroy flow, got %q", line)
	}

	if _, err := mon.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after stream end, got %v", err)
	}
	if err := mon.Wait(); err != nil {
		t.Errorf("clean exit should not report an error, got %v", err)
	}
}

func TestMonitor_RequestStopUnblocksNext(t *testing.T) {
	script := "#!/bin/sh\n" + fakeHeader +
		"trap 'exit 0' INT\n" +
		"while :; do sleep 1; done\n"
	mon := NewMonitor(writeFakeConntrack(t, script), zap.NewNop())

	if err := mon.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := mon.Next()
		errc <- err
	}()

	time.Sleep(100 * time.Millisecond)
	mon.RequestStop()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected a stream-end error from Next")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not unblock after RequestStop")
	}
	mon.Wait()
}

func TestMonitor_SecondStartErrors(t *testing.T) {
	script := "#!/bin/sh\n" + fakeHeader
	mon := NewMonitor(writeFakeConntrack(t, script), zap.NewNop())

	if err := mon.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := mon.Start(); err == nil {
		t.Fatal("second Start should fail")
	}
	mon.RequestStop()
	mon.Wait()
}

func TestMonitor_StartMissingBinary(t *testing.T) {
	mon := NewMonitor(filepath.Join(t.TempDir(), "no-such-conntrack"), zap.NewNop())
	if err := mon.Start(); err == nil {
		t.Fatal("Start should fail when the binary does not exist")
	}
}

func TestMonitor_StartTruncatedHeader(t *testing.T) {
	script := "#!/bin/sh\necho '<?xml version=\"1.0\" encoding=\"utf-8\"?>'\n"
	mon := NewMonitor(writeFakeConntrack(t, script), zap.NewNop())
	if err := mon.Start(); err == nil {
		t.Fatal("Start should fail when the stream header is truncated")
	}
}

func TestMonitor_NextBeforeStart(t *testing.T) {
	mon := NewMonitor("conntrack", zap.NewNop())
	if _, err := mon.Next(); err == nil {
		t.Fatal("Next before Start should fail")
	}
}
