//go:build linux

package e2e

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// fixture bundles the scratch files one daemon run needs: the nginx conf the
// daemon owns, a fake conntrack that plays back canned records, and a fake
// reload command that appends to a marker file.
type fixture struct {
	confPath     string
	stopMarker   string
	reloadMarker string
	conntrackBin string
	reloadBin    string
}

// newFixture lays out a temp dir with the fake binaries and returns the
// paths the daemon should be pointed at.
func newFixture(t *testing.T, records ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		confPath:     filepath.Join(dir, "fullcone.conf"),
		stopMarker:   filepath.Join(dir, "conntrack-stopped"),
		reloadMarker: filepath.Join(dir, "reloads"),
	}
	f.conntrackBin = writeFakeConntrack(t, dir, f.stopMarker, records...)
	f.reloadBin = writeScript(t, dir, "reload",
		fmt.Sprintf("#!/bin/sh\necho reloaded >> \"%s\"\n", f.reloadMarker))
	return f
}

// daemonArgs returns the standard argument list for a daemon run against
// this fixture, allowing 10.0.0.0/8 as the internal network.
func (f *fixture) daemonArgs(extra ...string) []string {
	args := []string{
		"--nginx-conf", f.confPath,
		"--reload-command", f.reloadBin,
		"--conntrack-bin", f.conntrackBin,
		"--allowed-network", "10.0.0.0/8",
	}
	return append(args, extra...)
}

// writeFakeConntrack writes a shell script standing in for the conntrack
// binary. It prints the XML stream header, plays back the given records one
// per line, then blocks until signalled, touching stopMarker on the way out.
func writeFakeConntrack(t *testing.T, dir, stopMarker string, records ...string) string {
	t.Helper()
	var script strings.Builder
	script.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&script, "trap 'touch \"%s\"; exit 0' INT TERM\n", stopMarker)
	script.WriteString("echo '<?xml version=\"1.0\" encoding=\"utf-8\"?>'\n")
	script.WriteString("echo '<conntrack>'\n")
	for _, record := range records {
		fmt.Fprintf(&script, "echo '%s'\n", record)
	}
	script.WriteString("while :; do sleep 0.1; done\n")
	return writeScript(t, dir, "conntrack", script.String())
}

// writeScript writes an executable shell script into dir.
func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("failed to write %s script: %v", name, err)
	}
	return path
}

// flowRecord builds one conntrack -o xml event line. The original side runs
// from origSrc:origPort to 203.0.113.9:80; the reply side records
// natAddr:natPort as the source address the NAT picked for the flow.
func flowRecord(kind, id, proto, origSrc, origPort, natAddr, natPort string) string {
	return fmt.Sprintf(`<flow type=%q>`+
		`<meta direction="original"><layer3 protoname="ipv4"><src>%s</src><dst>203.0.113.9</dst></layer3><layer4 protoname=%q><sport>%s</sport><dport>80</dport></layer4></meta>`+
		`<meta direction="reply"><layer3 protoname="ipv4"><src>203.0.113.9</src><dst>%s</dst></layer3><layer4 protoname=%q><sport>80</sport><dport>%s</dport></layer4></meta>`+
		`<meta direction="independent"><id>%s</id></meta></flow>`,
		kind, origSrc, proto, origPort, natAddr, proto, natPort, id)
}

// startDaemon launches the binary with the given arguments. The caller is
// responsible for stopping the process.
func startDaemon(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(daemonBinary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	return cmd
}

// stopDaemon sends SIGTERM and asserts the daemon exits cleanly.
func stopDaemon(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send SIGTERM: %v", err)
	}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- cmd.Wait()
	}()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("daemon exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		t.Fatal("daemon did not exit within 10 seconds after SIGTERM")
	}
}

// waitForFileContent polls until path holds exactly want.
func waitForFileContent(t *testing.T, path, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last []byte
	var lastErr error
	for time.Now().Before(deadline) {
		last, lastErr = os.ReadFile(path)
		if lastErr == nil && string(last) == want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("file %s never reached the expected content\nwant: %q\nlast: %q (read error: %v)",
		path, want, string(last), lastErr)
}

// waitForFile polls until path exists.
func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
}

// waitForReloads polls until the reload marker records at least count
// launches of the reload command.
func waitForReloads(t *testing.T, path string, count int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	last := 0
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			last = strings.Count(string(data), "\n")
			if last >= count {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("expected %d reload launches, saw %d", count, last)
}

// freeListenAddr grabs a free localhost port and returns host:port.
func freeListenAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to pick a free port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()
	return addr
}

// waitForHTTPOK polls url until it answers 200.
func waitForHTTPOK(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	lastStatus := 0
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			lastStatus = resp.StatusCode
			resp.Body.Close()
			if lastStatus == http.StatusOK {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("%s never answered 200, last status %d", url, lastStatus)
}

// httpGet fetches url and returns the body.
func httpGet(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read %s response: %v", url, err)
	}
	return string(body)
}
