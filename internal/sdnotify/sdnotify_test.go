package sdnotify

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestNilNotifier(t *testing.T) {
	t.Parallel()

	if n := New(""); n != nil {
		t.Fatalf("expected nil notifier, got %+v", n)
	}
	var n *Notifier
	if err := n.Notify(Watchdog); err != nil {
		t.Fatalf("nil notifier must be a no-op: %v", err)
	}
}

func TestNotifyWritesDatagram(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("unixgram is not available")
	}

	dir, err := os.MkdirTemp("", "sdn")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := New(path).Notify(Watchdog); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, _, err := conn.ReadFromUnix(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != Watchdog {
		t.Fatalf("got %q, want %q", got, Watchdog)
	}
}
