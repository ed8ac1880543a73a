// Package sdnotify sends service manager notifications over the socket named
// by NOTIFY_SOCKET. Every call is a no-op outside systemd.
package sdnotify

import (
	"net"
	"os"
	"strings"
	"time"
)

const writeTimeout = time.Second

// Notification states.
const (
	Ready    = "READY=1"
	Stopping = "STOPPING=1"
	Watchdog = "WATCHDOG=1"
)

// Notifier writes to one notify socket.
type Notifier struct {
	socket string
}

// FromEnv returns a Notifier for NOTIFY_SOCKET, or nil when it is unset.
func FromEnv() *Notifier {
	return New(os.Getenv("NOTIFY_SOCKET"))
}

// New returns a Notifier for socket, or nil when socket is empty. A leading
// "@" selects the abstract namespace, as net handles it.
func New(socket string) *Notifier {
	socket = strings.TrimSpace(socket)
	if socket == "" {
		return nil
	}
	return &Notifier{socket: socket}
}

// Notify sends state. A nil Notifier does nothing.
func (n *Notifier) Notify(state string) error {
	if n == nil {
		return nil
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: n.socket, Net: "unixgram"})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write([]byte(state))
	return err
}
