// Package hostinfo collects the identity of the machine the agent runs on:
// host name, the local address used to reach the server, a hardware address
// and free disk space.
package hostinfo

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
)

// DefaultSpacePath is the mount whose free space is reported as the
// remaining recording space.
const DefaultSpacePath = "/home"

// Info identifies this host to the server.
type Info struct {
	Hostname string `json:"hostname"`
	LocalIP  string `json:"local_ip"`
	MAC      string `json:"mac"`
}

// Collect gathers host info. The local IP is the source address the kernel
// picks for a UDP "connection" to the server; no packet is sent.
func Collect(ctx context.Context, serverURL string) (Info, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Info{}, fmt.Errorf("hostname: %w", err)
	}
	ip, err := LocalIP(ctx, serverURL)
	if err != nil {
		return Info{}, err
	}
	return Info{Hostname: hostname, LocalIP: ip, MAC: MAC()}, nil
}

// LocalIP returns the local address routed towards serverURL.
func LocalIP(ctx context.Context, serverURL string) (string, error) {
	addr, err := dialAddress(serverURL)
	if err != nil {
		return "", err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return "", fmt.Errorf("resolve local ip towards %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %T", conn.LocalAddr())
	}
	return local.IP.String(), nil
}

// MAC returns a hardware address formatted as colon separated lower-case
// hex. It falls back to a random node ID when no interface exposes one.
func MAC() string {
	node := uuid.NodeID()
	parts := make([]string, len(node))
	for i, b := range node {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// FreeMegabytes returns the space available to unprivileged users on the
// filesystem holding path, in MiB.
func FreeMegabytes(path string) (int64, error) {
	free, err := freeBytes(path)
	if err != nil {
		return 0, fmt.Errorf("free space of %s: %w", path, err)
	}
	return int64(free / (1024 * 1024)), nil
}

func dialAddress(serverURL string) (string, error) {
	raw := strings.TrimSpace(serverURL)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("invalid server url %q", serverURL)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
