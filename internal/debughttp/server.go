// Package debughttp serves the local status endpoint: the agent and tunnel
// state as JSON, a websocket stream of tunnel changes, and pprof.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/fleetlink/internal/tunnel"
)

const (
	shutdownTimeout = 5 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
)

// Snapshot is the body of GET /status.
type Snapshot struct {
	Version    string        `json:"version"`
	URL        string        `json:"url"`
	Registered bool          `json:"registered"`
	Polling    bool          `json:"polling"`
	Tunnel     tunnel.Status `json:"tunnel"`
}

// Source provides the state served by the status endpoint.
type Source interface {
	Snapshot() Snapshot
	WatchTunnel() (<-chan tunnel.Status, func())
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Start serves the status endpoint on addr and shuts it down when ctx is
// canceled. It returns the bound address once the listener is up so address
// conflicts fail fast. An empty addr disables the server.
func Start(ctx context.Context, addr string, src Source, log *slog.Logger) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", nil
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "status")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	srv := &http.Server{
		Handler:           NewMux(src, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info("status server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server error", "err", err)
		}
	}()

	return ln.Addr().String(), nil
}

// NewMux returns the status handler tree.
func NewMux(src Source, log *slog.Logger) *http.ServeMux {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(src.Snapshot())
	})
	mux.HandleFunc("GET /status/ws", func(w http.ResponseWriter, r *http.Request) {
		streamTunnel(w, r, src, log)
	})
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	return mux
}

// streamTunnel sends the current tunnel status, then every change, until
// the peer goes away.
func streamTunnel(w http.ResponseWriter, r *http.Request, src Source, log *slog.Logger) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	updates, stop := src.WatchTunnel()
	defer stop()

	// The read side only exists to notice the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}
	if err := write(src.Snapshot().Tunnel); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case st, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := write(st); err != nil {
				log.Debug("websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
