// Package agent assembles the device agent: the API client, the command
// dispatcher with its built-in and configured actions, the long-poll loop,
// the tunnel supervisor and the local status endpoint.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/koltyakov/fleetlink/internal/client"
	"github.com/koltyakov/fleetlink/internal/clock"
	"github.com/koltyakov/fleetlink/internal/config"
	"github.com/koltyakov/fleetlink/internal/debughttp"
	"github.com/koltyakov/fleetlink/internal/dispatch"
	"github.com/koltyakov/fleetlink/internal/handlers"
	"github.com/koltyakov/fleetlink/internal/hostinfo"
	"github.com/koltyakov/fleetlink/internal/poll"
	"github.com/koltyakov/fleetlink/internal/sdnotify"
	"github.com/koltyakov/fleetlink/internal/tunnel"
)

// Journal is the local command history.
type Journal interface {
	poll.Journal
	PruneHistory(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configures an Agent. Only Config is required.
type Options struct {
	Config  *config.Config
	Journal Journal
	Version string
	Logger  *slog.Logger
	Clock   clock.Clock
	// Notifier receives readiness and watchdog notifications; nil disables them.
	Notifier   *sdnotify.Notifier
	HTTPClient *http.Client
	HostInfo   func(ctx context.Context, serverURL string) (hostinfo.Info, error)
	Spawn      tunnel.Spawner
	Keys       tunnel.KeyProvider
}

// Agent is a running device agent.
type Agent struct {
	cfg      *config.Config
	api      *client.Client
	disp     *dispatch.Dispatcher
	loop     *poll.Loop
	journal  Journal
	log      *slog.Logger
	clock    clock.Clock
	version  string
	notifier *sdnotify.Notifier
	spawn    tunnel.Spawner
	keys     tunnel.KeyProvider
	hub      *statusHub

	mu      sync.Mutex
	baseCtx context.Context
	tun     *tunnel.Supervisor
	tunDone chan struct{}
}

// New wires an Agent from opts.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("agent: missing config")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:      opts.Config,
		journal:  opts.Journal,
		log:      logger.With("component", "agent"),
		clock:    opts.Clock,
		version:  opts.Version,
		notifier: opts.Notifier,
		spawn:    opts.Spawn,
		keys:     opts.Keys,
		hub:      newStatusHub(),
		baseCtx:  context.Background(),
	}
	if a.keys == nil {
		a.keys = &tunnel.FileKey{Path: a.cfg.Tunnel.KeyPath, Comment: keyComment(), Logger: logger}
	}

	clientOpts := []client.Option{
		client.WithLogger(logger),
		client.WithClock(opts.Clock),
		client.WithVersion(opts.Version),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, client.WithHTTPClient(opts.HTTPClient))
	}
	if opts.HostInfo != nil {
		clientOpts = append(clientOpts, client.WithHostInfo(opts.HostInfo))
	}
	a.api = client.New(a.cfg, clientOpts...)

	a.disp = dispatch.New(a.cfg, a.api.SetCommandStatus, logger.With("component", "dispatch"))
	// Configured actions first so the built-ins cannot be shadowed.
	handlers.Register(a.disp, a.cfg.Actions)
	a.registerBuiltins()

	var journal poll.Journal
	if opts.Journal != nil {
		journal = opts.Journal
	}
	a.loop = poll.New(poll.Options{
		API:            a.api,
		Dispatcher:     a.disp,
		Credentials:    a.cfg,
		Clock:          opts.Clock,
		Logger:         logger,
		MinCycle:       a.cfg.PollMinCycle,
		Journal:        journal,
		AfterIteration: a.afterIteration,
	})
	return a, nil
}

// Client returns the API client used by the agent.
func (a *Agent) Client() *client.Client { return a.api }

// Actions lists the actions the agent accepts.
func (a *Agent) Actions() []string { return a.disp.Actions() }

// Run prunes the history, starts the status endpoint, and polls until ctx is
// cancelled or Stop is called. The tunnel is closed on return.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	a.pruneHistory(ctx)

	addr, err := debughttp.Start(ctx, a.cfg.StatusListen, a, a.log)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	if addr != "" {
		a.log.Debug("status endpoint ready", "addr", addr)
	}

	a.log.Info("agent started", "url", a.cfg.URL(), "version", a.version, "actions", a.disp.Actions())
	a.notify(sdnotify.Ready)
	err = a.loop.Run(ctx)

	a.notify(sdnotify.Stopping)
	a.closeTunnel(true)
	a.log.Info("agent stopped")
	return err
}

// ServeTunnel supervises the tunnel without polling for commands until ctx
// is cancelled.
func (a *Agent) ServeTunnel(ctx context.Context) error {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	addr, err := debughttp.Start(ctx, a.cfg.StatusListen, a, a.log)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	if addr != "" {
		a.log.Debug("status endpoint ready", "addr", addr)
	}
	a.OpenTunnel()
	a.notify(sdnotify.Ready)
	<-ctx.Done()
	a.notify(sdnotify.Stopping)
	a.closeTunnel(true)
	return nil
}

// Stop ends the poll loop and closes the tunnel.
func (a *Agent) Stop() {
	a.loop.Stop()
	a.closeTunnel(false)
}

// Snapshot reports the agent state for the status endpoint.
func (a *Agent) Snapshot() debughttp.Snapshot {
	return debughttp.Snapshot{
		Version:    a.version,
		URL:        a.cfg.URL(),
		Registered: a.cfg.Credentials().Present(),
		Polling:    a.loop.Running(),
		Tunnel:     a.hub.current(),
	}
}

// WatchTunnel streams tunnel status changes across tunnel restarts.
func (a *Agent) WatchTunnel() (<-chan tunnel.Status, func()) {
	return a.hub.watch()
}

// OpenTunnel starts the tunnel supervisor. It reports false when a tunnel is
// already supervised.
func (a *Agent) OpenTunnel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tun != nil {
		return false
	}
	tc := a.cfg.Tunnel
	sup := tunnel.New(tunnel.Options{
		API:      a.api,
		Keys:     a.keys,
		Server:   a.cfg.TunnelServer,
		Spawn:    a.spawn,
		Clock:    a.clock,
		Logger:   a.log,
		SSH:      tc.SSH,
		KeyPath:  tc.KeyPath,
		User:     tc.User,
		Local:    tc.Local,
		Interval: tc.Interval,
		Grace:    tc.Grace,
		Observer: a.hub.publish,
	})
	done := make(chan struct{})
	a.tun, a.tunDone = sup, done
	ctx := context.WithoutCancel(a.baseCtx)
	go func() {
		defer close(done)
		if err := sup.Run(ctx); err != nil {
			a.log.Error("tunnel stopped", "err", err)
		}
	}()
	return true
}

// closeTunnel stops the supervised tunnel, optionally waiting for its loop
// to return. It reports false when no tunnel was running.
func (a *Agent) closeTunnel(wait bool) bool {
	a.mu.Lock()
	sup, done := a.tun, a.tunDone
	a.tun, a.tunDone = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return false
	}
	if err := sup.Close(); err != nil {
		a.log.Warn("close tunnel", "err", err)
	}
	if wait {
		<-done
	}
	return true
}

func (a *Agent) afterIteration() {
	if !a.cfg.Watchdog {
		return
	}
	a.notify(sdnotify.Watchdog)
}

func (a *Agent) notify(state string) {
	if err := a.notifier.Notify(state); err != nil {
		a.log.Debug("service manager notification failed", "state", state, "err", err)
	}
}

func (a *Agent) pruneHistory(ctx context.Context) {
	if a.journal == nil || a.cfg.HistoryRetention <= 0 {
		return
	}
	n, err := a.journal.PruneHistory(ctx, a.clock.Now().Add(-a.cfg.HistoryRetention))
	if err != nil {
		a.log.Warn("prune command history", "err", err)
		return
	}
	if n > 0 {
		a.log.Debug("pruned command history", "rows", n)
	}
}

func keyComment() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "fleetlink"
	}
	return "fleetlink@" + host
}
