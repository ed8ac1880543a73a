// Package tunnel supervises the reverse ssh tunnel that gives the server
// out-of-band access to the device's local web interface. The supervisor
// negotiates a forwarding port with the server, runs ssh, follows its
// verbose output to track the connection state, and re-establishes the
// tunnel whenever it fails.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koltyakov/fleetlink/internal/clock"
	"github.com/koltyakov/fleetlink/internal/domain"
	"github.com/koltyakov/fleetlink/internal/netutil"
)

const (
	// DefaultInterval is the time between two supervision cycles.
	DefaultInterval = 10 * time.Second
	// DefaultGrace is how long ssh may take to exit after SIGTERM.
	DefaultGrace = 5 * time.Second

	defaultUser  = "tunnel"
	defaultLocal = "127.0.0.1:443"
	defaultSSH   = "ssh"
)

// PortRequester asks the server for a forwarding port.
type PortRequester interface {
	PrepareTunnel(ctx context.Context, publicKey string) (domain.PrepareTunnelResponse, error)
}

// Options configures a Supervisor. API, Keys and Server are required.
type Options struct {
	API  PortRequester
	Keys KeyProvider
	// Server returns the URL of the tunnel host; read on every attempt so
	// a URL change applies to the next connection.
	Server func() string
	// Spawn defaults to Spawn.
	Spawn    Spawner
	Clock    clock.Clock
	Logger   *slog.Logger
	Rules    []Rule
	SSH      string
	KeyPath  string
	User     string
	Local    string
	Interval time.Duration
	Grace    time.Duration
	// Observer receives a copy of the status after every change.
	Observer func(Status)
}

// Supervisor runs the tunnel loop. All methods are safe for concurrent use.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	running   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	status Status
	proc   Process
	queue  *LineQueue
	// notifyMu keeps Observer calls in the order of the updates.
	notifyMu sync.Mutex
}

// New creates a Supervisor in the not_running state.
func New(opts Options) *Supervisor {
	if opts.Spawn == nil {
		opts.Spawn = Spawn
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.SSH == "" {
		opts.SSH = defaultSSH
	}
	if opts.User == "" {
		opts.User = defaultUser
	}
	if opts.Local == "" {
		opts.Local = defaultLocal
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opts:   opts,
		log:    logger.With("component", "tunnel"),
		closed: make(chan struct{}),
		status: Status{State: StateNotRunning},
	}
}

// Run supervises the tunnel until Close is called or ctx is cancelled, and
// always leaves the tunnel closed. The first cycle runs immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.begin() {
		return nil
	}
	defer s.Close()

	for {
		s.cycle(ctx)
		select {
		case <-s.opts.Clock.After(s.opts.Interval):
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		}
	}
}

// begin marks the supervisor running unless it was closed already.
func (s *Supervisor) begin() bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	s.running.Store(true)
	server := s.server()
	s.update(func(st *Status) {
		st.State = StateLoading
		st.Port = 0
		st.Command = []string{"Load", server}
	})
	return true
}

// Close stops the loop and the ssh process. It is idempotent and safe to
// call when nothing runs.
func (s *Supervisor) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.log.Debug("closing tunnel")
		s.running.Store(false)
		close(s.closed)
		err = s.teardown()
		s.update(func(st *Status) { st.State = StateClosed })
	})
	return err
}

// Status returns a copy of the current tunnel status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.clone()
}

func (s *Supervisor) cycle(ctx context.Context) {
	if !s.running.Load() {
		return
	}
	s.mu.Lock()
	proc, queue := s.proc, s.queue
	s.mu.Unlock()

	switch {
	case proc == nil:
		s.log.Debug("no tunnel process, establishing")
		s.establish(ctx)
	case exited(proc):
		info := strings.Join(queue.Drain(), "")
		s.update(func(st *Status) {
			st.State = StateError
			st.LastInfo = info
		})
		s.log.Error("ssh tunnel process exited", "output", strings.TrimSpace(info))
		s.stop()
	default:
		if s.consume(queue) {
			s.stop()
		}
	}
}

// stop tears down a failed tunnel; the next cycle re-establishes it.
func (s *Supervisor) stop() {
	if err := s.teardown(); err != nil {
		s.log.Warn("stop failed tunnel", "err", err)
	}
}

// consume applies queued ssh output to the state. It reports whether a
// failure line was seen; lines after it stay queued and are dropped with the
// process.
func (s *Supervisor) consume(queue *LineQueue) bool {
	for {
		raw, ok := queue.Pop()
		if !ok {
			return false
		}
		line := strings.TrimRight(raw, "\r\n")
		rule, matched := match(s.opts.Rules, line)
		if !matched {
			if strings.HasPrefix(line, "debug1:") || strings.HasPrefix(line, "OpenSSH_") {
				s.log.Debug(line)
			} else if line != "" {
				s.log.Warn(line)
			}
			continue
		}
		s.update(func(st *Status) {
			st.State = rule.State
			st.LastInfo = line
		})
		if rule.State.Failure() {
			s.log.Error("ssh tunnel failed, retrying next cycle", "state", rule.State, "line", line)
			return true
		}
		s.log.Debug("ssh tunnel state", "state", rule.State)
	}
}

func (s *Supervisor) establish(ctx context.Context) {
	if err := s.teardown(); err != nil {
		s.log.Warn("stop previous tunnel", "err", err)
	}
	if !s.running.Load() {
		return
	}
	server := s.server()
	s.log.Debug("establishing new tunnel", "server", server)

	port, err := s.requestPort(ctx)
	if !s.running.Load() {
		s.log.Debug("tunnel closed while preparing, not starting ssh")
		return
	}
	if err != nil {
		s.update(func(st *Status) {
			st.State = StatePrepareFailed
			st.Port = 0
			st.Command = []string{"PREPARE_TUNNEL", server}
			st.LastInfo = err.Error()
		})
		s.log.Error("cannot prepare ssh tunnel", "err", err)
		return
	}
	if port == 0 {
		s.log.Debug("no port provided, not starting ssh tunnel")
		return
	}

	argv := s.command(netutil.HostFromURL(server), port)
	s.update(func(st *Status) {
		st.Port = port
		st.Command = argv
	})
	s.log.Info("starting ssh tunnel", "command", strings.Join(argv, " "))

	proc, err := s.opts.Spawn(argv)
	if err != nil {
		s.update(func(st *Status) {
			st.State = StateError
			st.LastInfo = err.Error()
		})
		s.log.Error("start ssh", "err", err)
		return
	}
	queue := NewLineQueue(DefaultQueueSize)
	queue.Attach(proc.Stdout())
	queue.Attach(proc.Stderr())

	s.mu.Lock()
	s.proc, s.queue = proc, queue
	s.mu.Unlock()

	// Close may have run between the check above and the spawn.
	if !s.running.Load() {
		_ = s.teardown()
	}
}

func (s *Supervisor) requestPort(ctx context.Context) (int, error) {
	pub, err := s.opts.Keys.PublicKey()
	if err != nil {
		return 0, fmt.Errorf("ssh key: %w", err)
	}
	resp, err := s.opts.API.PrepareTunnel(ctx, pub)
	if err != nil {
		return 0, err
	}
	if resp.Port == nil {
		return 0, nil
	}
	if *resp.Port <= 0 || *resp.Port > 65535 {
		return 0, fmt.Errorf("invalid port %d", *resp.Port)
	}
	return *resp.Port, nil
}

// command builds the ssh invocation for a reverse forward of port on the
// tunnel host to the local web interface.
func (s *Supervisor) command(host string, port int) []string {
	return []string{
		s.opts.SSH,
		"-i", s.opts.KeyPath,
		"-o", "IdentitiesOnly yes",
		"-nvNT",
		"-o", "NumberOfPasswordPrompts 0",
		"-o", "CheckHostIP no",
		"-o", "StrictHostKeyChecking no",
		"-R", fmt.Sprintf("%d:%s", port, s.opts.Local),
		s.opts.User + "@" + host,
	}
}

// teardown terminates the process group, force-kills it after the grace
// period, then stops the line readers.
func (s *Supervisor) teardown() error {
	s.mu.Lock()
	proc, queue := s.proc, s.queue
	s.proc, s.queue = nil, nil
	s.mu.Unlock()

	var err error
	if proc != nil {
		s.log.Debug("terminating ssh process", "pid", proc.Pid())
		if terr := proc.Terminate(); terr != nil {
			s.log.Warn("terminate ssh", "err", terr)
		}
		select {
		case <-proc.Done():
			s.log.Debug("ssh tunnel terminated")
		case <-s.opts.Clock.After(s.opts.Grace):
			s.log.Error("ssh tunnel did not terminate, killing process group", "pid", proc.Pid())
			err = proc.Kill()
		}
	}
	if queue != nil {
		if _, qerr := queue.Close(); qerr != nil && err == nil {
			err = qerr
		}
	}
	return err
}

// update applies fn to the status and notifies the observer. Once closed,
// the status is final and later updates are dropped.
func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	if s.status.State == StateClosed {
		s.mu.Unlock()
		return
	}
	fn(&s.status)
	s.status.UpdatedAt = s.opts.Clock.Now()
	snap := s.status.clone()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	if s.opts.Observer != nil {
		s.opts.Observer(snap)
	}
}

func (s *Supervisor) server() string {
	if s.opts.Server == nil {
		return ""
	}
	return s.opts.Server()
}

func exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
