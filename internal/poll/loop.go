// Package poll runs the long-poll loop that receives commands from the
// server, dispatches them, and reports their outcome.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koltyakov/fleetlink/internal/auth"
	"github.com/koltyakov/fleetlink/internal/clock"
	"github.com/koltyakov/fleetlink/internal/dispatch"
	"github.com/koltyakov/fleetlink/internal/domain"
)

// DefaultMinCycle is the shortest time between the start of two polls.
const DefaultMinCycle = 5 * time.Second

// API is the subset of the server client used by the loop.
type API interface {
	LongPoll(ctx context.Context) (*domain.PollResponse, error)
	SetCommandStatus(ctx context.Context, st domain.CommandStatus) error
}

// Dispatcher runs one command.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command) dispatch.Outcome
}

// Journal records received commands and their reported status.
type Journal interface {
	RecordCommand(ctx context.Context, cmd domain.Command, receivedAt time.Time) error
	RecordStatus(ctx context.Context, st domain.CommandStatus, at time.Time) error
}

// Options configures a Loop. API, Dispatcher and Credentials are required.
type Options struct {
	API         API
	Dispatcher  Dispatcher
	Credentials dispatch.CredentialSource
	Clock       clock.Clock
	Logger      *slog.Logger
	// MinCycle defaults to DefaultMinCycle.
	MinCycle time.Duration
	Journal  Journal
	// AfterIteration is called after every poll, successful or not.
	AfterIteration func()
}

// Loop is a long-poll loop. A Loop runs at most once.
type Loop struct {
	opts Options
	log  *slog.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	lastErrClass string
}

// New creates a Loop.
func New(opts Options) *Loop {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MinCycle <= 0 {
		opts.MinCycle = DefaultMinCycle
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		opts:   opts,
		log:    logger.With("component", "poll"),
		stopCh: make(chan struct{}),
	}
}

// Run polls until Stop is called or ctx is cancelled. Cancellation is only
// observed between iterations: a request in flight runs to completion or to
// its own timeout. The wait enforcing the minimum cycle is interruptible.
func (l *Loop) Run(ctx context.Context) error {
	select {
	case <-l.stopCh:
		return nil
	default:
	}
	l.running.Store(true)
	defer l.running.Store(false)
	l.log.Info("starting long-poll loop", "min_cycle", l.opts.MinCycle.String())

	reqCtx := context.WithoutCancel(ctx)
	for l.active(ctx) {
		start := l.opts.Clock.Now()
		l.iterate(reqCtx)
		if l.opts.AfterIteration != nil {
			l.opts.AfterIteration()
		}
		if !l.active(ctx) {
			break
		}
		if wait := l.opts.MinCycle - l.opts.Clock.Now().Sub(start); wait > 0 {
			select {
			case <-l.opts.Clock.After(wait):
			case <-ctx.Done():
			case <-l.stopCh:
			}
		}
	}
	l.log.Info("long-poll loop stopped")
	return nil
}

// Stop ends the loop after the current iteration. It is safe to call more
// than once and before Run.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)
	})
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

func (l *Loop) active(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-l.stopCh:
		return false
	default:
		return l.running.Load()
	}
}

// iterate performs one poll and processes its command, if any.
func (l *Loop) iterate(ctx context.Context) {
	resp, err := l.opts.API.LongPoll(ctx)
	if err != nil {
		l.logPollError(err)
		return
	}
	l.lastErrClass = ""
	if resp != nil {
		l.process(ctx, resp)
	}
}

func (l *Loop) logPollError(err error) {
	class := Classify(err)
	if class == ClassTimeout {
		return
	}
	if class == l.lastErrClass {
		l.log.Debug("long polling connection failed", "class", class, "err", err)
		return
	}
	l.lastErrClass = class
	l.log.Warn("long polling connection failed", "class", class, "err", err)
}

func (l *Loop) process(ctx context.Context, resp *domain.PollResponse) {
	cmd := resp.Command()
	l.log.Info("received command", "uid", cmd.UID, "action", cmd.Action)
	if l.opts.Journal != nil {
		if err := l.opts.Journal.RecordCommand(ctx, cmd, l.opts.Clock.Now()); err != nil {
			l.log.Warn("record command", "uid", cmd.UID, "err", err)
		}
	}

	if err := auth.Verify(l.opts.Credentials.Credentials(), resp.Signature(), l.opts.Clock); err != nil {
		l.log.Warn("dropping command with invalid signature", "uid", cmd.UID, "action", cmd.Action, "err", err)
		l.report(ctx, domain.CommandStatus{
			UID:    cmd.UID,
			Status: domain.StatusFailed,
			Data:   fmt.Sprintf("%v: %v", domain.ErrInvalidSignature, err),
		})
		return
	}

	out := l.dispatch(ctx, cmd)
	if out.Report {
		l.report(ctx, out.Status)
	}
}

func (l *Loop) dispatch(ctx context.Context, cmd domain.Command) (out dispatch.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("dispatch panic", "uid", cmd.UID, "action", cmd.Action, "panic", r)
			out = dispatch.Outcome{
				Command: cmd,
				Report:  true,
				Status:  domain.CommandStatus{UID: cmd.UID, Status: domain.StatusFailed, Data: fmt.Sprintf("dispatch panic: %v", r)},
			}
		}
	}()
	return l.opts.Dispatcher.Dispatch(ctx, cmd)
}

func (l *Loop) report(ctx context.Context, st domain.CommandStatus) {
	if st.UID == "" {
		return
	}
	if err := l.opts.API.SetCommandStatus(ctx, st); err != nil {
		l.log.Error("unable to communicate command status", "uid", st.UID, "status", st.Status, "err", err)
	}
	if l.opts.Journal != nil {
		if err := l.opts.Journal.RecordStatus(ctx, st, l.opts.Clock.Now()); err != nil {
			l.log.Warn("record status", "uid", st.UID, "err", err)
		}
	}
}
