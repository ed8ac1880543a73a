// Package dispatch validates commands received from the server, routes them
// to the handler registered for their action, and turns the handler outcome
// into the status reported back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/koltyakov/fleetlink/internal/auth"
	"github.com/koltyakov/fleetlink/internal/domain"
)

// Result is what a handler returns on success. An empty Status means DONE.
type Result struct {
	Status domain.Status
	Data   string
}

// Done is a DONE result carrying data.
func Done(data string) Result { return Result{Status: domain.StatusDone, Data: data} }

// InProgress is an IN_PROGRESS result: the handler reports the final status
// later through its Reporter.
func InProgress(data string) Result { return Result{Status: domain.StatusInProgress, Data: data} }

// Reporter sends a status for the command a handler is processing. It is
// used for reports made after the handler returned IN_PROGRESS.
type Reporter interface {
	Report(ctx context.Context, status domain.Status, data string) error
}

// Handler runs one action.
type Handler interface {
	Handle(ctx context.Context, cmd domain.Command, r Reporter) (Result, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, cmd domain.Command, r Reporter) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd domain.Command, r Reporter) (Result, error) {
	return f(ctx, cmd, r)
}

// StatusSender delivers a command status to the server.
type StatusSender func(ctx context.Context, st domain.CommandStatus) error

// CredentialSource exposes the current credentials.
type CredentialSource interface {
	Credentials() auth.Credentials
}

// Outcome describes how a command was handled.
type Outcome struct {
	Command domain.Command
	Status  domain.CommandStatus
	// Report is false only for PING. Callers still skip the network call
	// when the command has no UID.
	Report bool
	// Rejected is true when the command never reached a handler.
	Rejected bool
}

// Dispatcher routes commands to handlers. It is safe for concurrent use.
type Dispatcher struct {
	creds     CredentialSource
	send      StatusSender
	log       *slog.Logger
	bootstrap string

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Dispatcher. send delivers out-of-band reports made by
// handlers that returned IN_PROGRESS; it may be nil when no handler does.
func New(creds CredentialSource, send StatusSender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		creds:     creds,
		send:      send,
		log:       logger,
		bootstrap: domain.ActionSetup,
		handlers:  map[string]Handler{},
	}
}

// Handle registers h for action, replacing any previous handler.
func (d *Dispatcher) Handle(action string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[strings.ToUpper(strings.TrimSpace(action))] = h
}

// HandleFunc registers a handler function for action.
func (d *Dispatcher) HandleFunc(action string, fn func(ctx context.Context, cmd domain.Command, r Reporter) (Result, error)) {
	d.Handle(action, HandlerFunc(fn))
}

// Actions lists the registered action names, sorted.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.handlers))
}

// Dispatch validates cmd and runs its handler. It never panics: handler
// panics and errors become FAILED outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd domain.Command) Outcome {
	out := Outcome{Command: cmd, Report: true}
	action := strings.ToUpper(strings.TrimSpace(cmd.Action))

	if action == "" {
		return d.reject(out, domain.ErrNoAction)
	}
	if action == domain.ActionPing {
		out.Report = false
		out.Status = domain.CommandStatus{UID: cmd.UID, Status: domain.StatusDone}
		return out
	}
	if !d.creds.Credentials().Present() && action != d.bootstrap {
		return d.reject(out, fmt.Errorf("%w: cannot run %s before %s", domain.ErrUnauthenticated, action, d.bootstrap))
	}

	d.mu.RLock()
	h, ok := d.handlers[action]
	d.mu.RUnlock()
	if !ok {
		return d.reject(out, fmt.Errorf("%w: %s", domain.ErrUnsupportedAction, action))
	}

	d.log.Debug("dispatching command", "uid", cmd.UID, "action", action)
	res, err := d.run(ctx, h, cmd)
	if err != nil {
		d.log.Error("command failed", "uid", cmd.UID, "action", action, "err", err)
		out.Status = domain.CommandStatus{UID: cmd.UID, Status: domain.StatusFailed, Data: err.Error()}
		return out
	}
	status := res.Status
	if status == "" {
		status = domain.StatusDone
	}
	if !status.Valid() {
		out.Status = domain.CommandStatus{UID: cmd.UID, Status: domain.StatusFailed, Data: fmt.Sprintf("handler returned unknown status %q", status)}
		return out
	}
	out.Status = domain.CommandStatus{UID: cmd.UID, Status: status, Data: res.Data}
	return out
}

func (d *Dispatcher) reject(out Outcome, err error) Outcome {
	d.log.Warn("command rejected", "uid", out.Command.UID, "action", out.Command.Action, "err", err)
	out.Rejected = true
	out.Status = domain.CommandStatus{UID: out.Command.UID, Status: domain.StatusFailed, Data: err.Error()}
	return out
}

func (d *Dispatcher) run(ctx context.Context, h Handler, cmd domain.Command) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic", "action", cmd.Action, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, cmd, &reporter{send: d.send, uid: cmd.UID})
}

type reporter struct {
	send StatusSender
	uid  string
}

func (r *reporter) Report(ctx context.Context, status domain.Status, data string) error {
	if r.send == nil {
		return errors.New("status reporting is not configured")
	}
	if r.uid == "" {
		return nil
	}
	return r.send(ctx, domain.CommandStatus{UID: r.uid, Status: status, Data: data})
}
