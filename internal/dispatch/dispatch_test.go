package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/koltyakov/fleetlink/internal/auth"
	"github.com/koltyakov/fleetlink/internal/domain"
	"github.com/koltyakov/fleetlink/internal/log"
)

type staticCreds auth.Credentials

func (s staticCreds) Credentials() auth.Credentials { return auth.Credentials(s) }

var registered = staticCreds{APIKey: "K", SecretKey: "S"}

func TestDispatchRoutesToHandler(t *testing.T) {
	t.Parallel()

	d := New(registered, nil, log.Discard())
	d.HandleFunc("start", func(_ context.Context, cmd domain.Command, _ Reporter) (Result, error) {
		return Result{Data: "started " + cmd.Param("profile")}, nil
	})

	out := d.Dispatch(context.Background(), domain.Command{UID: "u1", Action: "START", Params: map[string]string{"profile": "hd"}})
	if out.Rejected || !out.Report {
		t.Fatalf("unexpected outcome %+v", out)
	}
	want := domain.CommandStatus{UID: "u1", Status: domain.StatusDone, Data: "started hd"}
	if out.Status != want {
		t.Fatalf("got %+v, want %+v", out.Status, want)
	}
}

func TestDispatchFailures(t *testing.T) {
	t.Parallel()

	d := New(registered, nil, log.Discard())
	d.HandleFunc("BOOM", func(context.Context, domain.Command, Reporter) (Result, error) {
		return Result{}, errors.New("disk full")
	})
	d.HandleFunc("PANIC", func(context.Context, domain.Command, Reporter) (Result, error) {
		panic("nil map")
	})
	d.HandleFunc("ODD", func(context.Context, domain.Command, Reporter) (Result, error) {
		return Result{Status: "MAYBE"}, nil
	})

	tests := []struct {
		action   string
		rejected bool
		contains string
	}{
		{"", true, "no action received"},
		{"FROBNICATE", true, "FROBNICATE"},
		{"BOOM", false, "disk full"},
		{"PANIC", false, "handler panic: nil map"},
		{"ODD", false, "unknown status"},
	}
	for _, tc := range tests {
		out := d.Dispatch(context.Background(), domain.Command{UID: "u", Action: tc.action})
		if out.Status.Status != domain.StatusFailed {
			t.Fatalf("%q: expected FAILED, got %+v", tc.action, out.Status)
		}
		if out.Rejected != tc.rejected || !out.Report {
			t.Fatalf("%q: unexpected outcome %+v", tc.action, out)
		}
		if !strings.Contains(out.Status.Data, tc.contains) {
			t.Fatalf("%q: expected message containing %q, got %q", tc.action, tc.contains, out.Status.Data)
		}
	}
}

func TestPingIsNeverReported(t *testing.T) {
	t.Parallel()

	called := false
	d := New(registered, nil, log.Discard())
	d.HandleFunc(domain.ActionPing, func(context.Context, domain.Command, Reporter) (Result, error) {
		called = true
		return Result{}, nil
	})
	out := d.Dispatch(context.Background(), domain.Command{UID: "u", Action: "PING"})
	if out.Report || called {
		t.Fatalf("PING must be a no-op, report=%v called=%v", out.Report, called)
	}
}

func TestBootstrapOnlyWithoutCredentials(t *testing.T) {
	t.Parallel()

	d := New(staticCreds{}, nil, log.Discard())
	ran := map[string]bool{}
	for _, action := range []string{domain.ActionSetup, "START"} {
		d.HandleFunc(action, func(_ context.Context, cmd domain.Command, _ Reporter) (Result, error) {
			ran[cmd.Action] = true
			return Done(""), nil
		})
	}

	out := d.Dispatch(context.Background(), domain.Command{UID: "u1", Action: "START"})
	if !out.Rejected || ran["START"] {
		t.Fatalf("non-bootstrap action must be rejected, got %+v", out)
	}
	if !strings.Contains(out.Status.Data, "START") {
		t.Fatalf("rejection must name the action, got %q", out.Status.Data)
	}

	out = d.Dispatch(context.Background(), domain.Command{UID: "u2", Action: domain.ActionSetup})
	if out.Rejected || !ran[domain.ActionSetup] || out.Status.Status != domain.StatusDone {
		t.Fatalf("bootstrap action must run, got %+v", out)
	}
}

func TestInProgressReportsLater(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sent []domain.CommandStatus
	send := func(_ context.Context, st domain.CommandStatus) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, st)
		return nil
	}
	d := New(registered, send, log.Discard())
	var later Reporter
	d.HandleFunc("RECORD", func(_ context.Context, _ domain.Command, r Reporter) (Result, error) {
		later = r
		return InProgress("warming up"), nil
	})

	out := d.Dispatch(context.Background(), domain.Command{UID: "u7", Action: "RECORD"})
	if out.Status.Status != domain.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %+v", out.Status)
	}
	if err := later.Report(context.Background(), domain.StatusDone, "finished"); err != nil {
		t.Fatalf("Report: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || sent[0] != (domain.CommandStatus{UID: "u7", Status: domain.StatusDone, Data: "finished"}) {
		t.Fatalf("unexpected out-of-band reports %+v", sent)
	}
}

func TestActionsSorted(t *testing.T) {
	t.Parallel()

	d := New(registered, nil, log.Discard())
	noop := HandlerFunc(func(context.Context, domain.Command, Reporter) (Result, error) { return Result{}, nil })
	d.Handle("zeta", noop)
	d.Handle("alpha", noop)
	if got := d.Actions(); len(got) != 2 || got[0] != "ALPHA" || got[1] != "ZETA" {
		t.Fatalf("unexpected actions %v", got)
	}
}
