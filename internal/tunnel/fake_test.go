package tunnel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/fleetlink/internal/clock"
	"github.com/koltyakov/fleetlink/internal/domain"
	"github.com/koltyakov/fleetlink/internal/log"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProcess struct {
	pid        int
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	done       chan struct{}
	once       sync.Once
	ignoreTerm bool
	terminated atomic.Bool
	killed     atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{pid: pid, done: make(chan struct{})}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.outR }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.errR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	if !p.ignoreTerm {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		_ = p.outW.Close()
		_ = p.errW.Close()
		close(p.done)
	})
}

type fakeSpawner struct {
	mu    sync.Mutex
	argv  [][]string
	procs []*fakeProcess
	err   error
	// prepare customizes each new process before it is returned.
	prepare func(*fakeProcess)
}

func (f *fakeSpawner) spawn(argv []string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProcess(1000 + len(f.procs))
	if f.prepare != nil {
		f.prepare(p)
	}
	f.argv = append(f.argv, argv)
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

type fakePorts struct {
	calls atomic.Int32
	port  *int
	err   error
	keys  []string
	mu    sync.Mutex
}

func (f *fakePorts) PrepareTunnel(_ context.Context, pub string) (domain.PrepareTunnelResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.keys = append(f.keys, pub)
	f.mu.Unlock()
	if f.err != nil {
		return domain.PrepareTunnelResponse{}, f.err
	}
	return domain.PrepareTunnelResponse{Port: f.port}, nil
}

type staticKey string

func (k staticKey) PublicKey() (string, error) {
	if k == "" {
		return "", errors.New("no key")
	}
	return string(k), nil
}

type fixture struct {
	sup   *Supervisor
	ports *fakePorts
	spawn *fakeSpawner
	clk   *clock.FakeClock
}

func newFixture(t *testing.T, clk *clock.FakeClock) *fixture {
	t.Helper()
	port := 40123
	f := &fixture{ports: &fakePorts{port: &port}, spawn: &fakeSpawner{}, clk: clk}
	f.sup = New(Options{
		API:     f.ports,
		Keys:    staticKey("ssh-ed25519 AAAAC3 test"),
		Server:  func() string { return "https://fleet.example.com/" },
		Spawn:   f.spawn.spawn,
		Clock:   clk,
		Logger:  log.Discard(),
		KeyPath: "/keys/id",
		User:    "tunnel",
	})
	t.Cleanup(func() { _ = f.sup.Close() })
	return f
}

// feed writes a line to the process stderr and waits until the queue holds it.
func (f *fixture) feed(t *testing.T, p *fakeProcess, line string) {
	t.Helper()
	if _, err := io.WriteString(p.errW, line); err != nil {
		t.Fatalf("write line: %v", err)
	}
	waitFor(t, func() bool {
		f.sup.mu.Lock()
		defer f.sup.mu.Unlock()
		return f.sup.queue != nil && f.sup.queue.Len() > 0
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
