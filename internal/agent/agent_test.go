package agent

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/fleetlink/internal/auth"
	"github.com/koltyakov/fleetlink/internal/clock"
	"github.com/koltyakov/fleetlink/internal/config"
	"github.com/koltyakov/fleetlink/internal/domain"
	"github.com/koltyakov/fleetlink/internal/hostinfo"
	"github.com/koltyakov/fleetlink/internal/log"
	"github.com/koltyakov/fleetlink/internal/sdnotify"
	"github.com/koltyakov/fleetlink/internal/store/sqlite"
	"github.com/koltyakov/fleetlink/internal/tunnel"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testCreds = auth.Credentials{APIKey: "K", SecretKey: "S"}

type fakeProcess struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	done       chan struct{}
	once       sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{done: make(chan struct{})}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProcess) Pid() int              { return 4242 }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.outR }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.errR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Terminate() error      { p.exit(); return nil }
func (p *fakeProcess) Kill() error           { p.exit(); return nil }

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		_ = p.outW.Close()
		_ = p.errW.Close()
		close(p.done)
	})
}

type fakeSpawner struct {
	mu   sync.Mutex
	argv [][]string
}

func (f *fakeSpawner) spawn(argv []string) (tunnel.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.argv = append(f.argv, argv)
	return newFakeProcess(), nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.argv)
}

type staticKey string

func (k staticKey) PublicKey() (string, error) { return string(k), nil }

type fixture struct {
	agent *Agent
	cfg   *config.Config
	store *sqlite.Store
	spawn *fakeSpawner
}

func newFixture(t *testing.T, clk clock.Clock, serverURL string, creds auth.Credentials) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg, err := config.Load(ctx, config.LoadOptions{Store: store, Getenv: func(string) string { return "" }})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Set(config.KeyURL, serverURL); err != nil {
		t.Fatalf("set url: %v", err)
	}
	if creds.Present() {
		if err := cfg.SetCredentials(ctx, creds); err != nil {
			t.Fatalf("set credentials: %v", err)
		}
	}

	sp := &fakeSpawner{}
	a, err := New(Options{
		Config:  cfg,
		Journal: store,
		Version: "v0.0.1",
		Logger:  log.Discard(),
		Clock:   clk,
		HostInfo: func(context.Context, string) (hostinfo.Info, error) {
			return hostinfo.Info{Hostname: "studio-7", LocalIP: "10.0.0.7", MAC: "aa:bb:cc:dd:ee:ff"}, nil
		},
		Spawn: sp.spawn,
		Keys:  staticKey("ssh-ed25519 AAAA test"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{agent: a, cfg: cfg, store: store, spawn: sp}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRequiresConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestBuiltinActionsRegistered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, clock.Fake(testNow), "https://fleet.example.com", testCreds)
	got := f.agent.Actions()
	for _, want := range []string{ActionCloseTunnel, ActionOpenTunnel, ActionSetInfo, domain.ActionSetup} {
		found := false
		for _, a := range got {
			if a == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("action %s missing from %v", want, got)
		}
	}
}

func TestSetupPersistsCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, clock.Fake(testNow), "https://fleet.example.com", auth.Credentials{})
	out := f.agent.disp.Dispatch(ctx, domain.Command{
		UID:    "c1",
		Action: "setup",
		Params: map[string]string{"api_key": "K2", "secret_key": "S2", "url": "fleet2.example.com/"},
	})
	if out.Status.Status != domain.StatusDone {
		t.Fatalf("expected DONE, got %+v", out.Status)
	}
	if got := f.cfg.Credentials(); got.APIKey != "K2" || got.SecretKey != "S2" {
		t.Fatalf("credentials not installed: %+v", got)
	}
	if got := f.cfg.URL(); got != "https://fleet2.example.com" {
		t.Fatalf("url not updated: %q", got)
	}
	stored, err := f.store.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if stored[config.KeyAPIKey] != "K2" || stored[config.KeySecretKey] != "S2" {
		t.Fatalf("credentials not persisted: %v", stored)
	}
	if !f.agent.Snapshot().Registered {
		t.Fatal("snapshot must report the agent as registered")
	}
}

func TestSetupRequiresBothKeys(t *testing.T) {
	t.Parallel()

	f := newFixture(t, clock.Fake(testNow), "https://fleet.example.com", auth.Credentials{})
	out := f.agent.disp.Dispatch(context.Background(), domain.Command{
		UID:    "c1",
		Action: domain.ActionSetup,
		Params: map[string]string{"api_key": "K2"},
	})
	if out.Status.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %+v", out.Status)
	}
	if f.cfg.Credentials().Present() {
		t.Fatal("partial credentials must not be installed")
	}
}

func TestTunnelActionsNeedCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t, clock.Fake(testNow), "https://fleet.example.com", auth.Credentials{})
	out := f.agent.disp.Dispatch(context.Background(), domain.Command{UID: "c1", Action: ActionOpenTunnel})
	if !out.Rejected || out.Status.Status != domain.StatusFailed {
		t.Fatalf("expected rejection, got %+v", out)
	}
	if f.spawn.count() != 0 {
		t.Fatal("no tunnel may start without credentials")
	}
}

func TestOpenAndCloseTunnel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var prepared atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/fleet/systems/prepare-tunnel/" {
			http.NotFound(w, r)
			return
		}
		prepared.Add(1)
		_, _ = io.WriteString(w, `{"port": 2201}`)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, clock.Fake(testNow), srv.URL, testCreds)
	updates, stop := f.agent.WatchTunnel()
	defer stop()

	out := f.agent.disp.Dispatch(ctx, domain.Command{UID: "t1", Action: ActionOpenTunnel})
	if out.Status.Status != domain.StatusDone || out.Status.Data != "tunnel started" {
		t.Fatalf("unexpected outcome %+v", out.Status)
	}
	waitFor(t, "ssh spawn", func() bool { return f.spawn.count() == 1 })

	select {
	case st := <-updates:
		if st.State != tunnel.StateLoading {
			t.Fatalf("expected loading first, got %q", st.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no status update")
	}
	waitFor(t, "tunnel port", func() bool { return f.agent.Snapshot().Tunnel.Port == 2201 })

	out = f.agent.disp.Dispatch(ctx, domain.Command{UID: "t2", Action: ActionOpenTunnel})
	if out.Status.Data != "tunnel already running" {
		t.Fatalf("second open must be a no-op, got %+v", out.Status)
	}

	out = f.agent.disp.Dispatch(ctx, domain.Command{UID: "t3", Action: ActionCloseTunnel})
	if out.Status.Status != domain.StatusDone || out.Status.Data != "tunnel closed" {
		t.Fatalf("unexpected outcome %+v", out.Status)
	}
	waitFor(t, "closed state", func() bool { return f.agent.Snapshot().Tunnel.State == tunnel.StateClosed })

	out = f.agent.disp.Dispatch(ctx, domain.Command{UID: "t4", Action: ActionCloseTunnel})
	if out.Status.Data != "tunnel not running" {
		t.Fatalf("unexpected outcome %+v", out.Status)
	}
	if n := prepared.Load(); n != 1 {
		t.Fatalf("expected one port request, got %d", n)
	}
}

func TestRunProcessesSignedCommand(t *testing.T) {
	t.Parallel()

	clk := clock.Stepping(testNow)
	var (
		polls    atomic.Int32
		mu       sync.Mutex
		statuses []map[string]string
	)
	reported := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/remote-event/v3":
			if polls.Add(1) > 1 {
				_, _ = io.WriteString(w, `{}`)
				return
			}
			sig := auth.Sign(testCreds, clk)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"uid":     "c1",
				"action":  ActionSetInfo,
				"params":  map[string]any{},
				"time":    sig.Time,
				"hmac":    sig.HMAC,
				"api-key": sig.APIKey,
			})
		case "/api/v3/fleet/systems/set-info/":
			_, _ = io.WriteString(w, `{"ok":true}`)
		case "/api/v3/fleet/control/set-command-status/":
			_ = r.ParseForm()
			mu.Lock()
			statuses = append(statuses, map[string]string{
				"uid":    r.PostForm.Get("uid"),
				"status": r.PostForm.Get("status"),
				"data":   r.PostForm.Get("data"),
			})
			mu.Unlock()
			select {
			case reported <- struct{}{}:
			default:
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, clk, srv.URL, testCreds)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := domain.Command{UID: "old", Action: "REBOOT"}
	if err := f.store.RecordCommand(ctx, old, testNow.Add(-30*24*time.Hour)); err != nil {
		t.Fatalf("RecordCommand: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.agent.Run(ctx) }()

	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		t.Fatal("command status never reported")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	first := statuses[0]
	mu.Unlock()
	if first["uid"] != "c1" || first["status"] != string(domain.StatusDone) || first["data"] != `{"ok":true}` {
		t.Fatalf("unexpected status report %v", first)
	}

	history, err := f.store.RecentCommands(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentCommands: %v", err)
	}
	if len(history) != 1 || history[0].UID != "c1" || history[0].Status != domain.StatusDone {
		t.Fatalf("expected only the processed command in history, got %+v", history)
	}
}

func TestWatchdogNotifiesAfterPolls(t *testing.T) {
	t.Parallel()

	dir, err := os.MkdirTemp("", "fl")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, clock.Stepping(testNow), srv.URL, testCreds)
	if err := f.cfg.Set(config.KeyWatchdog, true); err != nil {
		t.Fatalf("set watchdog: %v", err)
	}
	f.agent.notifier = sdnotify.New(sock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.agent.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	var got []string
	for len(got) < 3 {
		n, _, err := conn.ReadFromUnix(buf)
		if err != nil {
			t.Fatalf("read notification: %v (got %v)", err, got)
		}
		got = append(got, string(buf[:n]))
	}
	if got[0] != sdnotify.Ready || got[1] != sdnotify.Watchdog || got[2] != sdnotify.Watchdog {
		t.Fatalf("unexpected notifications %v", got)
	}
}
