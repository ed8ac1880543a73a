package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koltyakov/fleetlink/internal/domain"
	"github.com/koltyakov/fleetlink/internal/store/sqlite"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "agent.db")
}

func TestVersionAndHelp(t *testing.T) {
	t.Parallel()

	code, out, _ := runCLI(t, "version")
	if code != 0 || !strings.HasPrefix(out, "fleetlink ") {
		t.Fatalf("version: code=%d out=%q", code, out)
	}
	code, out, _ = runCLI(t, "--help")
	if code != 0 || !strings.Contains(out, "Usage:") {
		t.Fatalf("help: code=%d out=%q", code, out)
	}
}

func TestUsageErrorsExitTwo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown command", args: []string{"reboot"}},
		{name: "unknown flag", args: []string{"ping", "--bogus"}},
		{name: "invalid url", args: []string{"ping", "--db", tempDB(t), "--url", "ftp://fleet.example.com"}},
		{name: "screenshot without file", args: []string{"screenshot", "--db", tempDB(t)}},
		{name: "status without fields", args: []string{"status", "--db", tempDB(t), "--url", "https://fleet.example.com"}},
		{name: "bad space", args: []string{"status", "--space", "lots"}},
		{name: "bad history limit", args: []string{"history", "--limit", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, stderr := runCLI(t, tt.args...); code != 2 {
				t.Fatalf("expected exit 2, got %d (stderr %q)", code, stderr)
			}
		})
	}
}

func TestPingPrintsServerReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"pong":true}`)
	}))
	t.Cleanup(srv.Close)

	code, out, stderr := runCLI(t, "ping", "--db", tempDB(t), "--url", srv.URL)
	if code != 0 {
		t.Fatalf("ping failed: %d %s", code, stderr)
	}
	if strings.TrimSpace(out) != `{"pong":true}` {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPingServerErrorExitsOne(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	code, _, stderr := runCLI(t, "ping", "--db", tempDB(t), "--url", srv.URL)
	if code != 1 || !strings.Contains(stderr, "503") {
		t.Fatalf("expected exit 1 with status code, got %d %q", code, stderr)
	}
}

func TestInfoPushesCapabilitiesOnly(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		form url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/fleet/systems/register/":
			_, _ = io.WriteString(w, `{"api_key":"K","secret_key":"S"}`)
		case "/api/v3/fleet/systems/set-info/":
			_ = r.ParseForm()
			mu.Lock()
			form = r.PostForm
			mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	code, out, stderr := runCLI(t, "info", "--capabilities", "--db", tempDB(t), "--url", srv.URL)
	if code != 0 {
		t.Fatalf("info failed: %d %s", code, stderr)
	}
	if strings.TrimSpace(out) != `{"ok":true}` {
		t.Fatalf("unexpected output %q", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if !form.Has("capabilities") {
		t.Fatalf("capabilities not sent: %v", form)
	}
	if form.Has("hostname") || form.Has("mac") {
		t.Fatalf("host info must not be sent: %v", form)
	}
}

func TestHistoryListsJournal(t *testing.T) {
	t.Parallel()

	db := tempDB(t)
	code, out, _ := runCLI(t, "history", "--db", db)
	if code != 0 || !strings.Contains(out, "no commands") {
		t.Fatalf("empty history: code=%d out=%q", code, out)
	}

	store, err := sqlite.Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	now := time.Now()
	if err := store.RecordCommand(ctx, domain.Command{UID: "c-42", Action: "REBOOT"}, now); err != nil {
		t.Fatalf("RecordCommand: %v", err)
	}
	if err := store.RecordStatus(ctx, domain.CommandStatus{UID: "c-42", Status: domain.StatusDone, Data: "ok\nrebooting"}, now); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	_ = store.Close()

	code, out, _ = runCLI(t, "history", "--db", db, "-n", "5")
	if code != 0 {
		t.Fatalf("history exit %d", code)
	}
	if !strings.Contains(out, "c-42") || !strings.Contains(out, "REBOOT") || !strings.Contains(out, "ok rebooting") {
		t.Fatalf("unexpected history output %q", out)
	}
}

func TestOneLine(t *testing.T) {
	t.Parallel()

	if got := oneLine("a\n b\tc", 10); got != "a b c" {
		t.Fatalf("got %q", got)
	}
	if got := oneLine(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Fatalf("got %q", got)
	}
}
