package tunnel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/koltyakov/fleetlink/internal/log"
)

func TestFileKeyGeneratesOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".ssh", "fleetlink-client-key")
	k := &FileKey{Path: path, Comment: "fleetlink@test", Logger: log.Discard()}

	pub, err := k.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") || !strings.HasSuffix(pub, " fleetlink@test") {
		t.Fatalf("unexpected public key %q", pub)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read private key: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	if got := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))); !strings.HasPrefix(pub, got) {
		t.Fatalf("public key does not match private key:\n%s\n%s", pub, got)
	}
	for _, p := range []string{path, path + ".pub"} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("%s: unexpected permissions %o", p, perm)
		}
	}

	again, err := k.PublicKey()
	if err != nil || again != pub {
		t.Fatalf("existing key must be reused, got %q, %v", again, err)
	}
}

func TestFileKeyMissingPublicHalf(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("private"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	k := &FileKey{Path: path, Logger: log.Discard()}
	if _, err := k.PublicKey(); err == nil || !strings.Contains(err.Error(), ".pub") {
		t.Fatalf("expected inconsistent key error, got %v", err)
	}
	if b, _ := os.ReadFile(path); string(b) != "private" {
		t.Fatal("existing private key must not be overwritten")
	}
}
