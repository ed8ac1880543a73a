package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// KeyProvider returns the public key the server should authorize for the
// tunnel, in authorized_keys format.
type KeyProvider interface {
	PublicKey() (string, error)
}

// FileKey is an ed25519 keypair stored as an OpenSSH private key at Path
// and its public half at Path+".pub". The pair is generated on first use.
type FileKey struct {
	Path    string
	Comment string
	Logger  *slog.Logger

	mu sync.Mutex
}

// PublicKey returns the public key, generating the pair if needed. A private
// key without its public half is an error rather than being overwritten.
func (k *FileKey) PublicKey() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	pubPath := k.Path + ".pub"
	if _, err := os.Stat(k.Path); err == nil {
		raw, err := os.ReadFile(pubPath)
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("inconsistent ssh key: %s exists but %s does not", k.Path, pubPath)
		}
		if err != nil {
			return "", fmt.Errorf("read public key: %w", err)
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey(raw); err != nil {
			return "", fmt.Errorf("parse public key %s: %w", pubPath, err)
		}
		return strings.TrimSpace(string(raw)), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat private key: %w", err)
	}

	k.logger().Info("creating new ssh key", "path", k.Path)
	return k.generate(pubPath)
}

func (k *FileKey) generate(pubPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(k.Path), 0o700); err != nil {
		return "", fmt.Errorf("create ssh dir: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, k.Comment)
	if err != nil {
		return "", fmt.Errorf("encode private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if k.Comment != "" {
		authorized += " " + k.Comment
	}

	if err := os.WriteFile(pubPath, []byte(authorized+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(k.Path, pem.EncodeToMemory(block), 0o600); err != nil {
		_ = os.Remove(pubPath)
		return "", fmt.Errorf("write private key: %w", err)
	}
	return authorized, nil
}

func (k *FileKey) logger() *slog.Logger {
	if k.Logger != nil {
		return k.Logger
	}
	return slog.Default()
}
