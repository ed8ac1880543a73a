package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/koltyakov/fleetlink/internal/config"
	ilog "github.com/koltyakov/fleetlink/internal/log"
	"github.com/koltyakov/fleetlink/internal/store/sqlite"
)

// globalFlags are accepted by every command.
type globalFlags struct {
	configPath string
	dbPath     string
	url        string
	logLevel   string
}

func newFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *globalFlags) {
	g := &globalFlags{configPath: os.Getenv(config.EnvPrefix + "CONFIG")}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&g.configPath, "config", "c", g.configPath, "Config file (.json, .jsonc, .yaml)")
	fs.StringVar(&g.dbPath, "db", "", "SQLite database path (default: ~/.fleetlink/agent.db)")
	fs.StringVar(&g.url, "url", "", "Server URL (e.g. https://fleet.example.com)")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	return fs, g
}

// parseFlags parses args and reports the exit code to use when parsing
// stopped the command.
func parseFlags(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

// env is the resolved runtime shared by the commands.
type env struct {
	cfg   *config.Config
	store *sqlite.Store
	log   *slog.Logger
}

func (e *env) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

// load resolves the configuration: defaults, config file, stored settings,
// environment, then flags. The database path itself cannot come from the
// store, so it is resolved from everything but the store first.
func (g *globalFlags) load(ctx context.Context, stderr io.Writer) (*env, error) {
	pre, err := config.Load(ctx, config.LoadOptions{Path: g.configPath})
	if err != nil {
		return nil, err
	}
	dbPath := strings.TrimSpace(g.dbPath)
	if dbPath == "" {
		dbPath = pre.DBPath
	}
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	e := &env{store: store}

	cfg, err := config.Load(ctx, config.LoadOptions{Path: g.configPath, Store: store})
	if err != nil {
		e.Close()
		return nil, err
	}
	overrides := map[string]string{
		config.KeyDBPath:   dbPath,
		config.KeyURL:      g.url,
		config.KeyLogLevel: g.logLevel,
	}
	for key, value := range overrides {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if err := cfg.Set(key, value); err != nil {
			e.Close()
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		e.Close()
		return nil, err
	}
	e.cfg = cfg
	e.log = ilog.NewWriter(stderr, cfg.LogLevel, cfg.LogFormat)
	return e, nil
}
