package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/koltyakov/fleetlink/internal/agent"
	"github.com/koltyakov/fleetlink/internal/config"
	"github.com/koltyakov/fleetlink/internal/sdnotify"
)

func runAgent(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("run", stderr)
	statusListen := fs.String("status-listen", "", "Serve local status and pprof on this address (e.g. 127.0.0.1:8765)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	e, code := loadEnv(ctx, g, *statusListen, stderr)
	if e == nil {
		return code
	}
	defer e.Close()

	a, err := newAgent(e)
	if err != nil {
		fmt.Fprintln(stderr, "agent error:", err)
		return 1
	}
	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(stderr, "agent error:", err)
		return 1
	}
	return 0
}

func runTunnel(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("tunnel", stderr)
	statusListen := fs.String("status-listen", "", "Serve local status and pprof on this address")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	e, code := loadEnv(ctx, g, *statusListen, stderr)
	if e == nil {
		return code
	}
	defer e.Close()

	a, err := newAgent(e)
	if err != nil {
		fmt.Fprintln(stderr, "tunnel error:", err)
		return 1
	}
	updates, stop := a.WatchTunnel()
	defer stop()
	go func() {
		for st := range updates {
			fmt.Fprintf(stdout, "tunnel %s port=%d %s\n", st.State, st.Port, st.LastInfo)
		}
	}()
	if err := a.ServeTunnel(ctx); err != nil {
		fmt.Fprintln(stderr, "tunnel error:", err)
		return 1
	}
	return 0
}

// loadEnv resolves the runtime and applies the status listener override. It
// returns a nil env and the exit code on failure.
func loadEnv(ctx context.Context, g *globalFlags, statusListen string, stderr io.Writer) (*env, int) {
	e, err := g.load(ctx, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return nil, 2
	}
	if statusListen != "" {
		if err := e.cfg.Set(config.KeyStatusListen, statusListen); err != nil {
			e.Close()
			fmt.Fprintln(stderr, "config error:", err)
			return nil, 2
		}
	}
	return e, 0
}

func newAgent(e *env) (*agent.Agent, error) {
	return agent.New(agent.Options{
		Config:   e.cfg,
		Journal:  e.store,
		Version:  Version,
		Logger:   e.log,
		Notifier: sdnotify.FromEnv(),
	})
}
