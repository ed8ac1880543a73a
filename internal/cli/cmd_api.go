package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/koltyakov/fleetlink/internal/client"
	"github.com/koltyakov/fleetlink/internal/config"
	"github.com/koltyakov/fleetlink/internal/domain"
)

func runRegister(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("register", stderr)
	force := fs.Bool("force", false, "Register again even if keys are stored")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	return withClient(ctx, g, "register", stderr, func(e *env, c *client.Client) error {
		if *force {
			if err := e.store.DeleteSetting(ctx, config.KeyAPIKey); err != nil {
				return err
			}
			if err := e.store.DeleteSetting(ctx, config.KeySecretKey); err != nil {
				return err
			}
			// Reload so the in-memory pair is cleared too.
			reloaded, err := g.load(ctx, stderr)
			if err != nil {
				return err
			}
			defer reloaded.Close()
			if reloaded.cfg.Credentials().Present() {
				return errors.New("keys are set by the config file or environment; remove them there first")
			}
			e, c = reloaded, client.New(reloaded.cfg, client.WithLogger(reloaded.log), client.WithVersion(Version))
		}
		if err := c.Register(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "registered with", e.cfg.URL(), "api key:", e.cfg.Credentials().APIKey)
		return nil
	})
}

func runPing(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("ping", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	return withClient(ctx, g, "ping", stderr, func(_ *env, c *client.Client) error {
		body, err := c.Ping(ctx)
		if err != nil {
			return err
		}
		printBody(stdout, body)
		return nil
	})
}

func runInfo(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("info", stderr)
	push := fs.Bool("push", false, "Push host info and capabilities instead of reading")
	caps := fs.Bool("capabilities", false, "Push only the capability list")
	server := fs.Bool("server", false, "Show the server's public info")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	return withClient(ctx, g, "info", stderr, func(_ *env, c *client.Client) error {
		var (
			body json.RawMessage
			err  error
		)
		switch {
		case *caps:
			body, err = c.UpdateCapabilities(ctx)
		case *push:
			body, err = c.SetInfo(ctx)
		case *server:
			body, err = c.ServerInfo(ctx)
		default:
			body, err = c.GetInfo(ctx)
		}
		if err != nil {
			return err
		}
		printBody(stdout, body)
		return nil
	})
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("status", stderr)
	var u client.StatusUpdate
	var space string
	remaining := fs.Int64("remaining-time", -1, "Remaining time in seconds")
	fs.StringVar(&u.Status, "status", "", "Status value")
	fs.StringVar(&u.StatusInfo, "info", "", "Status details")
	fs.StringVar(&u.StatusMessage, "message", "", "Status message")
	fs.StringVar(&u.Profile, "profile", "", "Active profile")
	fs.StringVar(&space, "space", "", `Remaining space in MB, or "auto" to measure it`)
	fs.StringVar(&u.SpacePath, "space-path", "", "Volume measured by --space=auto")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if space != "" {
		s, err := client.ParseSpace(space)
		if err != nil {
			fmt.Fprintln(stderr, "status error:", err)
			return 2
		}
		u.RemainingSpace = s
	}
	if *remaining >= 0 {
		u.RemainingTime = remaining
	}
	return withClient(ctx, g, "status", stderr, func(_ *env, c *client.Client) error {
		body, err := c.SetStatus(ctx, u)
		if err != nil {
			return err
		}
		printBody(stdout, body)
		return nil
	})
}

func runScreenshot(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("screenshot", stderr)
	name := fs.String("name", "", "File name sent to the server (default: base name of the file)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "screenshot error: expected a single file, e.g. `fleetlink screenshot shot.png`")
		return 2
	}
	path := fs.Arg(0)
	return withClient(ctx, g, "screenshot", stderr, func(_ *env, c *client.Client) error {
		body, err := c.SetScreenshot(ctx, path, *name)
		if err != nil {
			return err
		}
		printBody(stdout, body)
		return nil
	})
}

// withClient loads the runtime, builds an API client and runs fn, mapping
// errors to exit codes.
func withClient(ctx context.Context, g *globalFlags, name string, stderr io.Writer, fn func(*env, *client.Client) error) int {
	e, err := g.load(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s config error: %v\n", name, err)
		return 2
	}
	defer e.Close()
	c := client.New(e.cfg, client.WithLogger(e.log), client.WithVersion(Version))
	if err := fn(e, c); err != nil {
		fmt.Fprintf(stderr, "%s error: %v\n", name, err)
		if errors.Is(err, domain.ErrNothingToUpdate) || errors.Is(err, domain.ErrUnknownEndpoint) {
			return 2
		}
		return 1
	}
	return 0
}

func printBody(w io.Writer, body json.RawMessage) {
	if len(body) == 0 {
		fmt.Fprintln(w, "ok")
		return
	}
	fmt.Fprintln(w, string(body))
}
