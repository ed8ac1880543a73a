// Package handlers provides command handlers that run operator-configured
// programs for server actions.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/koltyakov/fleetlink/internal/config"
	"github.com/koltyakov/fleetlink/internal/dispatch"
	"github.com/koltyakov/fleetlink/internal/domain"
)

const (
	defaultExecTimeout = time.Minute
	maxOutputBytes     = 64 * 1024
	paramEnvPrefix     = "FLEETLINK_PARAM_"
	waitDelay          = 2 * time.Second
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Exec runs a program for an action. Argument placeholders of the form
// {name} are replaced by command parameters, and every parameter is also
// exported as FLEETLINK_PARAM_<NAME>. Trimmed stdout becomes the status
// data; a non-zero exit fails the command with stderr as the message.
type Exec struct {
	Command []string
	Timeout time.Duration
	Env     []string
}

// NewExec builds an exec handler from an action configuration.
func NewExec(a config.Action) *Exec {
	return &Exec{Command: a.Command, Timeout: a.Timeout}
}

// Handle implements [dispatch.Handler].
func (e *Exec) Handle(ctx context.Context, cmd domain.Command, _ dispatch.Reporter) (dispatch.Result, error) {
	argv, err := expandArgs(e.Command, cmd.Params)
	if err != nil {
		return dispatch.Result{}, err
	}
	if len(argv) == 0 {
		return dispatch.Result{}, errors.New("no command configured")
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	c.Stdout = &limitedWriter{buf: &stdout, max: maxOutputBytes}
	c.Stderr = &limitedWriter{buf: &stderr, max: maxOutputBytes}
	c.Env = append(append(os.Environ(), e.Env...), paramEnv(cmd)...)
	c.WaitDelay = waitDelay

	if err := c.Run(); err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return dispatch.Result{}, fmt.Errorf("%s timed out after %s", argv[0], timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return dispatch.Result{}, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return dispatch.Result{}, fmt.Errorf("%s: %w", argv[0], err)
	}
	return dispatch.Done(strings.TrimSpace(stdout.String())), nil
}

// Register installs an exec handler for every configured action.
func Register(d *dispatch.Dispatcher, actions map[string]config.Action) {
	for _, name := range slices.Sorted(maps.Keys(actions)) {
		d.Handle(name, NewExec(actions[name]))
	}
}

func expandArgs(argv []string, params map[string]string) ([]string, error) {
	out := make([]string, 0, len(argv))
	var missing []string
	for _, arg := range argv {
		out = append(out, placeholderRe.ReplaceAllStringFunc(arg, func(m string) string {
			name := m[1 : len(m)-1]
			v, ok := params[name]
			if !ok {
				missing = append(missing, name)
			}
			return v
		}))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing parameter: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func paramEnv(cmd domain.Command) []string {
	env := []string{"FLEETLINK_ACTION=" + cmd.Action, "FLEETLINK_UID=" + cmd.UID}
	for _, k := range slices.Sorted(maps.Keys(cmd.Params)) {
		env = append(env, paramEnvPrefix+envName(k)+"="+cmd.Params[k])
	}
	return env
}

func envName(param string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, param)
}

// limitedWriter keeps the first max bytes and discards the rest without
// failing the child's write.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
