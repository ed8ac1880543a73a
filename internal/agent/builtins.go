package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/koltyakov/fleetlink/internal/config"
	"github.com/koltyakov/fleetlink/internal/dispatch"
	"github.com/koltyakov/fleetlink/internal/domain"
)

// Built-in action names.
const (
	ActionOpenTunnel  = "OPEN_TUNNEL"
	ActionCloseTunnel = "CLOSE_TUNNEL"
	ActionSetInfo     = "SET_INFO"
)

func (a *Agent) registerBuiltins() {
	a.disp.HandleFunc(domain.ActionSetup, a.setup)
	a.disp.HandleFunc(ActionOpenTunnel, func(context.Context, domain.Command, dispatch.Reporter) (dispatch.Result, error) {
		if !a.OpenTunnel() {
			return dispatch.Done("tunnel already running"), nil
		}
		return dispatch.Done("tunnel started"), nil
	})
	a.disp.HandleFunc(ActionCloseTunnel, func(context.Context, domain.Command, dispatch.Reporter) (dispatch.Result, error) {
		if !a.closeTunnel(false) {
			return dispatch.Done("tunnel not running"), nil
		}
		return dispatch.Done("tunnel closed"), nil
	})
	a.disp.HandleFunc(ActionSetInfo, func(ctx context.Context, _ domain.Command, _ dispatch.Reporter) (dispatch.Result, error) {
		body, err := a.api.SetInfo(ctx)
		if err != nil {
			return dispatch.Result{}, err
		}
		return dispatch.Done(string(body)), nil
	})
}

// setup installs the credential pair sent by the server and optionally
// moves the agent to another server URL.
func (a *Agent) setup(ctx context.Context, cmd domain.Command, _ dispatch.Reporter) (dispatch.Result, error) {
	apiKey := strings.TrimSpace(cmd.Param("api_key"))
	secretKey := strings.TrimSpace(cmd.Param("secret_key"))
	if apiKey == "" || secretKey == "" {
		return dispatch.Result{}, errors.New("api_key and secret_key are required")
	}
	values := map[string]string{
		config.KeyAPIKey:    apiKey,
		config.KeySecretKey: secretKey,
	}
	if u := strings.TrimSpace(cmd.Param("url")); u != "" {
		values[config.KeyURL] = u
	}
	if err := a.cfg.Update(ctx, values); err != nil {
		return dispatch.Result{}, err
	}
	a.log.Info("credentials updated", "api_key", apiKey, "url", a.cfg.URL())
	return dispatch.Done("credentials updated"), nil
}
