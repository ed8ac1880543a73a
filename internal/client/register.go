package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/koltyakov/fleetlink/internal/auth"
	"github.com/koltyakov/fleetlink/internal/domain"
)

// Registration response errors. Neither is retried automatically.
var (
	ErrNoSecretKey = errors.New("no secret key received")
	ErrNoAPIKey    = errors.New("no API key received")
)

// Register obtains credentials for this system from the server and persists
// them. It is a no-op when credentials are already configured.
func (c *Client) Register(ctx context.Context) error {
	c.registerMu.Lock()
	defer c.registerMu.Unlock()

	if c.cfg.Credentials().Present() {
		return nil
	}
	c.log.Info("no API key configured, requesting system registration", "url", c.cfg.URL())

	info, err := c.hostInfo(ctx, c.cfg.URL())
	if err != nil {
		return fmt.Errorf("collect host info: %w", err)
	}
	form := url.Values{
		"hostname":     {info.Hostname},
		"local_ip":     {info.LocalIP},
		"mac":          {info.MAC},
		"capabilities": {c.capabilities()},
	}

	var out domain.RegisterResponse
	if _, err := c.DoJSON(ctx, Call{Endpoint: "REGISTER_SYSTEM", Form: form, anonymous: true}, &out); err != nil {
		return err
	}
	creds := auth.Credentials{
		APIKey:    strings.TrimSpace(out.APIKey),
		SecretKey: strings.TrimSpace(out.SecretKey),
	}
	if creds.SecretKey == "" {
		return ErrNoSecretKey
	}
	if creds.APIKey == "" {
		return ErrNoAPIKey
	}
	if err := c.cfg.SetCredentials(ctx, creds); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	c.log.Info("system registration done")
	return nil
}

func (c *Client) capabilities() string {
	return strings.Join(c.cfg.Capabilities, " ")
}
