package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/koltyakov/fleetlink/internal/domain"
	"github.com/koltyakov/fleetlink/internal/hostinfo"
)

// LongPoll waits for the next command. It returns nil without error when
// the server answers with an empty body or an empty object.
func (c *Client) LongPoll(ctx context.Context) (*domain.PollResponse, error) {
	var out domain.PollResponse
	ok, err := c.DoJSON(ctx, Call{Endpoint: "LONG_POLLING", Timeout: c.cfg.LongPollTimeout}, &out)
	if err != nil || !ok {
		return nil, err
	}
	if out.UID == "" && out.Action == "" && len(out.Params) == 0 {
		return nil, nil
	}
	return &out, nil
}

// SetCommandStatus reports a command outcome. Commands without a UID cannot
// be acknowledged and are skipped.
func (c *Client) SetCommandStatus(ctx context.Context, st domain.CommandStatus) error {
	if st.UID == "" {
		return nil
	}
	_, err := c.Do(ctx, Call{Endpoint: "SET_COMMAND_STATUS", Form: url.Values{
		"uid":    {st.UID},
		"status": {string(st.Status)},
		"data":   {st.Data},
	}})
	return err
}

// Ping calls the anonymous ping endpoint.
func (c *Client) Ping(ctx context.Context) (json.RawMessage, error) {
	return c.Do(ctx, Call{Endpoint: "PING"})
}

// ServerInfo returns the anonymous server description.
func (c *Client) ServerInfo(ctx context.Context) (json.RawMessage, error) {
	return c.Do(ctx, Call{Endpoint: "INFO"})
}

// GetInfo returns what the server knows about this system.
func (c *Client) GetInfo(ctx context.Context) (json.RawMessage, error) {
	return c.Do(ctx, Call{Endpoint: "GET_INFO"})
}

// SetInfo pushes host info and capabilities.
func (c *Client) SetInfo(ctx context.Context) (json.RawMessage, error) {
	info, err := c.hostInfo(ctx, c.cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("collect host info: %w", err)
	}
	return c.Do(ctx, Call{Endpoint: "SET_INFO", Form: url.Values{
		"hostname":     {info.Hostname},
		"local_ip":     {info.LocalIP},
		"mac":          {info.MAC},
		"capabilities": {c.capabilities()},
	}})
}

// UpdateCapabilities pushes only the capability list.
func (c *Client) UpdateCapabilities(ctx context.Context) (json.RawMessage, error) {
	return c.Do(ctx, Call{Endpoint: "SET_INFO", Form: url.Values{
		"capabilities": {c.capabilities()},
	}})
}

// StatusUpdate holds the optional fields of a status report. Empty strings
// and a zero Space are omitted.
type StatusUpdate struct {
	Status         string
	StatusInfo     string
	StatusMessage  string
	Profile        string
	RemainingSpace Space
	RemainingTime  *int64
	// SpacePath overrides the volume measured for SpaceAuto.
	SpacePath string
}

// SetStatus sends a status report. An update without any field fails with
// [domain.ErrNothingToUpdate] before any network call.
func (c *Client) SetStatus(ctx context.Context, u StatusUpdate) (json.RawMessage, error) {
	form := url.Values{}
	setIf := func(k, v string) {
		if v != "" {
			form.Set(k, v)
		}
	}
	setIf("status", u.Status)
	setIf("status_info", u.StatusInfo)
	setIf("status_message", u.StatusMessage)
	setIf("profile", u.Profile)
	switch {
	case u.RemainingSpace.IsAuto():
		path := u.SpacePath
		if path == "" {
			path = hostinfo.DefaultSpacePath
		}
		mb, err := hostinfo.FreeMegabytes(path)
		if err != nil {
			return nil, err
		}
		form.Set("remaining_space", strconv.FormatInt(mb, 10))
	case !u.RemainingSpace.IsZero():
		form.Set("remaining_space", u.RemainingSpace.String())
	}
	if u.RemainingTime != nil {
		form.Set("remaining_time", strconv.FormatInt(*u.RemainingTime, 10))
	}
	if len(form) == 0 {
		return nil, domain.ErrNothingToUpdate
	}
	return c.Do(ctx, Call{Endpoint: "SET_STATUS", Form: form})
}

// SetScreenshot uploads an image as the multipart field "screenshot". The
// file name defaults to the base name of path.
func (c *Client) SetScreenshot(ctx context.Context, path, name string) (json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open screenshot: %w", err)
	}
	defer func() { _ = f.Close() }()
	if name == "" {
		name = filepath.Base(path)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("screenshot", name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return c.Do(ctx, Call{
		Endpoint:    "SET_SCREENSHOT",
		Body:        &buf,
		ContentType: mw.FormDataContentType(),
	})
}

// PrepareTunnel asks the server for a reverse forwarding port authorized for
// publicKey. A nil Port in the result means none was allocated.
func (c *Client) PrepareTunnel(ctx context.Context, publicKey string) (domain.PrepareTunnelResponse, error) {
	var out domain.PrepareTunnelResponse
	_, err := c.DoJSON(ctx, Call{Endpoint: "PREPARE_TUNNEL", Form: url.Values{"public_key": {publicKey}}}, &out)
	return out, err
}
