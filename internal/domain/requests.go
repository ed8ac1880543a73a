package domain

import (
	"encoding/json"
	"strings"

	"github.com/koltyakov/fleetlink/internal/auth"
)

// PollResponse is the body of a non-empty long-poll response: the command
// plus the server's signature over it.
type PollResponse struct {
	UID    string            `json:"uid"`
	Action string            `json:"action"`
	Params map[string]string `json:"-"`
	Time   string            `json:"time,omitempty"`
	HMAC   string            `json:"hmac,omitempty"`
	APIKey string            `json:"api-key,omitempty"`
}

// UnmarshalJSON decodes the response, keeping non-string parameter values as
// their raw JSON text so handlers always see a flat string map.
func (p *PollResponse) UnmarshalJSON(b []byte) error {
	type plain PollResponse
	var raw struct {
		plain
		Params map[string]json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = PollResponse(raw.plain)
	if len(raw.Params) == 0 {
		return nil
	}
	p.Params = make(map[string]string, len(raw.Params))
	for k, v := range raw.Params {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			p.Params[k] = s
			continue
		}
		text := strings.TrimSpace(string(v))
		if text == "null" {
			text = ""
		}
		p.Params[k] = text
	}
	return nil
}

// Command returns the command carried by the response.
func (p PollResponse) Command() Command {
	return Command{UID: p.UID, Action: p.Action, Params: p.Params}
}

// Signature returns the server signature carried by the response.
func (p PollResponse) Signature() auth.Signature {
	return auth.Signature{APIKey: p.APIKey, Time: p.Time, HMAC: p.HMAC}
}

// RegisterResponse is returned by the registration endpoint.
type RegisterResponse struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// PrepareTunnelResponse is returned by the tunnel preparation endpoint. A
// nil Port means the server declined to allocate one.
type PrepareTunnelResponse struct {
	Port *int `json:"port"`
}
