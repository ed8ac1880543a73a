// Package auth implements the request signature exchanged with the fleet
// server: an HMAC-SHA256 over a timestamp and the device API key, keyed by
// the shared secret. The same scheme signs outbound requests and verifies
// commands pushed back by the server.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/fleetlink/internal/clock"
)

// Header names carried by every authenticated request.
const (
	HeaderAPIKey = "api-key"
	HeaderTime   = "time"
	HeaderHMAC   = "hmac"
)

// MaxClockSkew is the largest accepted distance between a signed timestamp
// and the verifier's clock.
const MaxClockSkew = 300 * time.Second

const secondsLayout = "2006-01-02_15-04-05"

// Verification failures. The messages are reported verbatim to the server
// in command status reports, so they keep the wording the server expects.
var (
	ErrMissingData  = errors.New("some mandatory data are missing.")
	ErrInvalidTime  = errors.New("the received time is invalid.")
	ErrInvalidHMAC  = errors.New("the received hmac is invalid.")
	ErrClockSkew    = errors.New("the difference between the request time and the current time is too large.")
	ErrHMACMismatch = errors.New("the received and computed HMAC values do not match.")
)

// Credentials identify this device to the server. Both values are set
// together or not at all.
type Credentials struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
}

// Present reports whether both keys are configured. A half-configured pair
// is treated as absent.
func (c Credentials) Present() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.SecretKey) != ""
}

// Signature is the signed payload attached to a request, or received
// alongside a pushed command.
type Signature struct {
	APIKey string `json:"api-key,omitempty"`
	Time   string `json:"time,omitempty"`
	HMAC   string `json:"hmac,omitempty"`
}

// IsZero reports whether the signature carries nothing (anonymous request).
func (s Signature) IsZero() bool {
	return s.APIKey == "" && s.Time == "" && s.HMAC == ""
}

// Headers returns the HTTP headers for s. An anonymous signature yields an
// empty header set.
func (s Signature) Headers() http.Header {
	h := make(http.Header, 3)
	if s.IsZero() {
		return h
	}
	h.Set(HeaderAPIKey, s.APIKey)
	h.Set(HeaderTime, s.Time)
	h.Set(HeaderHMAC, s.HMAC)
	return h
}

// Sign computes a fresh signature at the clock's current time. Absent
// credentials produce a zero Signature so the request goes out anonymously.
func Sign(creds Credentials, clk clock.Clock) Signature {
	if !creds.Present() {
		return Signature{}
	}
	ts := FormatTime(clk.Now())
	return Signature{
		APIKey: creds.APIKey,
		Time:   ts,
		HMAC:   base64.StdEncoding.EncodeToString(digest(creds.SecretKey, ts, creds.APIKey)),
	}
}

// Verify checks a received signature against the local credentials. It
// returns nil when no credentials are configured since there is nothing to
// check against. The returned error is one of the Err* values above.
func Verify(creds Credentials, received Signature, clk clock.Clock) error {
	if !creds.Present() {
		return nil
	}
	if received.Time == "" || received.HMAC == "" {
		return ErrMissingData
	}
	ts, err := ParseTime(received.Time)
	if err != nil {
		return ErrInvalidTime
	}
	got, err := base64.StdEncoding.DecodeString(received.HMAC)
	if err != nil {
		return ErrInvalidHMAC
	}
	diff := clk.Now().UTC().Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	if diff > MaxClockSkew {
		return ErrClockSkew
	}
	apiKey := creds.APIKey
	if received.APIKey != "" {
		apiKey = received.APIKey
	}
	if !hmac.Equal(got, digest(creds.SecretKey, received.Time, apiKey)) {
		return ErrHMACMismatch
	}
	return nil
}

// FormatTime renders t in UTC as YYYY-MM-DD_HH-MM-SS_ffffff.
func FormatTime(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s_%06d", t.Format(secondsLayout), t.Nanosecond()/int(time.Microsecond))
}

// ParseTime parses a timestamp produced by FormatTime. The fractional part
// may carry one to six digits and is right-padded, so "_000" and "_000000"
// are equivalent.
func ParseTime(s string) (time.Time, error) {
	idx := strings.LastIndexByte(s, '_')
	if idx < 0 {
		return time.Time{}, fmt.Errorf("missing fractional seconds in %q", s)
	}
	base, frac := s[:idx], s[idx+1:]
	if len(frac) == 0 || len(frac) > 6 {
		return time.Time{}, fmt.Errorf("invalid fractional seconds in %q", s)
	}
	for _, r := range frac {
		if r < '0' || r > '9' {
			return time.Time{}, fmt.Errorf("invalid fractional seconds in %q", s)
		}
	}
	t, err := time.ParseInLocation(secondsLayout, base, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	micros, _ := strconv.Atoi(frac + strings.Repeat("0", 6-len(frac)))
	return t.Add(time.Duration(micros) * time.Microsecond), nil
}

func digest(secret, ts, apiKey string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("time=" + ts + "|api_key=" + apiKey))
	return mac.Sum(nil)
}
