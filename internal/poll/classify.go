package poll

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/koltyakov/fleetlink/internal/client"
	"github.com/koltyakov/fleetlink/internal/domain"
)

// Poll error classes. Consecutive failures of the same class are logged
// once at warning level.
const (
	ClassTimeout        = "timeout"
	ClassConnectTimeout = "connect_timeout"
	ClassDNS            = "dns"
	ClassRefused        = "refused"
	ClassReset          = "reset"
	ClassTLS            = "tls"
	ClassProtocol       = "protocol"
	ClassNotRegistered  = "not_registered"
	ClassRegistration   = "registration"
	ClassTransport      = "transport"
	ClassOther          = "error"
)

// Classify maps a poll error to a coarse class used for log deduplication.
func Classify(err error) string {
	var (
		dnsErr   *net.DNSError
		statErr  *client.StatusError
		protoErr *client.ProtocolError
		reqErr   *client.RequestError
		certErr  *tls.CertificateVerificationError
		authErr  x509.UnknownAuthorityError
		hostErr  x509.HostnameError
		recErr   tls.RecordHeaderError
	)
	switch {
	case errors.Is(err, domain.ErrNotRegistered):
		return ClassNotRegistered
	case errors.Is(err, client.ErrNoAPIKey), errors.Is(err, client.ErrNoSecretKey):
		return ClassRegistration
	case errors.As(err, &statErr):
		return fmt.Sprintf("http_status_%d", statErr.StatusCode)
	case errors.As(err, &protoErr):
		return ClassProtocol
	case client.IsResponseTimeout(err):
		return ClassTimeout
	case client.IsConnectTimeout(err):
		return ClassConnectTimeout
	case errors.As(err, &dnsErr):
		return ClassDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return ClassRefused
	case errors.Is(err, syscall.ECONNRESET):
		return ClassReset
	case errors.As(err, &certErr), errors.As(err, &authErr), errors.As(err, &hostErr), errors.As(err, &recErr):
		return ClassTLS
	case errors.As(err, &reqErr):
		return ClassTransport
	default:
		return ClassOther
	}
}
