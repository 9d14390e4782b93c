package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint marks an outbound URL that points somewhere the
// service must never call: the host itself, the private network or a cloud
// metadata endpoint.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// resolveFunc resolves a host name to addresses.
type resolveFunc func(ctx context.Context, host string) ([]netip.Addr, error)

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata":                 true,
	"metadata.google":          true,
	"metadata.google.internal": true,
}

// ValidateEndpointURL reports whether rawURL is safe to use as the payment
// rail endpoint in production. The host must be public both as written and
// after DNS resolution.
func ValidateEndpointURL(rawURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return validateEndpoint(ctx, rawURL, func(ctx context.Context, host string) ([]netip.Addr, error) {
		return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	})
}

func validateEndpoint(ctx context.Context, rawURL string, resolve resolveFunc) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("endpoint scheme %q: must be http or https", u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return errors.New("endpoint has no host")
	}
	if blockedHosts[host] {
		return fmt.Errorf("%w: host %s", ErrBlockedEndpoint, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(host, addr)
	}

	addrs, err := resolve(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve endpoint host %s: %w", host, err)
	}
	for _, addr := range addrs {
		if err := checkAddr(host, addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(host string, addr netip.Addr) error {
	addr = addr.Unmap()
	var kind string
	switch {
	case addr.IsLoopback():
		kind = "loopback"
	case addr.IsPrivate():
		kind = "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		kind = "link-local"
	case addr.IsUnspecified():
		kind = "unspecified"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s resolves to %s address %s", ErrBlockedEndpoint, host, kind, addr)
}
