package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ValidateRegistryURL enforces the transport rules for registry
// traffic: https only, public hosts only. allowPrivate relaxes both
// for loopback and RFC1918 hosts, which local dev registries need.
func ValidateRegistryURL(rawURL string, allowPrivate bool) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !allowPrivate {
			return fmt.Errorf("only https:// URLs allowed for registry traffic; got %q", parsed.Scheme)
		}
	default:
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	if !allowPrivate {
		host := strings.ToLower(parsed.Hostname())
		if host == "localhost" {
			return fmt.Errorf("localhost not allowed for registry traffic")
		}
		if ip := net.ParseIP(host); ip != nil && isPrivateOrReservedIP(ip) {
			return fmt.Errorf("private/reserved IP address not allowed: %s", host)
		}
	}
	return nil
}

func isPrivateOrReservedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		if ip4[0] == 0 || ip4[0] >= 240 {
			return true
		}
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
	}
	return false
}

// secureHTTPClient dials with the same host policy applied at connect
// time, so a DNS answer pointing a public name at a private address
// cannot bypass the URL check.
func secureHTTPClient(timeout time.Duration, allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	dialCtx := dialer.DialContext
	if !allowPrivate {
		dialCtx = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if isPrivateOrReservedIP(ip.IP) {
					return nil, fmt.Errorf("refusing to connect to private/reserved address %s for host %s", ip.IP, host)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		}
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       dialCtx,
			ForceAttemptHTTP2: true,
		},
	}
}
