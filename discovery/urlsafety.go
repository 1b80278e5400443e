package discovery

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// hostClass buckets a resource host for safety filtering.
type hostClass int

const (
	hostPublic hostClass = iota
	hostLoopback
	hostPrivate
	hostLinkLocal
)

var (
	rfc1918Ranges = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}
	linkLocalRange = netip.MustParsePrefix("169.254.0.0/16")
)

func classifyHost(host string) hostClass {
	host = strings.ToLower(host)
	if host == "localhost" || host == "0.0.0.0" {
		return hostLoopback
	}

	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		// Non-IP hostname: treated as public.
		return hostPublic
	}
	if addr.IsLoopback() || addr.IsUnspecified() {
		return hostLoopback
	}
	if addr.Is4() {
		for _, p := range rfc1918Ranges {
			if p.Contains(addr) {
				return hostPrivate
			}
		}
		if linkLocalRange.Contains(addr) {
			return hostLinkLocal
		}
	}
	if addr.IsLinkLocalUnicast() {
		return hostLinkLocal
	}
	if addr.IsPrivate() {
		return hostPrivate
	}
	return hostPublic
}

// CheckResourceURL validates a merchant resource URL for catalog admission.
//
// Production mode (allowLocalhost false): HTTPS only, and loopback, RFC1918,
// and link-local hosts are rejected outright.
//
// Allow-localhost mode: plain HTTP is accepted only toward loopback and
// private ranges; HTTPS elsewhere stays acceptable; HTTP to public hosts is
// still rejected.
func CheckResourceURL(raw string, allowLocalhost bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparseable resource url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("unsupported resource scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("resource url has no host")
	}

	class := classifyHost(u.Hostname())

	if !allowLocalhost {
		if scheme != "https" {
			return fmt.Errorf("plain http resource urls are not allowed")
		}
		if class != hostPublic {
			return fmt.Errorf("non-public resource host %q is not allowed", u.Hostname())
		}
		return nil
	}

	if scheme == "http" && class == hostPublic {
		return fmt.Errorf("plain http is only allowed toward local hosts")
	}
	return nil
}
