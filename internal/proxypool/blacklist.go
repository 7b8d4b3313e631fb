package proxypool

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// DNSBLOracle implements BlacklistOracle via reverse-octet DNSBL lookups.
type DNSBLOracle struct {
	Zones []string // e.g. "zen.spamhaus.org"
}

// Check reports whether ip is listed on any configured DNSBL zone.
func (o DNSBLOracle) Check(ctx context.Context, ip string) (bool, string, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return false, "", fmt.Errorf("not an IPv4 address: %q", ip)
	}

	reversed := fmt.Sprintf("%d.%d.%d.%d", parsed[3], parsed[2], parsed[1], parsed[0])

	for _, zone := range o.Zones {
		query := reversed + "." + zone
		var resolver net.Resolver
		addrs, err := resolver.LookupHost(ctx, query)
		if err != nil {
			continue // NXDOMAIN means not listed; treat lookup errors as not-listed too
		}
		if len(addrs) > 0 {
			return true, fmt.Sprintf("listed on %s", zone), nil
		}
	}

	return false, "", nil
}

// StaticBlacklist is a simple in-memory oracle for tests and offline operation.
type StaticBlacklist struct {
	Blocked map[string]string // ip -> reason
}

func (s StaticBlacklist) Check(_ context.Context, ip string) (bool, string, error) {
	if reason, ok := s.Blocked[strings.TrimSpace(ip)]; ok {
		return true, reason, nil
	}
	return false, "", nil
}
