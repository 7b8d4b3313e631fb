package dispatcher

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// DNSSPFValidator implements SPFValidator by resolving the sender domain's SPF TXT
// record and checking whether it authorizes observedIP, following the "ip4"/"ip6"/"a"/
// "mx"/"include" mechanisms a real sender is likely to encounter. It is advisory only
//  — a caller decides
// whether to act on a false result.
type DNSSPFValidator struct {
	Resolver *net.Resolver
}

// Validate reports whether domain's SPF record authorizes observedIP.
func (v DNSSPFValidator) Validate(ctx context.Context, domain, observedIP string) (bool, error) {
	resolver := v.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	records, err := resolver.LookupTXT(ctx, domain)
	if err != nil {
		return false, fmt.Errorf("spf: lookup txt for %s: %w", domain, err)
	}

	ip := net.ParseIP(observedIP)
	if ip == nil {
		return false, fmt.Errorf("spf: observed ip %q does not parse", observedIP)
	}

	for _, record := range records {
		if !strings.HasPrefix(record, "v=spf1") {
			continue
		}
		if v.matchesMechanisms(ctx, resolver, record, domain, ip, 0) {
			return true, nil
		}
	}
	return false, nil
}

// matchesMechanisms walks one SPF record's mechanisms, following "include" up to a
// shallow depth to bound resolution cost (real SPF implementations cap at 10 lookups;
// this advisory check is far more conservative).
func (v DNSSPFValidator) matchesMechanisms(ctx context.Context, resolver *net.Resolver, record, domain string, ip net.IP, depth int) bool {
	if depth > 3 {
		return false
	}

	for _, field := range strings.Fields(record) {
		switch {
		case strings.HasPrefix(field, "ip4:"), strings.HasPrefix(field, "ip6:"):
			if v.matchesCIDR(field[4:], ip) {
				return true
			}
		case field == "a", strings.HasPrefix(field, "a:"), strings.HasPrefix(field, "a/"):
			host := domain
			if strings.HasPrefix(field, "a:") {
				host = strings.SplitN(field[2:], "/", 2)[0]
			}
			if v.matchesHostIPs(ctx, resolver, host, ip) {
				return true
			}
		case field == "mx", strings.HasPrefix(field, "mx:"), strings.HasPrefix(field, "mx/"):
			host := domain
			if strings.HasPrefix(field, "mx:") {
				host = strings.SplitN(field[3:], "/", 2)[0]
			}
			mxs, err := resolver.LookupMX(ctx, host)
			if err == nil {
				for _, mx := range mxs {
					if v.matchesHostIPs(ctx, resolver, mx.Host, ip) {
						return true
					}
				}
			}
		case strings.HasPrefix(field, "include:"):
			included := field[len("include:"):]
			txts, err := resolver.LookupTXT(ctx, included)
			if err != nil {
				continue
			}
			for _, txt := range txts {
				if strings.HasPrefix(txt, "v=spf1") && v.matchesMechanisms(ctx, resolver, txt, included, ip, depth+1) {
					return true
				}
			}
		}
	}
	return false
}

func (v DNSSPFValidator) matchesCIDR(spec string, ip net.IP) bool {
	if !strings.Contains(spec, "/") {
		return net.ParseIP(spec).Equal(ip)
	}
	_, network, err := net.ParseCIDR(spec)
	if err != nil {
		return false
	}
	return network.Contains(ip)
}

func (v DNSSPFValidator) matchesHostIPs(ctx context.Context, resolver *net.Resolver, host string, ip net.IP) bool {
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if addr.IP.Equal(ip) {
			return true
		}
	}
	return false
}
