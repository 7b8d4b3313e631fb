package dispatcher

import (
	"context"
	"net"
	"sort"
	"strings"

	"github.com/MailerSuite/sendcore/internal/models"
)

// resolveHosts returns the ordered list of SMTP hosts to try: the account's explicit
// host first if set, then MX records for its domain sorted by preference, then the
// policy's static fallback list.
func resolveHosts(ctx context.Context, account *models.SMTPAccount, fallback []string) ([]string, error) {
	var hosts []string
	seen := make(map[string]bool)

	add := func(h string) {
		h = strings.TrimSuffix(strings.ToLower(h), ".")
		if h == "" || seen[h] {
			return
		}
		seen[h] = true
		hosts = append(hosts, h)
	}

	if account.Host != "" {
		add(account.Host)
	}

	domain := account.Domain()
	if domain != "" {
		var resolver net.Resolver
		mxRecords, err := resolver.LookupMX(ctx, domain)
		if err == nil {
			sort.Slice(mxRecords, func(i, j int) bool { return mxRecords[i].Pref < mxRecords[j].Pref })
			for _, mx := range mxRecords {
				add(mx.Host)
			}
		}
	}

	for _, h := range fallback {
		add(h)
	}

	if len(hosts) == 0 {
		return nil, models.NewOpError(models.ErrConfiguration, "no SMTP host configured or discoverable for "+account.Email)
	}
	return hosts, nil
}
