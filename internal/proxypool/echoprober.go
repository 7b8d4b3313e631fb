package proxypool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPEchoProber is the default EchoProber: it issues a GET against testURL through the
// supplied DialFunc and parses a JSON body of shape {"ip": "..."} (compatible with
// common echo services), falling back to treating the whole trimmed body as the IP.
type HTTPEchoProber struct{}

// Probe implements EchoProber.
func (HTTPEchoProber) Probe(ctx context.Context, dial DialFunc, testURL string, timeout time.Duration) (string, time.Duration, error) {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: dial,
		},
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", latency, fmt.Errorf("read probe body: %w", err)
	}

	var parsed struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.IP != "" {
		return parsed.IP, latency, nil
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", latency, fmt.Errorf("probe response is not a parseable IP: %q", ip)
	}
	return ip, latency, nil
}
