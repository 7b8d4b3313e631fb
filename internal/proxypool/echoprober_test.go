package proxypool

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

// serveOnce starts a one-shot local HTTP server returning body for every request, and
// returns a DialFunc that connects to it regardless of the requested address.
func serveOnce(t *testing.T, body string) DialFunc {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, ln.Addr().String())
	}
}

func TestHTTPEchoProber_ParsesJSONBody(t *testing.T) {
	dial := serveOnce(t, `{"ip":"203.0.113.9"}`)
	prober := HTTPEchoProber{}

	ip, latency, err := prober.Probe(context.Background(), dial, "http://echo.invalid/", time.Second)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if ip != "203.0.113.9" {
		t.Fatalf("ip = %q, want 203.0.113.9", ip)
	}
	if latency <= 0 {
		t.Fatal("expected a positive measured latency")
	}
}

func TestHTTPEchoProber_FallsBackToPlainBody(t *testing.T) {
	dial := serveOnce(t, "  203.0.113.10  ")
	prober := HTTPEchoProber{}

	ip, _, err := prober.Probe(context.Background(), dial, "http://echo.invalid/", time.Second)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if ip != "203.0.113.10" {
		t.Fatalf("ip = %q, want trimmed plain-body ip", ip)
	}
}

func TestHTTPEchoProber_RejectsUnparseableBody(t *testing.T) {
	dial := serveOnce(t, "not an ip address")
	prober := HTTPEchoProber{}

	_, _, err := prober.Probe(context.Background(), dial, "http://echo.invalid/", time.Second)
	if err == nil {
		t.Fatal("expected an error for a non-IP probe response")
	}
}
