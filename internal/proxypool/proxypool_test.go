package proxypool

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MailerSuite/sendcore/internal/models"
)

// fakeProxyStore backs ListWorking/GetWorking tests without a real stores.ProxyStore.
type fakeProxyStore struct {
	proxies []*models.Proxy
}

func (s *fakeProxyStore) ListProxies(context.Context, string) ([]*models.Proxy, error) {
	return s.proxies, nil
}
func (s *fakeProxyStore) SaveProxy(context.Context, *models.Proxy) error { return nil }

func TestListWorking_ExcludesBlacklistedAndInactive(t *testing.T) {
	store := &fakeProxyStore{proxies: []*models.Proxy{
		{ID: "p1", Status: models.ProxyValid, IsActive: true, ResponseTime: 200 * time.Millisecond},
		{ID: "p2", Status: models.ProxyValid, IsActive: true, IsBlacklisted: true},
		{ID: "p3", Status: models.ProxyValid, IsActive: false},
		{ID: "p4", Status: models.ProxyDead, IsActive: true},
		{ID: "p5", Status: models.ProxyValid, IsActive: true, ResponseTime: 50 * time.Millisecond},
	}}
	pool := New(store, nil, nil, Policy{})

	working, err := pool.ListWorking(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListWorking: %v", err)
	}
	if len(working) != 2 {
		t.Fatalf("ListWorking returned %d proxies, want 2", len(working))
	}
	if working[0].ID != "p5" || working[1].ID != "p1" {
		t.Fatalf("ListWorking not sorted by ascending response time: %v", []string{working[0].ID, working[1].ID})
	}
}

func TestGetWorking_NoneAvailable(t *testing.T) {
	pool := New(&fakeProxyStore{}, nil, nil, Policy{})
	_, err := pool.GetWorking(context.Background(), "s1", StrategyRandom)
	if err != ErrProxyUnavailable {
		t.Fatalf("err = %v, want ErrProxyUnavailable", err)
	}
}

func TestGetWorking_FastestStrategy(t *testing.T) {
	store := &fakeProxyStore{proxies: []*models.Proxy{
		{ID: "slow", Status: models.ProxyValid, IsActive: true, ResponseTime: 500 * time.Millisecond},
		{ID: "fast", Status: models.ProxyValid, IsActive: true, ResponseTime: 10 * time.Millisecond},
	}}
	pool := New(store, nil, nil, Policy{})

	proxy, err := pool.GetWorking(context.Background(), "s1", StrategyFastest)
	if err != nil {
		t.Fatalf("GetWorking: %v", err)
	}
	if proxy.ID != "fast" {
		t.Fatalf("GetWorking(fastest) = %s, want fast", proxy.ID)
	}
}

func TestGetWorking_RoundRobinCycles(t *testing.T) {
	store := &fakeProxyStore{proxies: []*models.Proxy{
		{ID: "p1", Status: models.ProxyValid, IsActive: true},
		{ID: "p2", Status: models.ProxyValid, IsActive: true},
	}}
	pool := New(store, nil, nil, Policy{})

	var seen []string
	for i := 0; i < 4; i++ {
		proxy, err := pool.GetWorking(context.Background(), "s1", StrategyRoundRobin)
		if err != nil {
			t.Fatalf("GetWorking: %v", err)
		}
		seen = append(seen, proxy.ID)
	}
	if seen[0] == seen[1] || seen[0] != seen[2] || seen[1] != seen[3] {
		t.Fatalf("round robin did not cycle as expected: %v", seen)
	}
}

func TestGetWorkingExcluding_DropsExcludedProxy(t *testing.T) {
	store := &fakeProxyStore{proxies: []*models.Proxy{
		{ID: "p1", Status: models.ProxyValid, IsActive: true},
		{ID: "p2", Status: models.ProxyValid, IsActive: true},
	}}
	pool := New(store, nil, nil, Policy{})

	proxy, err := pool.GetWorkingExcluding(context.Background(), "s1", StrategyRandom, map[string]bool{"p1": true})
	if err != nil {
		t.Fatalf("GetWorkingExcluding: %v", err)
	}
	if proxy.ID != "p2" {
		t.Fatalf("GetWorkingExcluding = %s, want p2", proxy.ID)
	}

	_, err = pool.GetWorkingExcluding(context.Background(), "s1", StrategyRandom, map[string]bool{"p1": true, "p2": true})
	if err != ErrProxyUnavailable {
		t.Fatalf("err = %v, want ErrProxyUnavailable once all candidates excluded", err)
	}
}

// TestRequireLeakSafeProxy: when leak prevention is enabled, a nil proxy must fail
// fast as an internal error rather than silently allowing a direct-egress caller to
// proceed.
func TestRequireLeakSafeProxy(t *testing.T) {
	pool := New(&fakeProxyStore{}, nil, nil, Policy{LeakPrevention: true})
	if err := pool.RequireLeakSafeProxy(nil); err == nil {
		t.Fatal("expected error when leak prevention is on and no proxy is selected")
	}
	if err := pool.RequireLeakSafeProxy(&models.Proxy{ID: "p1"}); err != nil {
		t.Fatalf("unexpected error with a proxy supplied: %v", err)
	}

	permissive := New(&fakeProxyStore{}, nil, nil, Policy{LeakPrevention: false})
	if err := permissive.RequireLeakSafeProxy(nil); err != nil {
		t.Fatalf("leak prevention disabled must allow nil proxy: %v", err)
	}
}

// fakeSOCKS4Server accepts one connection and replies with the given status byte.
func fakeSOCKS4Server(t *testing.T, status byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		buf := make([]byte, 64)
		_, _ = conn.Read(buf)
		conn.Write([]byte{0x00, status, 0x00, 0x00, 0, 0, 0, 0})
	}()
	return ln.Addr().String()
}

func TestDialSOCKS4_SuccessAndRefusal(t *testing.T) {
	okAddr := fakeSOCKS4Server(t, 0x5a)
	host, portStr, _ := net.SplitHostPort(okAddr)
	port, _ := strconv.Atoi(portStr)
	proxy := &models.Proxy{Kind: models.ProxySOCKS4, Host: host, Port: port}

	conn, err := dialSOCKS4(context.Background(), proxy, "example.com:587")
	if err != nil {
		t.Fatalf("dialSOCKS4 success case: %v", err)
	}
	conn.Close()

	refusedAddr := fakeSOCKS4Server(t, 0x5b)
	host, portStr, _ = net.SplitHostPort(refusedAddr)
	port, _ = strconv.Atoi(portStr)
	proxy = &models.Proxy{Kind: models.ProxySOCKS4, Host: host, Port: port}

	_, err = dialSOCKS4(context.Background(), proxy, "example.com:587")
	if err == nil {
		t.Fatal("expected error on SOCKS4 refusal status")
	}
}

// fakeHTTPConnectServer accepts one connection, reads the CONNECT request and replies
// with statusLine.
func fakeHTTPConnectServer(t *testing.T, statusLine string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || strings.TrimSpace(line) == "" {
				break
			}
		}
		conn.Write([]byte(statusLine + "\r\n\r\n"))
	}()
	return ln.Addr().String()
}

func TestDialHTTPConnect_SuccessAndFailure(t *testing.T) {
	okAddr := fakeHTTPConnectServer(t, "HTTP/1.1 200 Connection Established")
	host, portStr, _ := net.SplitHostPort(okAddr)
	port, _ := strconv.Atoi(portStr)
	proxy := &models.Proxy{Kind: models.ProxyHTTP, Host: host, Port: port}

	conn, err := dialHTTPConnect(context.Background(), proxy, "example.com:587")
	if err != nil {
		t.Fatalf("dialHTTPConnect success case: %v", err)
	}
	conn.Close()

	failAddr := fakeHTTPConnectServer(t, "HTTP/1.1 407 Proxy Authentication Required")
	host, portStr, _ = net.SplitHostPort(failAddr)
	port, _ = strconv.Atoi(portStr)
	proxy = &models.Proxy{Kind: models.ProxyHTTP, Host: host, Port: port}

	_, err = dialHTTPConnect(context.Background(), proxy, "example.com:587")
	if err == nil {
		t.Fatal("expected error on non-200 CONNECT response")
	}
}

func TestOpenTunnel_EscalatesToDeadAfterThreshold(t *testing.T) {
	pool := New(&fakeProxyStore{}, nil, nil, Policy{})
	// nothing is listening on this port; every dial will fail.
	proxy := &models.Proxy{ID: "p1", Kind: models.ProxySOCKS4, Host: "127.0.0.1", Port: 1}

	var lastErr error
	for i := 0; i < tunnelFailureThreshold; i++ {
		_, lastErr = pool.OpenTunnel(context.Background(), proxy, "example.com", 587, 200*time.Millisecond)
		if lastErr == nil {
			t.Fatal("expected dial failure against an unreachable proxy")
		}
	}
	if proxy.Status != models.ProxyDead {
		t.Fatalf("proxy.Status = %s, want dead after %d consecutive tunnel failures", proxy.Status, tunnelFailureThreshold)
	}
}

func TestDialThroughProxy_UnsupportedKind(t *testing.T) {
	_, err := dialThroughProxy(context.Background(), &models.Proxy{Kind: "quic"}, "example.com:587")
	if err == nil {
		t.Fatal("expected error for unsupported proxy kind")
	}
}
