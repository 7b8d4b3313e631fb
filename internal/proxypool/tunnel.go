package proxypool

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	xproxy "golang.org/x/net/proxy"

	"github.com/MailerSuite/sendcore/internal/models"
)

// dialThroughProxy performs the SOCKS4/SOCKS5/HTTP CONNECT handshake against proxy and
// returns a stream socket connected to target ("host:port"). This is the sole egress
// path used by OpenTunnel; nothing else in this package calls net.Dial against an
// SMTP/IMAP host directly.
func dialThroughProxy(ctx context.Context, proxy *models.Proxy, target string) (net.Conn, error) {
	switch proxy.Kind {
	case models.ProxySOCKS5:
		return dialSOCKS5(ctx, proxy, target)
	case models.ProxySOCKS4:
		return dialSOCKS4(ctx, proxy, target)
	case models.ProxyHTTP:
		return dialHTTPConnect(ctx, proxy, target)
	default:
		return nil, fmt.Errorf("unsupported proxy kind %q", proxy.Kind)
	}
}

func dialSOCKS5(ctx context.Context, proxy *models.Proxy, target string) (net.Conn, error) {
	var auth *xproxy.Auth
	if proxy.Username != "" {
		auth = &xproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}

	dialer, err := xproxy.SOCKS5("tcp", proxy.Addr(), auth, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer setup: %w", err)
	}

	if ctxDialer, ok := dialer.(xproxy.ContextDialer); ok {
		return ctxDialer.DialContext(ctx, "tcp", target)
	}
	return dialer.Dial("tcp", target)
}

// dialSOCKS4 performs a minimal SOCKS4/4a CONNECT handshake. SOCKS4 predates RFC 1928
// but this implementation follows the de-facto wire format every SOCKS4 server
// accepts.
func dialSOCKS4(ctx context.Context, proxy *models.Proxy, target string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxy.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("invalid target %q: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("invalid target port %q: %w", portStr, err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xff)}

	ip := net.ParseIP(host)
	useSocks4a := ip == nil || ip.To4() == nil
	if useSocks4a {
		// SOCKS4a: invalid IP (0.0.0.1) signals the server to resolve the hostname itself.
		req = append(req, 0, 0, 0, 1)
	} else {
		req = append(req, ip.To4()...)
	}

	req = append(req, []byte(proxy.Username)...)
	req = append(req, 0x00)

	if useSocks4a {
		req = append(req, []byte(host)...)
		req = append(req, 0x00)
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 request: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := readFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 response: %w", err)
	}
	if resp[0] != 0x00 || resp[1] != 0x5a {
		conn.Close()
		return nil, fmt.Errorf("socks4 connect refused, status 0x%02x", resp[1])
	}

	return conn, nil
}

// dialHTTPConnect performs an HTTP CONNECT handshake per RFC 7231 §4.3.6.
func dialHTTPConnect(ctx context.Context, proxy *models.Proxy, target string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxy.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}

	reqLine := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if proxy.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		reqLine += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", creds)
	}
	reqLine += "\r\n"

	if _, err := conn.Write([]byte(reqLine)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect request: %w", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect response: %w", err)
	}
	if !strings.Contains(statusLine, "200") {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", strings.TrimSpace(statusLine))
	}
	// drain headers until blank line
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("connect headers: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	return conn, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
