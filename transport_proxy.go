package mqttv5

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"
)

// ProxyConfig routes connections through a proxy.
type ProxyConfig struct {
	// URL is http://host:port, https://host:port (HTTP CONNECT) or
	// socks5://host:port.
	URL string
	// Username and Password override credentials embedded in URL.
	Username string
	Password string
}

// proxyFor returns the proxy to use for ep, or nil for a direct connection.
func proxyFor(ep *Endpoint, cfg *ChannelConfig) (*url.URL, error) {
	if cfg.Proxy != nil && cfg.Proxy.URL != "" {
		u, err := url.Parse(cfg.Proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		return u, nil
	}
	if cfg.ProxyFromEnvironment {
		return ProxyFromEnvironment(ep)
	}
	return nil, nil
}

// ProxyFromEnvironment returns the proxy that HTTP_PROXY, HTTPS_PROXY and
// NO_PROXY select for ep. TLS based endpoints follow HTTPS_PROXY, the others
// HTTP_PROXY. It returns nil when no proxy applies.
func ProxyFromEnvironment(ep *Endpoint) (*url.URL, error) {
	scheme := "http"
	if ep.Scheme == "tls" || ep.Scheme == "wss" {
		scheme = "https"
	}
	return httpproxy.FromEnvironment().ProxyFunc()(&url.URL{Scheme: scheme, Host: ep.Host})
}

// proxyDialer dials through HTTP CONNECT or SOCKS5 proxies.
type proxyDialer struct {
	proxyURL *url.URL
	username string
	password string
	forward  *net.Dialer
}

func newProxyDialer(u *url.URL, cfg *ProxyConfig) *proxyDialer {
	d := &proxyDialer{proxyURL: u, forward: &net.Dialer{}}
	if u.User != nil {
		d.username = u.User.Username()
		d.password, _ = u.User.Password()
	}
	if cfg != nil && cfg.Username != "" {
		d.username, d.password = cfg.Username, cfg.Password
	}
	return d
}

func (d *proxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch d.proxyURL.Scheme {
	case "http", "https":
		return d.dialHTTPConnect(ctx, addr)
	case "socks5", "socks5h":
		return d.dialSOCKS5(ctx, network, addr)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", d.proxyURL.Scheme)
	}
}

func (d *proxyDialer) proxyAddr(defaultPort string) string {
	if d.proxyURL.Port() != "" {
		return d.proxyURL.Host
	}
	return net.JoinHostPort(d.proxyURL.Hostname(), defaultPort)
}

func (d *proxyDialer) dialHTTPConnect(ctx context.Context, target string) (net.Conn, error) {
	defaultPort := "8080"
	if d.proxyURL.Scheme == "https" {
		defaultPort = "443"
	}

	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyAddr(defaultPort))
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}
	if d.proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: d.proxyURL.Hostname(), MinVersion: tls.VersionTLS12})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxy tls handshake: %w", err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if d.username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, fmt.Errorf("proxy sent data before the tunnel was established")
	}
	return conn, nil
}

func (d *proxyDialer) dialSOCKS5(ctx context.Context, network, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyAddr("1080"), auth, d.forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}

	var conn net.Conn
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, network, target)
	} else {
		conn, err = dialer.Dial(network, target)
	}
	if err != nil {
		return nil, fmt.Errorf("socks5 dial: %w", err)
	}
	return conn, nil
}
