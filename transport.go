package mqttv5

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrInvalidEndpoint is returned for endpoints that cannot be parsed.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Default ports per transport scheme.
const (
	DefaultTCPPort  = "1883"
	DefaultTLSPort  = "8883"
	DefaultWSPort   = "80"
	DefaultWSSPort  = "443"
	DefaultQUICPort = "14567"
)

// Endpoint is a parsed broker address. Scheme is normalized to one of tcp,
// tls, ws, wss, unix or quic.
type Endpoint struct {
	Scheme string
	// Host is host:port, or the socket path for unix endpoints.
	Host string
	// Path is the HTTP path of WebSocket endpoints.
	Path string
}

// ParseEndpoint parses a broker address. Accepted schemes are tcp, mqtt,
// tls, ssl, mqtts, ws, wss, unix and quic; an address without scheme is a
// tcp host:port. Missing ports get the scheme default.
func ParseEndpoint(s string) (*Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidEndpoint)
	}
	if !strings.Contains(s, "://") {
		s = "tcp://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	ep := &Endpoint{}
	var port string
	switch strings.ToLower(u.Scheme) {
	case "tcp", "mqtt":
		ep.Scheme, port = "tcp", DefaultTCPPort
	case "tls", "ssl", "mqtts":
		ep.Scheme, port = "tls", DefaultTLSPort
	case "ws":
		ep.Scheme, port = "ws", DefaultWSPort
	case "wss":
		ep.Scheme, port = "wss", DefaultWSSPort
	case "quic":
		ep.Scheme, port = "quic", DefaultQUICPort
	case "unix":
		ep.Scheme = "unix"
		ep.Host = u.Host + u.Path
		if ep.Host == "" {
			return nil, fmt.Errorf("%w: missing socket path", ErrInvalidEndpoint)
		}
		return ep, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	if u.Port() != "" {
		port = u.Port()
	}
	ep.Host = net.JoinHostPort(u.Hostname(), port)

	if ep.Scheme == "ws" || ep.Scheme == "wss" {
		ep.Path = u.Path
		if ep.Path == "" {
			ep.Path = "/mqtt"
		}
	}
	return ep, nil
}

func (e *Endpoint) String() string {
	return e.Scheme + "://" + e.Host + e.Path
}

// ChannelConfig tunes how a Channel is opened and operated.
type ChannelConfig struct {
	TLSConfig    *tls.Config
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxPacketSize bounds inbound packets; larger ones are malformed.
	// Zero accepts anything the protocol can express.
	MaxPacketSize uint32

	// Proxy routes tcp, tls and WebSocket connections through an HTTP
	// CONNECT or SOCKS5 proxy. ProxyFromEnvironment consults HTTP_PROXY,
	// HTTPS_PROXY and NO_PROXY instead when Proxy is nil.
	Proxy                *ProxyConfig
	ProxyFromEnvironment bool

	WSHeader   http.Header
	QUICConfig *quic.Config

	Logger Logger
}

// Channel is an open byte-stream connection to a broker. It frames inbound
// bytes into packets, serializes writes and runs the keep-alive schedule.
//
// A Channel is used for exactly one network connection; reconnecting opens
// a new one.
type Channel struct {
	conn     net.Conn
	r        *bufio.Reader
	endpoint *Endpoint
	logger   Logger

	writeMu       sync.Mutex
	writeTimeout  time.Duration
	maxPacketSize uint32

	lastWrite atomic.Int64
	pingSent  atomic.Int64
	keepAlive atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	cause     atomic.Pointer[error]
}

// OpenChannel dials endpoint. Failures are returned as *ConnectError.
func OpenChannel(ctx context.Context, endpoint string, cfg ChannelConfig) (*Channel, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, &ConnectError{Cause: err}
	}

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	conn, err := dialEndpoint(ctx, ep, &cfg)
	if err != nil {
		return nil, &ConnectError{Cause: fmt.Errorf("dial %s: %w", ep, err)}
	}
	return newChannel(conn, ep, cfg), nil
}

func newChannel(conn net.Conn, ep *Endpoint, cfg ChannelConfig) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = NewNoOpLogger()
	}
	c := &Channel{
		conn:          conn,
		r:             bufio.NewReader(conn),
		endpoint:      ep,
		logger:        logger,
		writeTimeout:  cfg.WriteTimeout,
		maxPacketSize: cfg.MaxPacketSize,
		closed:        make(chan struct{}),
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return c
}

func dialEndpoint(ctx context.Context, ep *Endpoint, cfg *ChannelConfig) (net.Conn, error) {
	switch ep.Scheme {
	case "ws", "wss":
		return dialWebSocket(ctx, ep, cfg)
	case "quic":
		return dialQUIC(ctx, ep, cfg)
	case "unix":
		var d net.Dialer
		return d.DialContext(ctx, "unix", ep.Host)
	}

	var conn net.Conn
	proxyURL, err := proxyFor(ep, cfg)
	if err != nil {
		return nil, err
	}
	if proxyURL != nil {
		conn, err = newProxyDialer(proxyURL, cfg.Proxy).DialContext(ctx, "tcp", ep.Host)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", ep.Host)
	}
	if err != nil {
		return nil, err
	}
	if ep.Scheme != "tls" {
		return conn, nil
	}

	tlsConn := tls.Client(conn, clientTLSConfig(cfg.TLSConfig, ep.Host, nil))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// clientTLSConfig copies base and fills in the server name and ALPN
// protocols when they are missing.
func clientTLSConfig(base *tls.Config, hostport string, nextProtos []string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(hostport)
		if err != nil {
			host = hostport
		}
		cfg.ServerName = host
	}
	if len(cfg.NextProtos) == 0 && len(nextProtos) > 0 {
		cfg.NextProtos = nextProtos
	}
	return cfg
}

// Endpoint returns the endpoint the channel is connected to.
func (c *Channel) Endpoint() *Endpoint {
	return c.endpoint
}

// RemoteAddr returns the address of the peer.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send encodes pkt and writes it.
func (c *Channel) Send(pkt Packet) error {
	b, err := EncodePacket(pkt)
	if err != nil {
		return err
	}
	return c.Write(b)
}

// Write writes one or more complete packets. A failed write closes the
// channel; the frame sequence then reports the loss.
func (c *Channel) Write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(b); err != nil {
		c.fail(err)
		return &ConnectionLostError{Cause: err}
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// Frames returns the inbound packets as raw frames, fixed header included.
// Each step reads exactly one frame from the network. PINGRESP frames are
// consumed by the keep-alive logic and never yielded.
//
// The sequence ends without error after Close. Otherwise it ends with one
// error: a *MalformedPacketError for undecodable framing, or a
// *ConnectionLostError.
func (c *Channel) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			frame, err := readFrame(c.r, c.maxPacketSize)
			if err != nil {
				if ferr := c.readFailure(err); ferr != nil {
					yield(nil, ferr)
				}
				return
			}
			if PacketType(frame[0]>>4) == PacketPINGRESP {
				c.pingSent.Store(0)
				continue
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

func (c *Channel) readFailure(err error) error {
	var malformed *MalformedPacketError
	if errors.As(err, &malformed) {
		return malformed
	}
	if cause := c.cause.Load(); cause != nil {
		return &ConnectionLostError{Cause: *cause}
	}
	if c.isClosed() {
		return nil
	}
	c.fail(err)
	return &ConnectionLostError{Cause: err}
}

// StartKeepAlive schedules PINGREQ whenever nothing was written for
// interval. A PINGREQ unanswered for grace fails the channel with
// ErrKeepAliveTimeout. grace <= 0 means interval. Only the first call has
// an effect.
func (c *Channel) StartKeepAlive(interval, grace time.Duration) {
	if interval <= 0 || !c.keepAlive.CompareAndSwap(false, true) {
		return
	}
	if grace <= 0 {
		grace = interval
	}

	tick := min(interval, grace) / 4
	tick = max(tick, 10*time.Millisecond)

	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-c.closed:
				return
			case now := <-ticker.C:
				if sent := c.pingSent.Load(); sent != 0 {
					if now.Sub(time.Unix(0, sent)) >= grace {
						c.logger.Warn("keep-alive timeout", LogFields{
							LogFieldEndpoint: c.endpoint.String(),
							LogFieldDuration: grace.String(),
						})
						c.fail(ErrKeepAliveTimeout)
						return
					}
					continue
				}
				if now.Sub(time.Unix(0, c.lastWrite.Load())) >= interval {
					c.pingSent.Store(now.UnixNano())
					if err := c.Send(&PingreqPacket{}); err != nil {
						return
					}
				}
			}
		}
	}()
}

// Close releases the connection. It is safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the channel is closed, locally or after a failure.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// fail records the first failure cause and closes the channel.
func (c *Channel) fail(cause error) {
	c.cause.CompareAndSwap(nil, &cause)
	_ = c.Close()
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
