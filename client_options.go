package mqttv5

import (
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"
)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	clientID   string
	username   string
	password   []byte
	keepAlive  uint16
	cleanStart bool
	will       *WillMessage

	tlsConfig  *tls.Config
	proxy      *ProxyConfig
	proxyEnv   bool
	wsHeader   http.Header
	quicConfig *quic.Config

	connectTimeout time.Duration
	writeTimeout   time.Duration
	pingTimeout    time.Duration

	sessionExpiry  uint32
	receiveMaximum uint16
	maxPacketSize  uint32
	userProperties []StringPair

	defaultQoS     byte
	maxQueued      int
	publishRate    rate.Limit
	publishBurst   int
	eventQueueSize int

	defaultHandler MessageHandler
	logger         Logger
	metrics        Metrics
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		keepAlive:      60,
		cleanStart:     true,
		connectTimeout: 10 * time.Second,
		writeTimeout:   5 * time.Second,
		receiveMaximum: defaultReceiveMaximum,
		maxQueued:      1000,
		publishRate:    rate.Inf,
		eventQueueSize: DefaultEventQueueSize,
		logger:         NewNoOpLogger(),
		metrics:        NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithClientID sets the client identifier. When empty, a random identifier
// is generated.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password sent in CONNECT.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. 0 disables pings.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

// WithCleanStart sets the Clean Start flag. With clean start disabled,
// unacknowledged QoS 1 and 2 publishes survive a connection loss and are
// resent when the server resumes the session.
func WithCleanStart(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanStart = clean
	}
}

// WithWill sets the will message.
func WithWill(will *WillMessage) Option {
	return func(o *clientOptions) {
		o.will = will
	}
}

// WithTLS sets the TLS configuration for tls, wss and quic endpoints.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithProxy routes tcp, tls and WebSocket connections through a proxy.
func WithProxy(cfg *ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxy = cfg
	}
}

// WithProxyFromEnvironment selects the proxy from HTTP_PROXY, HTTPS_PROXY
// and NO_PROXY.
func WithProxyFromEnvironment() Option {
	return func(o *clientOptions) {
		o.proxyEnv = true
	}
}

// WithWebSocketHeader sets extra HTTP headers for the WebSocket handshake.
func WithWebSocketHeader(h http.Header) Option {
	return func(o *clientOptions) {
		o.wsHeader = h
	}
}

// WithQUICConfig sets the quic-go configuration for quic endpoints.
func WithQUICConfig(cfg *quic.Config) Option {
	return func(o *clientOptions) {
		o.quicConfig = cfg
	}
}

// WithConnectTimeout bounds both dialing and the wait for CONNACK.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout bounds every network write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithPingTimeout sets how long a PINGREQ may stay unanswered before the
// connection is considered lost. Defaults to the keep-alive interval.
func WithPingTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.pingTimeout = d
	}
}

// WithSessionExpiry sets the Session Expiry Interval in seconds.
func WithSessionExpiry(seconds uint32) Option {
	return func(o *clientOptions) {
		o.sessionExpiry = seconds
	}
}

// WithReceiveMaximum limits the QoS 1 and 2 publishes the server may have
// in flight towards this client.
func WithReceiveMaximum(n uint16) Option {
	return func(o *clientOptions) {
		o.receiveMaximum = n
	}
}

// WithMaxPacketSize limits inbound packets. The limit is announced in
// CONNECT; larger packets are treated as malformed. Without it the client
// accepts packets up to the protocol maximum of 256 MiB, buffering a large
// packet only as its bytes arrive.
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		o.maxPacketSize = size
	}
}

// WithUserProperty adds a user property to CONNECT.
func WithUserProperty(key, value string) Option {
	return func(o *clientOptions) {
		o.userProperties = append(o.userProperties, StringPair{Key: key, Value: value})
	}
}

// WithDefaultQoS sets the QoS of Publish calls made without WithQoS.
// Subscribe always takes its QoS as an argument.
func WithDefaultQoS(qos byte) Option {
	return func(o *clientOptions) {
		o.defaultQoS = qos
	}
}

// WithMaxQueuedPublishes bounds the outbound publish queue.
func WithMaxQueuedPublishes(n int) Option {
	return func(o *clientOptions) {
		o.maxQueued = n
	}
}

// WithPublishRateLimit limits outbound publishes to r per second with the
// given burst.
func WithPublishRateLimit(r rate.Limit, burst int) Option {
	return func(o *clientOptions) {
		o.publishRate = r
		o.publishBurst = burst
	}
}

// WithEventQueueSize bounds the events kept per kind while nobody waits.
func WithEventQueueSize(n int) Option {
	return func(o *clientOptions) {
		o.eventQueueSize = n
	}
}

// WithDefaultHandler sets the router's catch-all handler for messages whose
// subscription identifiers have no handler.
func WithDefaultHandler(h MessageHandler) Option {
	return func(o *clientOptions) {
		o.defaultHandler = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) Option {
	return func(o *clientOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

func applyOptions(opts ...Option) *clientOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.clientID == "" {
		o.clientID = generateClientID()
	}
	if o.defaultQoS > QoS2 {
		o.defaultQoS = QoS2
	}
	return o
}

func (o *clientOptions) channelConfig() ChannelConfig {
	return ChannelConfig{
		TLSConfig:            o.tlsConfig,
		DialTimeout:          o.connectTimeout,
		WriteTimeout:         o.writeTimeout,
		MaxPacketSize:        o.maxPacketSize,
		Proxy:                o.proxy,
		ProxyFromEnvironment: o.proxyEnv,
		WSHeader:             o.wsHeader,
		QUICConfig:           o.quicConfig,
		Logger:               o.logger,
	}
}

func (o *clientOptions) connectPacket() *ConnectPacket {
	pkt := &ConnectPacket{
		ClientID:   o.clientID,
		CleanStart: o.cleanStart,
		KeepAlive:  o.keepAlive,
		Username:   o.username,
		Password:   o.password,
		Will:       o.will,
	}
	if o.sessionExpiry > 0 {
		pkt.Props.Set(PropSessionExpiryInterval, o.sessionExpiry)
	}
	if o.receiveMaximum > 0 && o.receiveMaximum != defaultReceiveMaximum {
		pkt.Props.Set(PropReceiveMaximum, o.receiveMaximum)
	}
	if o.maxPacketSize > 0 {
		pkt.Props.Set(PropMaximumPacketSize, o.maxPacketSize)
	}
	for _, up := range o.userProperties {
		pkt.Props.Add(PropUserProperty, up)
	}
	return pkt
}

// generateClientID returns a random identifier within the 23 characters
// every server must accept.
func generateClientID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "mqttv5-" + id[:16]
}
