// Package mqttv5 provides an MQTT v5.0 client with subscription identifier
// routing.
//
// This package implements the client side of the MQTT Version 5.0 OASIS
// Standard:
// https://docs.oasis-open.org/mqtt/mqtt/v5.0/mqtt-v5.0.html
//
// # Features
//
//   - All 15 MQTT v5.0 control packet types
//   - Complete properties system, including repeated Subscription Identifiers
//   - QoS 0, 1, 2 publish and receive flows with receive maximum flow control
//   - Inbound dispatch by subscription identifier
//   - Event waiting with per-kind FIFO queues and timeouts
//   - Transport: TCP, TLS, WebSocket, WSS, QUIC, Unix sockets, SOCKS5 and
//     HTTP CONNECT proxies
//
// # Packet Types
//
// The package provides structs for all MQTT v5.0 control packets:
//
//   - ConnectPacket, ConnackPacket: Connection establishment
//   - PublishPacket, PubackPacket, PubrecPacket, PubrelPacket, PubcompPacket: Message delivery
//   - SubscribePacket, SubackPacket: Topic subscription
//   - UnsubscribePacket, UnsubackPacket: Topic unsubscription
//   - PingreqPacket, PingrespPacket: Keep-alive
//   - DisconnectPacket: Connection termination
//   - AuthPacket: Enhanced authentication
//
// Every decode defect is reported as *MalformedPacketError. Use ReadPacket
// and WritePacket on streams, or EncodePacket and DecodePacket on frames:
//
//	pkt, err := mqttv5.ReadPacket(conn, maxPacketSize)
//	err = mqttv5.WritePacket(conn, packet)
//
// # Client
//
// A Client is created disconnected. Connect dials the endpoint and sends
// CONNECT; the outcome arrives as an event:
//
//	client := mqttv5.NewClient(handler,
//	    mqttv5.WithClientID("my-client"),
//	    mqttv5.WithKeepAlive(60),
//	)
//	defer client.Close()
//
//	if err := client.Connect(ctx, "tcp://localhost:1883"); err != nil {
//	    return err
//	}
//	ev, err := client.WaitFor(mqttv5.EventConnected, 5*time.Second)
//
// DialContext does both and waits for the CONNACK:
//
//	client, err := mqttv5.DialContext(ctx, "wss://broker:8084/mqtt", nil,
//	    mqttv5.WithTLS(&tls.Config{}),
//	)
//
// Subscribe, Unsubscribe and Publish return tokens that complete when the
// server acknowledges the request:
//
//	tok, err := client.Publish("sensors/temp", []byte("21.5"), mqttv5.WithQoS(mqttv5.QoS1))
//	if err == nil {
//	    err = tok.WaitTimeout(5 * time.Second)
//	}
//
// # Subscription Identifiers
//
// A subscription made with an identifier can carry its own handler. Each
// inbound PUBLISH is dispatched once to the handler of every identifier it
// carries; the default handler only sees messages no identifier claimed:
//
//	client.Subscribe("home/+", mqttv5.QoS2,
//	    mqttv5.WithSubscriptionID(1),
//	    mqttv5.WithHandler(mqttv5.MessageHandlerFunc(func(msg *mqttv5.Message) error {
//	        return nil
//	    })),
//	)
//
// # Events
//
// Every asynchronous outcome is posted as an Event. Handler callbacks run
// first, then the event is handed to the oldest WaitFor call of its kind or
// queued for a later one. Waiters are released with ErrWaitCanceled when the
// session ends.
//
// # Reconnecting
//
// The client never reconnects on its own. Reconnect retries Connect with
// backoff and restores remembered subscriptions:
//
//	err := mqttv5.Reconnect(ctx, client, endpoint, mqttv5.DefaultReconnectPolicy())
//
// # Configuration
//
// LoadConfig reads a YAML file with MQTT_* environment overrides and
// converts it into options:
//
//	cfg, err := mqttv5.LoadConfig("client.yaml")
//	client := mqttv5.NewClient(nil, cfg.Options()...)
//
// # Metrics
//
//	// Published through expvar (exposed at /debug/vars)
//	metrics := mqttv5.NewExpvarMetrics("mqtt")
//
//	// For testing
//	metrics := mqttv5.NewMemoryMetrics()
//
// # Logging
//
// Implement the Logger interface for structured logging, or use one of the
// provided loggers:
//
//	logger := mqttv5.NewStdLogger(os.Stdout, mqttv5.LogLevelInfo)
//	logger := mqttv5.NewConsoleLogger(mqttv5.LogLevelDebug)
package mqttv5
