package mqttv5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the subprotocol negotiated for MQTT over WebSocket.
const WebSocketSubprotocol = "mqtt"

var errWSTextMessage = errors.New("websocket: text message on MQTT connection")

// wsConn presents a WebSocket connection as a byte stream. MQTT packets may
// span WebSocket messages and a message may hold several packets, so reads
// stream through message boundaries.
type wsConn struct {
	ws *websocket.Conn
	r  io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				return 0, errWSTextMessage
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame, best effort, and closes the socket.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func dialWebSocket(ctx context.Context, ep *Endpoint, cfg *ChannelConfig) (net.Conn, error) {
	proxyURL, err := proxyFor(ep, cfg)
	if err != nil {
		return nil, err
	}

	d := &websocket.Dialer{
		Subprotocols:    []string{WebSocketSubprotocol},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if proxyURL != nil {
		d.Proxy = http.ProxyURL(proxyURL)
	}
	if ep.Scheme == "wss" {
		d.TLSClientConfig = clientTLSConfig(cfg.TLSConfig, ep.Host, nil)
	}

	target := (&url.URL{Scheme: ep.Scheme, Host: ep.Host, Path: ep.Path}).String()
	ws, resp, err := d.DialContext(ctx, target, cfg.WSHeader)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake (%s): %w", resp.Status, err)
		}
		return nil, err
	}

	if ws.Subprotocol() != WebSocketSubprotocol {
		ws.Close()
		return nil, fmt.Errorf("websocket: server did not accept subprotocol %q", WebSocketSubprotocol)
	}
	return &wsConn{ws: ws}, nil
}
