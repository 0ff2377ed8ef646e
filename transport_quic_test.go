package mqttv5

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQUICBroker(t *testing.T) (string, *tls.Config) {
	t.Helper()
	cert, pool := generateTestCertificate(t)

	ln, err := quic.ListenAddr("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QUICNextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		pkt, err := ReadPacket(stream, 0)
		if err == nil && pkt.Type() == PacketCONNECT {
			ack := &ConnackPacket{}
			ack.Props.Set(PropAssignedClientIdentifier, "quic-1")
			_ = WritePacket(stream, ack)
		}
		<-ctx.Done()
	}()

	return "quic://" + ln.Addr().String(), &tls.Config{RootCAs: pool}
}

func TestQUICChannel(t *testing.T) {
	endpoint, tlsConfig := newQUICBroker(t)

	ch, err := OpenChannel(context.Background(), endpoint, ChannelConfig{
		TLSConfig:   tlsConfig,
		DialTimeout: 3 * time.Second,
		QUICConfig:  &quic.Config{MaxIdleTimeout: 5 * time.Second},
	})
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, "quic", ch.Endpoint().Scheme)
	assert.NotNil(t, ch.RemoteAddr())

	require.NoError(t, ch.Send(&ConnectPacket{ClientID: ""}))
	for frame, err := range ch.Frames() {
		require.NoError(t, err)
		pkt, err := DecodePacket(frame)
		require.NoError(t, err)
		ack, ok := pkt.(*ConnackPacket)
		require.True(t, ok)
		assert.Equal(t, "quic-1", ack.Props.GetString(PropAssignedClientIdentifier))
		break
	}
}

func TestQUICDialForcesTLS13(t *testing.T) {
	endpoint, tlsConfig := newQUICBroker(t)
	tlsConfig.MinVersion = tls.VersionTLS12

	ep, err := ParseEndpoint(endpoint)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := dialQUIC(ctx, ep, &ChannelConfig{TLSConfig: tlsConfig})
	require.NoError(t, err)
	defer conn.Close()

	assert.NotNil(t, conn.LocalAddr())
	assert.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))
}

func TestQUICDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := OpenChannel(ctx, "quic://127.0.0.1:1", ChannelConfig{TLSConfig: &tls.Config{InsecureSkipVerify: true}})
	assert.ErrorIs(t, err, ErrConnectFailed)
}
