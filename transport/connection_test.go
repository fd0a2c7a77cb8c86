package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rustyguts/mumble/ocb2"
	"github.com/rustyguts/mumble/wire"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestConnectAndExchangeControlFrame(t *testing.T) {
	cert := selfSignedCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		typ, msg, err := wire.ReadFrame(conn, JSONCodecForTest{})
		if err != nil || typ != wire.TypeAuthenticate {
			return
		}
		auth := msg.(*wire.Authenticate)
		if auth.Username != "alice" {
			return
		}
		_ = wire.WriteFrame(conn, JSONCodecForTest{}, &wire.ServerSync{Session: 7})
	}()

	c := NewConnection(JSONCodecForTest{}, NoopRecorder)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = c.Connect(ctx, ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer c.Close()

	received := make(chan *wire.ServerSync, 1)
	c.OnMessage(func(typ wire.MessageType, msg any) {
		if typ == wire.TypeServerSync {
			received <- msg.(*wire.ServerSync)
		}
	})

	require.NoError(t, c.SendControl(ctx, &wire.Authenticate{Username: "alice", Opus: true}))

	select {
	case sync := <-received:
		require.EqualValues(t, 7, sync.Session)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ServerSync")
	}

	<-serverDone
}

func TestClassifyQuality(t *testing.T) {
	cases := []struct {
		name    string
		loss    float64
		rtt     time.Duration
		jitter  time.Duration
		want    QualityLevel
	}{
		{"clean", 0, 20 * time.Millisecond, 5 * time.Millisecond, QualityGood},
		{"moderate loss", 0.03, 20 * time.Millisecond, 5 * time.Millisecond, QualityModerate},
		{"high rtt", 0, 200 * time.Millisecond, 5 * time.Millisecond, QualityModerate},
		{"severe loss", 0.2, 20 * time.Millisecond, 5 * time.Millisecond, QualityPoor},
		{"severe jitter", 0, 20 * time.Millisecond, 150 * time.Millisecond, QualityPoor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classifyQuality(tc.loss, tc.rtt, tc.jitter))
		})
	}
}

func TestRouterDispatchesInRegistrationOrder(t *testing.T) {
	r := NewRouter()
	var order []int
	r.On(wire.TypePing, func(any) { order = append(order, 1) })
	r.On(wire.TypePing, func(any) { order = append(order, 2) })

	fellThrough := false
	r.OnUnhandled(func(any) { fellThrough = true })

	r.Dispatch(wire.TypePing, &wire.Ping{})
	require.Equal(t, []int{1, 2}, order)

	r.Dispatch(wire.TypeUserState, &wire.UserState{})
	require.True(t, fellThrough)
}

func TestApplyCryptSetupResync(t *testing.T) {
	c := NewConnection(JSONCodecForTest{}, NoopRecorder)
	require.NoError(t, c.crypt.GenKey())

	nonce := make([]byte, 16)
	nonce[0] = 0x42
	reply := c.applyCryptSetup(&wire.CryptSetup{ServerNonce: nonce})

	require.Nil(t, reply)
	require.EqualValues(t, 1, c.crypt.Stats.Resync)
	require.Equal(t, byte(0x42), c.crypt.DecryptNonce()[0])
}

func TestApplyCryptSetupBareClientNonceAnswersWithServerNonce(t *testing.T) {
	c := NewConnection(JSONCodecForTest{}, NoopRecorder)
	require.NoError(t, c.crypt.GenKey())

	reply := c.applyCryptSetup(&wire.CryptSetup{ClientNonce: make([]byte, 16)})

	require.NotNil(t, reply)
	current := c.crypt.DecryptNonce()
	require.Equal(t, current[:], reply.ServerNonce)
	require.Zero(t, c.crypt.Stats.Resync, "a resync request alone must not count as a resync")
}

func TestHandleUDPPingEchoConfirmsUDPAndUpdatesRTT(t *testing.T) {
	c := NewConnection(JSONCodecForTest{}, NoopRecorder)
	require.NoError(t, c.crypt.GenKey())

	sentAt := time.Now().Add(-25 * time.Millisecond)
	c.lastUDPPingSent.Store(sentAt.UnixNano())

	payload := make([]byte, 9)
	payload[0] = udpPingHeader
	putUint64(payload[1:], uint64(sentAt.UnixNano()))

	c.handleUDPPing(payload)

	require.True(t, c.udpConfirmed.Load())
	stats := c.Stats()
	require.True(t, stats.UDPUsed)
	require.Greater(t, stats.RTT, time.Duration(0))
}

func TestHandleUDPPingEchoesForeignTimestampBack(t *testing.T) {
	c := NewConnection(JSONCodecForTest{}, NoopRecorder)
	require.NoError(t, c.crypt.GenKey())
	// Align the decrypt IV with the encrypt IV so the test can decrypt
	// the connection's own outbound datagram.
	enc := c.crypt.EncryptNonce()
	require.NoError(t, c.crypt.SetKey(nil, nil, enc[:]))

	udpA, udpB := pipeUDP(t)
	c.udp = udpA
	defer udpB.Close()

	ts := uint64(0x0123456789ABCDEF) // not a timestamp we sent
	payload := make([]byte, 9)
	payload[0] = udpPingHeader
	putUint64(payload[1:], ts)

	go c.handleUDPPing(payload)

	buf := make([]byte, 64)
	udpB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := udpB.Read(buf)
	require.NoError(t, err)

	plain, ok := c.crypt.Decrypt(buf[:n])
	require.True(t, ok)
	require.Equal(t, udpPingHeader, plain[0])
	require.Equal(t, ts, getUint64(plain[1:9]))
}

// TestCryptSetupThenUDPPingRoundTrip walks the whole keying + UDP ping
// exchange with literal key material: a CryptSetup installs the key and
// nonces, the client pings, a simulated server decrypts and echoes, and
// the echo both decrypts cleanly and flips UDP availability on.
func TestCryptSetupThenUDPPingRoundTrip(t *testing.T) {
	client := NewConnection(JSONCodecForTest{}, NoopRecorder)

	key := make([]byte, 16)
	clientNonce := make([]byte, 16)
	clientNonce[0] = 0x01
	serverNonce := make([]byte, 16)
	serverNonce[0] = 0x02

	reply := client.applyCryptSetup(&wire.CryptSetup{
		Key:         key,
		ClientNonce: clientNonce,
		ServerNonce: serverNonce,
	})
	require.Nil(t, reply)
	require.True(t, client.crypt.Valid())

	// The server's view mirrors the client's: it encrypts under the
	// server nonce and decrypts under the client nonce.
	server := ocb2.New()
	require.NoError(t, server.SetKey(key, serverNonce, clientNonce))

	ts := uint64(0x0123456789ABCDEF)
	client.lastUDPPingSent.Store(int64(ts))
	ping := make([]byte, 9)
	ping[0] = udpPingHeader
	putUint64(ping[1:], ts)

	datagram, err := client.crypt.Encrypt(ping)
	require.NoError(t, err)

	plain, ok := server.Decrypt(datagram)
	require.True(t, ok)
	require.Equal(t, ts, getUint64(plain[1:9]))

	echo, err := server.Encrypt(plain)
	require.NoError(t, err)

	client.handleVoiceDatagram(echo)
	require.True(t, client.udpAvailable())
	require.EqualValues(t, 1, client.crypt.Stats.Good)
}

func TestForceTCPDisablesUDP(t *testing.T) {
	c := NewConnection(JSONCodecForTest{}, NoopRecorder)
	require.NoError(t, c.crypt.GenKey())

	sentAt := time.Now()
	c.lastUDPPingSent.Store(sentAt.UnixNano())
	payload := make([]byte, 9)
	payload[0] = udpPingHeader
	putUint64(payload[1:], uint64(sentAt.UnixNano()))
	c.handleUDPPing(payload)
	require.True(t, c.udpAvailable())

	c.SetForceTCP(true)
	require.False(t, c.udpAvailable())
}

// pipeUDP returns a connected pair of loopback UDP sockets: writes on the
// first arrive as reads on the second.
func pipeUDP(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)

	dialer, err := net.DialUDP("udp", nil, listener.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	return dialer, listener
}

// JSONCodecForTest is a thin alias so this file doesn't need to import
// wire.JSONCodec under a stuttering name.
type JSONCodecForTest = wire.JSONCodec
