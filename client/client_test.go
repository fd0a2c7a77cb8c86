package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rustyguts/mumble/transport"
	"github.com/rustyguts/mumble/wire"
)

func selfSignedCert(t *testing.T, commonName string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{commonName},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// fakeServer accepts connections and performs the server half of the
// Version/Authenticate/ServerSync handshake for each one.
func fakeServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				codec := wire.JSONCodec{}

				for {
					typ, msg, err := wire.ReadFrame(conn, codec)
					if err != nil {
						return
					}
					switch typ {
					case wire.TypeVersion:
						_ = wire.WriteFrame(conn, codec, &wire.Version{Version: ProtocolVersion})
					case wire.TypeAuthenticate:
						auth := msg.(*wire.Authenticate)
						if auth.Username == "" {
							_ = wire.WriteFrame(conn, codec, &wire.Reject{Type: wire.RejectInvalidUsername})
							return
						}
						root := "Root"
						name := auth.Username
						_ = wire.WriteFrame(conn, codec, &wire.ChannelState{ChannelID: 0, Name: &root})
						_ = wire.WriteFrame(conn, codec, &wire.CryptSetup{
							Key:         make([]byte, 16),
							ClientNonce: make([]byte, 16),
							ServerNonce: make([]byte, 16),
						})
						_ = wire.WriteFrame(conn, codec, &wire.UserState{Session: 1, Name: &name})
						_ = wire.WriteFrame(conn, codec, &wire.ServerSync{Session: 1, WelcomeText: "welcome"})
					}
				}
			}(conn)
		}
	}()
}

func TestDialTrustFailureThenReconnect(t *testing.T) {
	cert := selfSignedCert(t, "localhost")
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	defer ln.Close()
	fakeServer(t, ln)

	// The listener binds an IP, but certificate verification needs the DNS
	// name the cert carries.
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	addr := net.JoinHostPort("localhost", port)

	c := NewClient(addr, "alice", "", Default(), nil, slog.New(slog.DiscardHandler))

	synced := make(chan uint32, 1)
	c.OnSynced(func(_ string, session uint32) { synced <- session })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = c.Dial(ctx)
	require.Error(t, err, "a self-signed certificate must fail verification")

	var trust *TrustError
	require.True(t, errors.As(err, &trust))
	require.True(t, errors.Is(err, ErrTrustFailure))
	require.NotEmpty(t, trust.Chain)
	require.Equal(t, "localhost", trust.Chain[0].Subject.CommonName)

	c.SetIgnoreVerification(true)
	require.NoError(t, c.Reconnect(ctx))
	defer c.Disconnect()

	select {
	case session := <-synced:
		require.EqualValues(t, 1, session)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ServerSync")
	}

	u, ok := c.Model().User(1)
	require.True(t, ok)
	require.Equal(t, "alice", u.Name)
	require.EqualValues(t, 1, c.Model().Self())
}

func TestDialRejectSurfacesTypedError(t *testing.T) {
	cert := selfSignedCert(t, "localhost")
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	defer ln.Close()
	fakeServer(t, ln)

	c := NewClient(ln.Addr().String(), "", "", Default(), nil, slog.New(slog.DiscardHandler))
	c.SetIgnoreVerification(true)

	closed := make(chan error, 1)
	c.OnDisconnected(func(err error) { closed <- err })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Dial(ctx))
	defer c.Disconnect()

	select {
	case err := <-closed:
		require.Error(t, err)
		var reject *transport.RejectError
		require.ErrorAs(t, err, &reject)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reject-driven close")
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Default()
	require.Equal(t, "mumble-user", opts.Username)
	require.Equal(t, -1, opts.InputDeviceID)
	require.NotZero(t, opts.Audio.AudioPerPacket)
	require.NotEmpty(t, opts.Servers)
}
