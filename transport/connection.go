// Package transport owns the two network paths to a Mumble server: the
// TLS control channel (version/auth handshake, channel and user state,
// text chat, ping/RTT) and the opportunistic UDP voice channel with a
// TCP-tunnel fallback. It also runs the OCB2 crypt state and classifies
// link quality for callers.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rustyguts/mumble/ocb2"
	"github.com/rustyguts/mumble/wire"
)

const (
	dialTimeout    = 10 * time.Second
	pingInterval   = 5 * time.Second
	pongTimeout    = 20 * time.Second
	rttAlpha       = 0.125 // RFC 6298-style EWMA
	jitterAlpha    = 1.0 / 16.0
	controlBurst   = 20
	controlPerSec  = 40
)

// ErrNotConnected is returned by send methods before Connect succeeds or
// after the connection has closed.
var ErrNotConnected = errors.New("transport: not connected")

// ErrPongTimeout is delivered to OnDisconnected when the server stops
// answering control-channel pings.
var ErrPongTimeout = errors.New("transport: server stopped responding to ping")

// Stats is a point-in-time snapshot of connection quality.
type Stats struct {
	RTT     time.Duration
	Jitter  time.Duration
	UDPUsed bool
	ocb2.Stats
	Quality QualityLevel
}

// Connection is one TLS control channel plus its optional UDP voice
// socket. The zero value is not usable; construct with NewConnection.
//
// Concurrency model: one errgroup supervises the control-read loop, the
// ping loop, and (when UDP is active) the UDP-read loop, all sharing a
// single cancelable context. The first loop to fail tears the whole
// connection down.
type Connection struct {
	codec wire.Codec

	ctrlMu sync.Mutex
	ctrl   net.Conn
	w      *bufio.Writer

	udpMu   sync.Mutex
	udp     *net.UDPConn
	udpAddr *net.UDPAddr

	// cryptMu serializes every touch of crypt: encrypt runs on the voice
	// send path, decrypt on the UDP/control read paths, and rekeying on
	// the control read path. Never contended at audio rate.
	cryptMu sync.Mutex
	crypt   *ocb2.CryptState

	limiter *rate.Limiter

	recorder Recorder

	smoothedRTTBits    atomic.Uint64
	smoothedJitterBits atomic.Uint64
	lastPingSent       atomic.Int64
	lastPongRecv       atomic.Int64
	lastVoiceArrival   atomic.Int64
	lastUDPPingSent    atomic.Int64
	lastUDPPong        atomic.Int64
	udpConfirmed       atomic.Bool
	forceTCP           atomic.Bool

	onMessage    func(typ wire.MessageType, msg any)
	onVoice      func(packet []byte)
	onDisconnect func(error)

	cancel context.CancelFunc
	closed atomic.Bool
	state  atomic.Int32
}

// NewConnection builds an unconnected Connection using codec for control
// frames and the given Recorder (pass NoopRecorder if you don't want
// metrics).
func NewConnection(codec wire.Codec, recorder Recorder) *Connection {
	if recorder == nil {
		recorder = NoopRecorder
	}
	return &Connection{
		codec:    codec,
		crypt:    ocb2.New(),
		limiter:  rate.NewLimiter(rate.Limit(controlPerSec), controlBurst),
		recorder: recorder,
	}
}

// OnMessage registers the callback invoked for every decoded control
// frame except Ping (handled internally for RTT) and UDPTunnel (handled
// internally as a voice-packet fallback path).
func (c *Connection) OnMessage(fn func(typ wire.MessageType, msg any)) { c.onMessage = fn }

// OnVoice registers the callback invoked for every decrypted voice
// packet, whether it arrived over UDP or the TCP tunnel fallback.
func (c *Connection) OnVoice(fn func(packet []byte)) { c.onVoice = fn }

// OnDisconnected registers the callback invoked once, with the triggering
// error (nil on a clean Close), when the connection goes down.
func (c *Connection) OnDisconnected(fn func(error)) { c.onDisconnect = fn }

// Connect dials the TLS control channel, starts the read and ping loops,
// and attempts to resolve a UDP voice socket at the same host:port. UDP
// failures are not fatal; SendVoice falls back to the TCP tunnel until a
// UDP pong confirms the path.
func (c *Connection) Connect(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	c.setState(StateConnecting)

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	c.ctrlMu.Lock()
	c.ctrl = conn
	c.w = bufio.NewWriter(conn)
	c.ctrlMu.Unlock()

	if udpConn, udpAddr, err := dialUDP(addr); err == nil {
		c.udpMu.Lock()
		c.udp = udpConn
		c.udpAddr = udpAddr
		c.udpMu.Unlock()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.setState(StateOpened)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.readControlLoop(gctx) })
	g.Go(func() error { return c.pingLoop(gctx) })
	if c.hasUDP() {
		g.Go(func() error { return c.readUDPLoop(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		c.ctrlMu.Lock()
		c.ctrl.Close()
		c.ctrlMu.Unlock()
		c.udpMu.Lock()
		if c.udp != nil {
			c.udp.Close()
		}
		c.udpMu.Unlock()
		return nil
	})

	go func() {
		err := g.Wait()
		if c.closed.Swap(true) {
			err = nil // Close ran first: a clean shutdown
		}
		c.setState(StateClosed)
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	}()

	return nil
}

func dialUDP(addr string) (*net.UDPConn, *net.UDPAddr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, nil, err
	}
	return conn, udpAddr, nil
}

func (c *Connection) hasUDP() bool {
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	return c.udp != nil
}

// Close tears down both the control and UDP sockets and stops the
// supervised goroutines.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.setState(StateDisconnecting)
	if c.cancel != nil {
		c.cancel()
	}
	c.ctrlMu.Lock()
	var err error
	if c.ctrl != nil {
		err = c.ctrl.Close()
	}
	c.ctrlMu.Unlock()

	c.udpMu.Lock()
	if c.udp != nil {
		c.udp.Close()
	}
	c.udpMu.Unlock()
	return err
}

// CryptState exposes the OCB2 channel so callers (the client package) can
// install key material from a received CryptSetup message.
func (c *Connection) CryptState() *ocb2.CryptState { return c.crypt }

// SetForceTCP disables the UDP voice path unconditionally; all voice
// tunnels through UDPTunnel control frames until unset.
func (c *Connection) SetForceTCP(force bool) { c.forceTCP.Store(force) }

// udpAvailable reports whether voice may use UDP right now: never under
// forceTCP, and only while a UDP pong has been seen within the last two
// ping intervals.
func (c *Connection) udpAvailable() bool {
	if c.forceTCP.Load() || !c.udpConfirmed.Load() {
		return false
	}
	last := c.lastUDPPong.Load()
	return last != 0 && time.Since(time.Unix(0, last)) <= 2*pingInterval
}

// SendControl rate-limits and writes one control frame.
func (c *Connection) SendControl(ctx context.Context, msg any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	if c.ctrl == nil {
		return ErrNotConnected
	}
	if err := wire.WriteFrame(c.w, c.codec, msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// SendVoice encrypts and sends one voice packet, preferring the UDP path
// once it has been confirmed by a ping round trip, and falling back to a
// UDPTunnel control frame otherwise (or always, if UDP never resolved).
func (c *Connection) SendVoice(ctx context.Context, packet []byte) error {
	c.cryptMu.Lock()
	datagram, err := c.crypt.Encrypt(packet)
	c.cryptMu.Unlock()
	if err != nil {
		return fmt.Errorf("transport: encrypt voice packet: %w", err)
	}

	if c.udpAvailable() {
		c.udpMu.Lock()
		udp := c.udp
		c.udpMu.Unlock()
		if udp != nil {
			if _, err := udp.Write(datagram); err == nil {
				return nil
			}
			// fall through to the TCP tunnel on a transient UDP write error
		}
	}
	return c.SendControl(ctx, &wire.UDPTunnel{Packet: datagram})
}

func (c *Connection) handleVoiceDatagram(datagram []byte) {
	c.cryptMu.Lock()
	plain, ok := c.crypt.Decrypt(datagram)
	c.cryptMu.Unlock()
	if !ok {
		return
	}
	c.lastVoiceArrival.Store(time.Now().UnixNano())

	if len(plain) >= 9 && plain[0] == udpPingHeader {
		c.handleUDPPing(plain)
		return
	}
	if c.onVoice != nil {
		c.onVoice(plain)
	}
}

func (c *Connection) readUDPLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		c.udpMu.Lock()
		udp := c.udp
		c.udpMu.Unlock()
		if udp == nil {
			return nil
		}
		udp.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := udp.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil // UDP path degraded; TCP tunnel fallback keeps working
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		c.handleVoiceDatagram(pkt)
	}
}

// udpPingHeader is the voice-packet header byte of a UDP ping: message
// type Ping (1) in the top 3 bits, target 0. The 8 bytes that follow are
// a big-endian timestamp the peer echoes back verbatim.
const udpPingHeader byte = 0x20

func (c *Connection) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	c.lastPongRecv.Store(time.Now().UnixNano())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			if now.Sub(time.Unix(0, c.lastPongRecv.Load())) > pongTimeout {
				return ErrPongTimeout
			}

			c.lastPingSent.Store(now.UnixNano())
			c.cryptMu.Lock()
			stats := c.crypt.Stats
			c.cryptMu.Unlock()
			rtt := math.Float64frombits(c.smoothedRTTBits.Load())
			jit := math.Float64frombits(c.smoothedJitterBits.Load())
			_ = c.SendControl(ctx, &wire.Ping{
				Timestamp:  uint64(now.UnixNano()),
				Good:       stats.Good,
				Late:       stats.Late,
				Lost:       stats.Lost,
				Resync:     stats.Resync,
				UDPPingAvg: float32(rtt * 1000),
				UDPPingVar: float32(jit * 1000),
			})

			if c.hasUDP() && !c.forceTCP.Load() {
				c.sendUDPPing(now)
			}
		}
	}
}

func (c *Connection) sendUDPPing(now time.Time) {
	payload := make([]byte, 9)
	payload[0] = udpPingHeader
	putUint64(payload[1:], uint64(now.UnixNano()))
	c.lastUDPPingSent.Store(now.UnixNano())

	c.writeUDPEncrypted(payload)
}

// handleUDPPing processes an inbound ping-typed voice packet. A timestamp
// matching our own outstanding ping is the server's echo (UDP confirmed,
// RTT sample); anything else is a peer-initiated ping we echo back
// verbatim.
func (c *Connection) handleUDPPing(payload []byte) {
	ts := getUint64(payload[1:9])
	if int64(ts) == c.lastUDPPingSent.Load() {
		c.udpConfirmed.Store(true)
		c.lastUDPPong.Store(time.Now().UnixNano())
		c.updateRTT(time.Duration(time.Now().UnixNano() - int64(ts)))
		return
	}
	c.writeUDPEncrypted(payload)
}

func (c *Connection) writeUDPEncrypted(payload []byte) {
	c.cryptMu.Lock()
	datagram, err := c.crypt.Encrypt(payload)
	c.cryptMu.Unlock()
	if err != nil {
		return
	}
	c.udpMu.Lock()
	udp := c.udp
	c.udpMu.Unlock()
	if udp != nil {
		udp.Write(datagram)
	}
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (c *Connection) updateRTT(sample time.Duration) {
	prev := math.Float64frombits(c.smoothedRTTBits.Load())
	var next float64
	if prev == 0 {
		next = sample.Seconds()
	} else {
		next = prev + rttAlpha*(sample.Seconds()-prev)
	}
	c.smoothedRTTBits.Store(math.Float64bits(next))
	c.recorder.ObserveRTT(sample)
}

// ObserveVoiceJitter lets the client feed the measured inter-arrival
// deviation of incoming voice packets back into the connection's smoothed
// stats and Recorder.
func (c *Connection) ObserveVoiceJitter(sample time.Duration) { c.updateJitter(sample) }

func (c *Connection) updateJitter(sample time.Duration) {
	prev := math.Float64frombits(c.smoothedJitterBits.Load())
	next := prev + jitterAlpha*(math.Abs(sample.Seconds())-prev)
	c.smoothedJitterBits.Store(math.Float64bits(next))
	c.recorder.ObserveJitter(sample)
}

func (c *Connection) readControlLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.ctrlMu.Lock()
		ctrl := c.ctrl
		c.ctrlMu.Unlock()
		if ctrl == nil {
			return ErrNotConnected
		}

		typ, msg, err := wire.ReadFrame(ctrl, c.codec)
		if err != nil {
			return err
		}

		switch typ {
		case wire.TypePing:
			c.lastPongRecv.Store(time.Now().UnixNano())
			if ping, ok := msg.(*wire.Ping); ok {
				sent := time.Unix(0, c.lastPingSent.Load())
				if int64(ping.Timestamp) == sent.UnixNano() {
					c.updateRTT(time.Since(sent))
				}
				c.cryptMu.Lock()
				c.crypt.Stats.RemoteGood = ping.Good
				c.crypt.Stats.RemoteLate = ping.Late
				c.crypt.Stats.RemoteLost = ping.Lost
				c.crypt.Stats.RemoteResync = ping.Resync
				c.cryptMu.Unlock()
			}
		case wire.TypeUDPTunnel:
			if tunnel, ok := msg.(*wire.UDPTunnel); ok {
				c.handleVoiceDatagram(tunnel.Packet)
			}
		case wire.TypeCryptSetup:
			if setup, ok := msg.(*wire.CryptSetup); ok {
				if reply := c.applyCryptSetup(setup); reply != nil {
					_ = c.SendControl(ctx, reply)
				}
			}
			if c.onMessage != nil {
				c.onMessage(typ, msg)
			}
		case wire.TypeServerSync:
			c.setState(StateAuthenticated)
			if c.onMessage != nil {
				c.onMessage(typ, msg)
			}
		case wire.TypeReject:
			if c.onMessage != nil {
				c.onMessage(typ, msg)
			}
			if reject, ok := msg.(*wire.Reject); ok {
				return &RejectError{Reason: reject.Type, Explanation: reject.Reason}
			}
			return &RejectError{}
		default:
			if c.onMessage != nil {
				c.onMessage(typ, msg)
			}
		}
	}
}

// applyCryptSetup installs whatever key material the message carries.
// Absent fields preserve current values. A bare client_nonce is the
// server requesting a resync; the returned reply (carrying our current
// server nonce) must be sent back on the control channel.
func (c *Connection) applyCryptSetup(setup *wire.CryptSetup) *wire.CryptSetup {
	c.cryptMu.Lock()
	defer c.cryptMu.Unlock()
	switch {
	case len(setup.Key) > 0:
		c.crypt.SetKey(setup.Key, setup.ClientNonce, setup.ServerNonce)
	case len(setup.ServerNonce) > 0:
		c.crypt.SetDecryptIV(setup.ServerNonce)
		c.crypt.Stats.Resync++
		c.recorder.IncResync()
	case len(setup.ClientNonce) > 0:
		nonce := c.crypt.DecryptNonce()
		return &wire.CryptSetup{ServerNonce: nonce[:]}
	}
	return nil
}

// Stats returns a snapshot of current link quality.
func (c *Connection) Stats() Stats {
	rtt := time.Duration(math.Float64frombits(c.smoothedRTTBits.Load()) * float64(time.Second))
	jitter := time.Duration(math.Float64frombits(c.smoothedJitterBits.Load()) * float64(time.Second))

	c.cryptMu.Lock()
	crypt := c.crypt.Stats
	c.cryptMu.Unlock()

	total := crypt.Good + crypt.Lost
	var lossRatio float64
	if total > 0 {
		lossRatio = float64(crypt.Lost) / float64(total)
	}

	return Stats{
		RTT:     rtt,
		Jitter:  jitter,
		UDPUsed: c.udpAvailable(),
		Stats:   crypt,
		Quality: classifyQuality(lossRatio, rtt, jitter),
	}
}
