package client

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rustyguts/mumble/audio"
	"github.com/rustyguts/mumble/jitter"
	"github.com/rustyguts/mumble/model"
	"github.com/rustyguts/mumble/transport"
	"github.com/rustyguts/mumble/wire"
)

// ProtocolVersion is the packed 1.2.19 protocol version this client
// speaks: ((major & 0xFFFF) << 16) | ((minor & 0xFF) << 8) | (patch & 0xFF).
const ProtocolVersion uint64 = 1<<16 | 2<<8 | 19

// Release identifies this client implementation in the Version handshake.
const Release = "mumble (Go)"

// PackVersion packs a major/minor/patch triple into the wire's 32-bit
// version form.
func PackVersion(major, minor, patch uint32) uint64 {
	return uint64((major&0xFFFF)<<16 | (minor&0xFF)<<8 | patch&0xFF)
}

// ErrTrustFailure wraps transport.ErrTrustFailure so callers can errors.Is
// against either package.
var ErrTrustFailure = transport.ErrTrustFailure

// TrustError carries the server's certificate chain out of a failed Dial
// so the caller can inspect it, prompt the user, and retry with
// SetIgnoreVerification(true) + Reconnect.
type TrustError struct {
	Chain []*x509.Certificate
	cause error
}

func (e *TrustError) Error() string {
	return "client: server certificate not trusted: " + e.cause.Error()
}

func (e *TrustError) Unwrap() error { return e.cause }

// Client drives one server session: it dials the transport, performs the
// Version/Authenticate handshake, keeps the channel/user model applied in
// FIFO order on a dedicated goroutine, and runs the capture and playback
// pipelines. The model loop, the voice-send loop and, with a device, the
// capture and playback loops are supervised by one errgroup; the first to
// fail cancels the rest. The network reads run under transport.Connection's
// own errgroup, and a disconnect there cancels this one.
type Client struct {
	addr     string
	username string
	password string
	tokens   []string

	opts   Options
	codec  wire.Codec
	codecs audio.CodecFactory
	device audio.Device

	conn     *transport.Connection
	router   *transport.Router
	model    *model.Model
	pipeline *audio.Pipeline
	mixer    *audio.Mixer

	logger *slog.Logger
	connID uuid.UUID

	ignoreVerification atomic.Bool
	trustChain         atomic.Pointer[[]*x509.Certificate]

	ctrlCh chan inboundMsg

	onSynced     func(welcome string, session uint32)
	onDisconnect func(error)

	lastVoiceNanos atomic.Int64

	g      *errgroup.Group
	cancel context.CancelFunc
}

type inboundMsg struct {
	typ wire.MessageType
	msg any
}

// NewClient builds an undialled Client. device may be nil for a headless
// session: the model and text chat still work, but no audio flows.
func NewClient(addr, username, password string, opts Options, device audio.Device, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	connID := uuid.New()
	logger = logger.With("component", "client", "conn_id", connID.String())

	var codecs audio.CodecFactory = audio.OpusCodecFactory{}

	c := &Client{
		addr:     addr,
		username: username,
		password: password,
		opts:     opts,
		codec:    wire.JSONCodec{},
		codecs:   codecs,
		device:   device,
		logger:   logger,
		connID:   connID,
		model:    model.New(logger),
		router:   transport.NewRouter(),
		ctrlCh:   make(chan inboundMsg, 64),
	}
	c.ignoreVerification.Store(opts.IgnoreCertificateVerification)

	c.pipeline = audio.NewPipeline(opts.Audio, codecs, logger, nil)
	c.mixer = audio.NewMixer(opts.Audio, codecs, audio.SampleRate, logger, nil)
	c.mixer.SetSidetoneSource(c.pipeline.SidetoneOut)
	c.mixer.SetTalkStateFunc(func(session uint64, state audio.TalkState) {
		c.model.SetTalkState(uint32(session), model.TalkState(state))
	})

	c.registerHandlers()
	return c
}

// Model exposes the server replica for reads and observer subscription.
func (c *Client) Model() *model.Model { return c.model }

// Mixer exposes playback controls (volume, deafen, active speakers).
func (c *Client) Mixer() *audio.Mixer { return c.mixer }

// Pipeline exposes capture controls (mute, push-to-talk, input level).
func (c *Client) Pipeline() *audio.Pipeline { return c.pipeline }

// Stats reports current link quality, valid once Dial has succeeded.
func (c *Client) Stats() transport.Stats {
	if c.conn == nil {
		return transport.Stats{}
	}
	return c.conn.Stats()
}

// SetIgnoreVerification relaxes TLS verification on the next Dial or
// Reconnect. The certificate chain is still captured and surfaced; only
// the reject-on-untrusted-root step is skipped.
func (c *Client) SetIgnoreVerification(ignore bool) { c.ignoreVerification.Store(ignore) }

// SetAccessTokens installs the channel access tokens sent with the next
// Authenticate.
func (c *Client) SetAccessTokens(tokens []string) { c.tokens = tokens }

// TrustChain returns the certificate chain the server presented on the
// most recent handshake attempt, successful or not.
func (c *Client) TrustChain() []*x509.Certificate {
	if p := c.trustChain.Load(); p != nil {
		return *p
	}
	return nil
}

// OnSynced registers the callback fired once ServerSync lands and the
// session is fully joined.
func (c *Client) OnSynced(fn func(welcome string, session uint32)) { c.onSynced = fn }

// OnDisconnected registers the callback fired when the connection goes
// down; err is nil on a clean Disconnect and a *transport.RejectError when
// the server refused the handshake.
func (c *Client) OnDisconnected(fn func(error)) { c.onDisconnect = fn }

// registerHandlers builds the router table mapping control messages to
// model handlers. Ping and UDPTunnel never reach the router;
// transport.Connection consumes them. CryptSetup is applied by the
// transport and then forwarded too; no handler is registered for it.
func (c *Client) registerHandlers() {
	on := func(typ wire.MessageType, fn func(any)) { c.router.On(typ, fn) }

	on(wire.TypeServerSync, func(m any) {
		sync := m.(*wire.ServerSync)
		c.model.HandleServerSync(sync)
		if c.onSynced != nil {
			c.onSynced(sync.WelcomeText, sync.Session)
		}
	})
	on(wire.TypeUserState, func(m any) { c.model.HandleUserState(m.(*wire.UserState)) })
	on(wire.TypeUserRemove, func(m any) { c.model.HandleUserRemove(m.(*wire.UserRemove)) })
	on(wire.TypeChannelState, func(m any) { c.model.HandleChannelState(m.(*wire.ChannelState)) })
	on(wire.TypeChannelRemove, func(m any) { c.model.HandleChannelRemove(m.(*wire.ChannelRemove)) })
	on(wire.TypeTextMessage, func(m any) { c.model.HandleTextMessage(m.(*wire.TextMessage)) })
	on(wire.TypePermissionDenied, func(m any) { c.model.HandlePermissionDenied(m.(*wire.PermissionDenied)) })
	on(wire.TypeACL, func(m any) { c.model.HandleACL(m.(*wire.ACL)) })
	on(wire.TypePermissionQuery, func(m any) { c.model.HandlePermissionQuery(m.(*wire.PermissionQuery)) })
	on(wire.TypeCodecVersion, func(m any) {
		cv := m.(*wire.CodecVersion)
		c.applyCodecVersion(cv)
		c.model.HandleCodecVersion(cv)
	})
	on(wire.TypeContextAction, func(m any) { c.model.HandleContextAction(m.(*wire.ContextAction)) })

	c.router.OnUnhandled(func(m any) {
		c.logger.Debug("dropping unhandled control message", "type", fmt.Sprintf("%T", m))
	})
}

// applyCodecVersion logs the server's codec vote. It does not change the
// capture side: the pipeline keeps encoding with the configured codec
// whether or not the server enables Opus.
func (c *Client) applyCodecVersion(cv *wire.CodecVersion) {
	if cv.Opus {
		c.logger.Info("server enabled opus")
		return
	}
	c.logger.Warn("server voted for a non-opus codec; capture continues with configured codec",
		"alpha", cv.Alpha, "beta", cv.Beta, "prefer_alpha", cv.PreferAlpha)
}

// Dial connects, handshakes, and starts every task. It returns a
// *TrustError when certificate verification fails so the caller can
// inspect the chain and decide whether to SetIgnoreVerification and
// Reconnect.
func (c *Client) Dial(ctx context.Context) error {
	conn := transport.NewConnection(c.codec, nil)
	conn.SetForceTCP(c.opts.ForceTCP)
	c.conn = conn

	c.model.SetOutbound(func(msg any) {
		if err := conn.SendControl(context.Background(), msg); err != nil {
			c.logger.Warn("sending model-originated message failed", "err", err)
		}
	})

	var chain []*x509.Certificate
	tlsCfg := transport.NewTLSConfig(hostOf(c.addr), c.ignoreVerification.Load(),
		func(presented []*x509.Certificate, verifyErr error) {
			chain = presented
			c.trustChain.Store(&presented)
		})

	conn.OnMessage(func(typ wire.MessageType, msg any) {
		select {
		case c.ctrlCh <- inboundMsg{typ, msg}:
		default:
			// The model task has stalled; a blocked network read would be
			// worse than a lost state diff. Log loudly and drop.
			c.logger.Error("model task queue full, dropping control message", "type", typ.String())
		}
	})
	conn.OnVoice(c.handleVoice)
	conn.OnDisconnected(func(err error) {
		c.logger.Info("connection closed", "err", err)
		if c.cancel != nil {
			c.cancel()
		}
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	})

	if err := conn.Connect(ctx, c.addr, tlsCfg); err != nil {
		if errors.Is(err, transport.ErrTrustFailure) {
			return &TrustError{Chain: chain, cause: err}
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	c.g = g

	g.Go(func() error { return c.modelLoop(gctx) })
	g.Go(func() error { return c.voiceSendLoop(gctx) })

	if c.device != nil {
		if err := c.pipeline.Start(); err != nil {
			conn.Close()
			cancel()
			return err
		}
		g.Go(func() error { return c.captureLoop(gctx) })
		g.Go(func() error { return c.playbackLoop(gctx) })
	}

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		cancel()
		return err
	}

	c.logger.Info("connected", "addr", c.addr, "user", c.username)
	return nil
}

// Reconnect tears down any prior connection state and dials again,
// typically after SetIgnoreVerification(true) following a TrustError.
func (c *Client) Reconnect(ctx context.Context) error {
	c.Disconnect()
	c.ctrlCh = make(chan inboundMsg, 64)
	return c.Dial(ctx)
}

// Disconnect closes the transport and stops every task. Safe to call more
// than once.
func (c *Client) Disconnect() {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.g != nil {
		_ = c.g.Wait()
		c.g = nil
	}
}

func (c *Client) handshake(ctx context.Context) error {
	version := &wire.Version{
		Version:   ProtocolVersion,
		Release:   Release,
		OS:        runtime.GOOS,
		OSVersion: runtime.GOARCH,
	}
	if err := c.conn.SendControl(ctx, version); err != nil {
		return fmt.Errorf("client: send version: %w", err)
	}
	auth := &wire.Authenticate{
		Username: c.username,
		Password: c.password,
		Tokens:   c.tokens,
		Opus:     true,
	}
	if err := c.conn.SendControl(ctx, auth); err != nil {
		return fmt.Errorf("client: send authenticate: %w", err)
	}
	return nil
}

// modelLoop is the model task of the concurrency design: it applies every
// control message in arrival order on one goroutine, which is what makes
// observer dispatch FIFO and tear-free.
func (c *Client) modelLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-c.ctrlCh:
			c.router.Dispatch(in.typ, in.msg)
		}
	}
}

// handleVoice runs on the network task: depacketize, track inter-arrival
// jitter, bump presence, and queue for the mixer.
func (c *Client) handleVoice(packet []byte) {
	pkt, err := jitter.Decode(packet, true)
	if err != nil {
		c.logger.Debug("dropping malformed voice packet", "err", err)
		return
	}

	now := time.Now().UnixNano()
	if prev := c.lastVoiceNanos.Swap(now); prev != 0 {
		interarrival := time.Duration(now - prev)
		c.conn.ObserveVoiceJitter(interarrival - 10*time.Millisecond)
	}

	c.model.Touch(uint32(pkt.Session))
	c.mixer.Push(pkt.Session, pkt)
}

// voiceSendLoop forwards packetized capture frames to the transport,
// which picks UDP or the TCP tunnel per its own availability tracking.
func (c *Client) voiceSendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-c.pipeline.CaptureOut:
			payload := jitter.Encode(pkt, false)
			if err := c.conn.SendVoice(ctx, payload); err != nil {
				if errors.Is(err, transport.ErrNotConnected) {
					return err
				}
				c.logger.Debug("voice send failed", "err", err)
			}
		}
	}
}

// captureLoop owns the input device stream and feeds the pipeline one
// 10ms frame per read.
func (c *Client) captureLoop(ctx context.Context) error {
	buf := make([]float32, audio.FrameSize)
	stream, err := c.device.OpenInput(audio.SampleRate, audio.FrameSize, buf)
	if err != nil {
		return fmt.Errorf("client: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		return fmt.Errorf("client: start capture stream: %w", err)
	}
	defer stream.Close()
	defer stream.Stop()

	frame := make([]float32, audio.FrameSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := stream.Read(); err != nil {
			return fmt.Errorf("client: capture read: %w", err)
		}
		copy(frame, buf)
		c.pipeline.ProcessFrame(ctx, frame)
	}
}

// playbackLoop owns the output device stream: each iteration mixes one
// frame from every active speaker, hands it to the AEC as the far-end
// reference, and writes it to the device.
func (c *Client) playbackLoop(ctx context.Context) error {
	buf := make([]float32, audio.FrameSize)
	stream, err := c.device.OpenOutput(audio.SampleRate, audio.FrameSize, buf)
	if err != nil {
		return fmt.Errorf("client: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		return fmt.Errorf("client: start playback stream: %w", err)
	}
	defer stream.Close()
	defer stream.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.mixer.MixInto(buf)
		c.pipeline.FeedFarEnd(buf)
		if err := stream.Write(); err != nil {
			return fmt.Errorf("client: playback write: %w", err)
		}
	}
}

// SendTextMessage sends a chat message to one or more channels.
func (c *Client) SendTextMessage(ctx context.Context, message string, channels ...uint32) error {
	if c.conn == nil {
		return transport.ErrNotConnected
	}
	return c.conn.SendControl(ctx, &wire.TextMessage{Message: message, ChannelID: channels})
}

// JoinChannel asks the server to move us into channel id.
func (c *Client) JoinChannel(ctx context.Context, id uint32) error {
	if c.conn == nil {
		return transport.ErrNotConnected
	}
	return c.conn.SendControl(ctx, &wire.UserState{Session: c.model.Self(), ChannelID: &id})
}

// SetSelfMuteDeaf publishes our own mute/deafen state and applies it to
// the local pipelines.
func (c *Client) SetSelfMuteDeaf(ctx context.Context, mute, deaf bool) error {
	c.pipeline.SetMuted(mute || deaf)
	c.mixer.SetDeafened(deaf)
	if c.conn == nil {
		return transport.ErrNotConnected
	}
	return c.conn.SendControl(ctx, &wire.UserState{
		Session:  c.model.Self(),
		SelfMute: &mute,
		SelfDeaf: &deaf,
	})
}

// hostOf strips the port from a host:port address for TLS server-name
// verification; an address with no port passes through unchanged.
func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
		if addr[i] < '0' || addr[i] > '9' {
			break
		}
	}
	return addr
}
