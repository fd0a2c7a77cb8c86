// Command mumble-demo joins a Mumble server from the terminal: it dials,
// authenticates, prints channel/user/chat events as they arrive, and (when
// audio devices are available) runs the full voice pipeline. It exists to
// exercise the library end to end, not to be a usable client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"

	"github.com/rustyguts/mumble/audio"
	"github.com/rustyguts/mumble/client"
	"github.com/rustyguts/mumble/model"
	"github.com/rustyguts/mumble/wire"
)

func main() {
	server := pflag.StringP("server", "s", "", "server address (host:port)")
	username := pflag.StringP("username", "u", "", "username to authenticate as")
	password := pflag.StringP("password", "p", "", "server password, if any")
	insecure := pflag.Bool("insecure", false, "skip TLS certificate verification")
	noAudio := pflag.Bool("no-audio", false, "text-only session, no audio devices")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           charmlog.InfoLevel,
	})
	if *verbose {
		handler.SetLevel(charmlog.DebugLevel)
	}
	logger := slog.New(handler)

	if err := run(*server, *username, *password, *insecure, *noAudio, logger); err != nil {
		handler.Fatal(err)
	}
}

func run(server, username, password string, insecure, noAudio bool, logger *slog.Logger) error {
	opts := client.Load()
	if server == "" && len(opts.Servers) > 0 {
		server = opts.Servers[0].Addr
	}
	if server == "" {
		return errors.New("no server given: pass --server host:port")
	}
	if username == "" {
		username = opts.Username
	}
	opts.IgnoreCertificateVerification = insecure

	var device audio.Device
	if !noAudio {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("initialize portaudio: %w", err)
		}
		defer portaudio.Terminate()
		device = &audio.PortAudioDevice{
			InputDeviceID:  opts.InputDeviceID,
			OutputDeviceID: opts.OutputDeviceID,
		}
	}

	c := client.NewClient(server, username, password, opts, device, logger)
	c.Model().Subscribe(&printer{logger: logger})

	synced := make(chan struct{})
	c.OnSynced(func(welcome string, session uint32) {
		logger.Info("joined server", "session", session)
		if welcome != "" {
			fmt.Println(welcome)
		}
		close(synced)
	})

	closed := make(chan error, 1)
	c.OnDisconnected(func(err error) {
		select {
		case closed <- err:
		default:
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := c.Dial(ctx)
	var trust *client.TrustError
	if errors.As(err, &trust) {
		for _, cert := range trust.Chain {
			logger.Warn("untrusted certificate", "subject", cert.Subject.CommonName, "issuer", cert.Issuer.CommonName)
		}
		if !insecure {
			return fmt.Errorf("server certificate not trusted; re-run with --insecure to accept: %w", err)
		}
		c.SetIgnoreVerification(true)
		err = c.Reconnect(ctx)
	}
	if err != nil {
		return err
	}
	defer c.Disconnect()

	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case err := <-closed:
			if err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			return nil
		case <-statsTicker.C:
			s := c.Stats()
			logger.Info("link stats",
				"rtt", s.RTT.Round(time.Millisecond),
				"jitter", s.Jitter.Round(time.Millisecond),
				"udp", s.UDPUsed,
				"good", s.Good, "late", s.Late, "lost", s.Lost,
				"quality", s.Quality.String())
		}
	}
}

// printer logs the interesting subset of model events to the console.
type printer struct {
	model.NopObserver
	logger *slog.Logger
}

func (p *printer) ChannelAdded(ch *model.Channel) {
	p.logger.Info("channel added", "id", ch.ID, "name", ch.Name)
}

func (p *printer) ChannelRemoved(id model.ChannelID) {
	p.logger.Info("channel removed", "id", id)
}

func (p *printer) UserJoined(u *model.User) {
	p.logger.Info("user joined", "session", u.Session, "name", u.Name)
}

func (p *printer) UserLeft(session, actor model.Session, reason string, kicked, banned bool) {
	switch {
	case banned:
		p.logger.Info("user banned", "session", session, "by", actor, "reason", reason)
	case kicked:
		p.logger.Info("user kicked", "session", session, "by", actor, "reason", reason)
	default:
		p.logger.Info("user disconnected", "session", session)
	}
}

func (p *printer) UserMoved(u *model.User, from, to model.ChannelID, by model.Session) {
	p.logger.Info("user moved", "name", u.Name, "from", from, "to", to)
}

func (p *printer) TalkStateChanged(u *model.User, old model.TalkState) {
	p.logger.Debug("talk state", "name", u.Name, "state", u.Talk.String())
}

func (p *printer) TextMessageReceived(from *model.User, msg *wire.TextMessage) {
	sender := "server"
	if from != nil {
		sender = from.Name
	}
	fmt.Printf("<%s> %s\n", sender, msg.Message)
}

func (p *printer) PermissionDenied(typ wire.PermissionDeniedType, ch model.ChannelID, sess model.Session, reason, name string) {
	p.logger.Warn("permission denied", "kind", int(typ), "channel", ch, "reason", reason)
}
