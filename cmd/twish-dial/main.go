package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/halilibrahimtanac/twish-signal/internal/otelutil"
	"github.com/halilibrahimtanac/twish-signal/pkg/client"
	"github.com/halilibrahimtanac/twish-signal/pkg/protocol"
)

type dialHandler struct {
	client.DefaultEventHandler
	calls      *client.CallController
	autoAccept bool
	done       chan struct{}
}

func (h *dialHandler) OnIncomingCall(from string, profile *protocol.Profile) {
	name := from
	if profile != nil && profile.Name != "" {
		name = profile.Name
	}
	log.Info().Str("from", from).Str("name", name).Msg("incoming call")
	if h.autoAccept {
		if err := h.calls.Accept(context.Background()); err != nil {
			log.Error().Err(err).Msg("accept failed")
		}
		return
	}
	log.Info().Msg("not auto-accepting; rejecting")
	if err := h.calls.Reject(context.Background()); err != nil {
		log.Error().Err(err).Msg("reject failed")
	}
}

func (h *dialHandler) OnCallAccepted() {
	log.Info().Msg("call connected")
}

func (h *dialHandler) OnCallEnded(reason string) {
	log.Info().Str("reason", reason).Msg("call ended")
	h.finish()
}

func (h *dialHandler) OnCallRejected() {
	log.Info().Msg("call rejected by peer")
	h.finish()
}

func (h *dialHandler) OnCallCancelled() {
	log.Info().Msg("call cancelled by peer")
	h.finish()
}

func (h *dialHandler) OnUserBusy() {
	log.Warn().Msg("peer is busy")
	h.finish()
}

func (h *dialHandler) OnUserOffline(target string) {
	log.Warn().Str("target", target).Msg("peer is offline")
	h.finish()
}

func (h *dialHandler) OnLocalError(err error) {
	log.Error().Err(err).Msg("call failed locally")
	h.finish()
}

func (h *dialHandler) finish() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func main() {
	var (
		serverURL  = flag.String("server", "ws://localhost:8080/ws", "Signaling server WebSocket URL")
		identity   = flag.String("identity", "", "Identity to register as (required)")
		target     = flag.String("call", "", "Identity to call; omit to wait for calls")
		autoAccept = flag.Bool("auto-accept", false, "Accept incoming calls automatically")
		maxWait    = flag.Duration("max-wait", 0, "Give up after this duration (0 = wait forever)")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if *identity == "" {
		fmt.Fprintln(os.Stderr, "twish-dial: -identity is required")
		flag.Usage()
		os.Exit(1)
	}

	if err := otelutil.Init(); err != nil {
		log.Debug().Err(err).Msg("tracing disabled")
	}
	defer otelutil.Flush()

	c := client.NewClient(client.ClientConfig{
		ServerURL: *serverURL,
		Identity:  *identity,
		UserAgent: "twish-dial/1.0",
	}, client.NoMedia{}, nil)

	handler := &dialHandler{
		calls:      c.Calls(),
		autoAccept: *autoAccept,
		done:       make(chan struct{}),
	}
	c.SetEventHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer c.Disconnect()

	listenErr := make(chan error, 1)
	go func() { listenErr <- c.ListenForMessages(ctx) }()

	if *target != "" {
		online, err := c.CheckUserOnline(ctx, *target)
		if err != nil {
			log.Fatal().Err(err).Str("target", *target).Msg("presence check failed")
		}
		if !online {
			log.Warn().Str("target", *target).Msg("target is offline")
			os.Exit(1)
		}
		if err := c.Calls().Call(ctx, *target); err != nil {
			log.Fatal().Err(err).Msg("failed to start call")
		}
		log.Info().Str("target", *target).Msg("calling")
	} else {
		log.Info().Str("identity", *identity).Msg("waiting for calls")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var timeout <-chan time.Time
	if *maxWait > 0 {
		timeout = time.After(*maxWait)
	}

	select {
	case <-sig:
		log.Info().Msg("interrupted; hanging up")
		if err := c.Calls().End(ctx); err != nil && err != client.ErrNoActiveCall {
			log.Debug().Err(err).Msg("hang up")
		}
	case <-handler.done:
	case <-timeout:
		log.Warn().Msg("max wait reached; hanging up")
		_ = c.Calls().End(ctx)
	case err := <-listenErr:
		log.Error().Err(err).Msg("connection lost")
		os.Exit(1)
	}
}
