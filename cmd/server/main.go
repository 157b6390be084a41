package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/halilibrahimtanac/twish-signal/internal/config"
	"github.com/halilibrahimtanac/twish-signal/internal/directory"
	"github.com/halilibrahimtanac/twish-signal/internal/otelutil"
	"github.com/halilibrahimtanac/twish-signal/internal/relay"
	"github.com/halilibrahimtanac/twish-signal/internal/state"
)

// Server bundles the signaling service: registry, session table, relay and
// the gin router that fronts them.
type Server struct {
	cfg      *config.Config
	router   *gin.Engine
	registry *state.Registry
	sessions *state.SessionTable
	relay    *relay.Relay
	log      zerolog.Logger
}

func NewServer(cfg *config.Config) *Server {
	logger := log.With().Str("component", "server").Logger()

	registry := state.NewRegistry()
	sessions := state.NewSessionTable()

	var dir directory.Directory
	if cfg.DirectoryURL != "" {
		dir = directory.NewHTTPDirectory(cfg.DirectoryURL)
	} else {
		dir = directory.NewStaticDirectory()
	}

	if cfg.PingInterval > 0 {
		PingInterval = cfg.PingInterval
	}
	if cfg.PongTimeout > 0 {
		PongTimeout = cfg.PongTimeout
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		relay:    relay.New(registry, sessions, dir, log.With().Str("component", "relay").Logger()),
		log:      logger,
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *gin.Engine {
	if s.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cidMiddleware())
	r.Use(otelMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "twish-signal",
		})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.relay.Stats())
	})

	r.GET("/api/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": s.relay.Online()})
	})

	r.GET("/api/online/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"id":     c.Param("id"),
			"online": s.relay.IsOnline(c.Param("id")),
		})
	})

	r.GET("/api/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"busy_notice_ttl_ms": s.cfg.BusyNoticeTTL.Milliseconds(),
		})
	})

	r.GET("/ws", s.handleWebSocket)
	return r
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := otelutil.Init(); err != nil {
		log.Debug().Err(err).Msg("tracing disabled")
	}
	defer otelutil.Flush()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	s := NewServer(cfg)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: s.router,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("forced shutdown")
		}
	}()

	log.Info().Str("addr", cfg.Addr).Msg("twish-signal server started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}
