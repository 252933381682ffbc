// Command relay runs the Cloud Relay: a WebSocket fan-out service that
// authenticates PWA and Sidecar clients, routes envelopes between
// them, and sweeps idle connections.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/liveness"
	"github.com/oppiedev/meshrelay/internal/registry"
	"github.com/oppiedev/meshrelay/internal/relayapi"
	"github.com/oppiedev/meshrelay/internal/router"
	"github.com/oppiedev/meshrelay/internal/tokenissuer"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// envMinutes parses k as a minute count and returns it as a duration,
// falling back to def (itself a duration) when unset or invalid.
func envMinutes(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", k).Str("value", v).Msg("invalid integer env var, using default")
		return def
	}
	return time.Duration(n) * time.Minute
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "cloud-relay").Logger()

	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	jwtSecret := env("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}
	jwtIssuer := env("JWT_ISSUER", "cloud-relay")
	jwtAudience := env("JWT_AUDIENCE", "meshrelay-clients")
	if alg := env("JWT_ALGORITHM", "HS256"); alg != "HS256" {
		log.Fatal().Str("algorithm", alg).Msg("only HS256 is supported")
	}

	tokenCfg := tokenissuer.DefaultConfig(jwtSecret, jwtIssuer, jwtAudience)
	tokenCfg.AccessTTL = envMinutes("JWT_ACCESS_TOKEN_EXPIRE_MINUTES", tokenCfg.AccessTTL)
	tokenCfg.RefreshTTL = envMinutes("JWT_REFRESH_TOKEN_EXPIRE_MINUTES", tokenCfg.RefreshTTL)
	issuer := tokenissuer.New(tokenCfg)

	reg := registry.New()
	rtr := router.New(reg)

	scheme := "ws"
	if env("USE_HTTPS", "") != "" {
		scheme = "wss"
	}
	relayHost := env("RELAY_HOST", env("HOST", "localhost")+":"+env("PORT", "8080"))
	wsPublicURL := scheme + "://" + relayHost + "/ws"
	version := env("RELAY_VERSION", "dev")

	srv := relayapi.NewServer(issuer, reg, rtr, wsPublicURL, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go rtr.Run(ctx)

	monitor := liveness.New(reg, liveness.DefaultConfig())
	go monitor.Run(ctx)

	httpAddr := env("HOST", "") + ":" + env("PORT", "8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting cloud relay HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("cloud relay stopped")
}
