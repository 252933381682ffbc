// Command sidecar runs one Mesh Adapter node: a peer participating in
// counter-CRDT gossip, config replication, and adaptive pacing with
// the rest of the mesh.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/mesh"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt64(k string, def int64) int64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn().Str("key", k).Str("value", v).Msg("invalid integer env var, using default")
		return def
	}
	return n
}

func envPeers(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	nodeID := env("MESH_NODE_ID", "")
	if nodeID == "" {
		log.Fatal().Msg("MESH_NODE_ID is required")
	}
	log.Logger = log.With().Str("service", "mesh-adapter").Str("node_id", nodeID).Logger()

	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfg := mesh.DefaultConfig(nodeID)
	cfg.CallQuota = envInt64("MESH_CALL_LIMIT", 0)

	adapter := mesh.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddr := env("MESH_LISTEN_ADDR", ":7070")
	mux := http.NewServeMux()
	mux.HandleFunc("/mesh/peer", adapter.Transport.AcceptHandler(ctx))

	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", listenAddr).Msg("starting mesh peer listener")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("mesh peer listener failed")
		}
	}()

	for _, peerAddr := range envPeers("MESH_PEERS") {
		peerAddr := peerAddr
		go func() {
			if _, err := adapter.Transport.Dial(ctx, peerAddr); err != nil {
				log.Warn().Err(err).Str("peer", peerAddr).Msg("initial mesh peer dial failed")
			}
		}()
	}

	go adapter.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("mesh peer listener shutdown error")
	}

	log.Info().Msg("mesh adapter stopped")
}
