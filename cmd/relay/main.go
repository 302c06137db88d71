package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pixelotes/gamebook-studio-sub000/internal/blob"
	"github.com/pixelotes/gamebook-studio-sub000/internal/config"
	"github.com/pixelotes/gamebook-studio-sub000/internal/gateway"
	"github.com/pixelotes/gamebook-studio-sub000/internal/session"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	registry := session.NewRegistry()

	connCfg := gateway.DefaultConnectionConfig()
	connCfg.WriteTimeout = cfg.WSWriteTimeout
	connCfg.ReadTimeout = cfg.WSReadTimeout
	connCfg.PingInterval = cfg.WSPingInterval
	connCfg.MaxMessageSize = cfg.WSMaxMessageSize

	service := gateway.NewService(connCfg, registry)
	blobs := blob.NewStore()

	mux := http.NewServeMux()
	service.RegisterRoutes(mux)
	blob.NewHandler(blobs).RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      cors.AllowAll().Handler(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("relay server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	log.Info().Msg("relay shutdown complete")
}
