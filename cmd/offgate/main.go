package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"offgate/internal/offgate"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFGATE_CONFIG", "/offgate.yaml"), "path to offgate.yaml")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})

	cfg, err := offgate.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	svc, err := offgate.NewService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init service")
	}
	defer svc.Close()

	startCtx, startCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := svc.Start(startCtx); err != nil {
		startCancel()
		log.Fatal().Err(err).Msg("start service")
	}
	startCancel()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("listen")
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Msg("offgate listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
