package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marcandreher/netward.eu/internal/netward"
)

func main() {
	cfg, err := netward.LoadConfig(os.Getenv("NETWARD_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger, err := netward.NewLogger(cfg, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	log.Logger = logger

	dir, err := netward.OpenDirectory(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Directory.Driver).Msg("Failed to open directory")
	}
	defer dir.Close()

	svc, err := netward.NewService(cfg, dir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to init service")
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.IdleTimeout(),
		ErrorLog:          stdLogger(logger),
	}
	serve(stop, logger, srv, "proxy")

	var admin *http.Server
	if cfg.Admin.Addr != "" {
		admin = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           svc.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          stdLogger(logger),
		}
		serve(stop, logger, admin, "admin")
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
}

func serve(stop context.CancelFunc, logger zerolog.Logger, srv *http.Server, name string) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", srv.Addr).Msgf("Failed to listen for %s", name)
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msgf("netward %s listening", name)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msgf("%s server error", name)
			stop()
		}
	}()
}

// stdLogger routes net/http's internal errors through zerolog.
func stdLogger(logger zerolog.Logger) *stdlog.Logger {
	return stdlog.New(logger.With().Str("component", "http").Logger(), "", 0)
}
