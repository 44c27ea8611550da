package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/andrebq/authbox/internal/logutil"
)

type (
	Config struct {
		Bind              string
		ReadTimeout       time.Duration
		WriteTimeout      time.Duration
		ReadHeaderTimeout time.Duration
		IdleTimeout       time.Duration
		ShutdownTimeout   time.Duration
	}
)

func DefaultConfig(bind string) Config {
	return Config{
		Bind:              bind,
		ReadTimeout:       time.Second * 30,
		WriteTimeout:      time.Second * 30,
		ReadHeaderTimeout: time.Second * 10,
		IdleTimeout:       time.Minute * 2,
		ShutdownTimeout:   time.Second * 30,
	}
}

// Serve listens on cfg.Bind and serves handler until ctx is done, then
// shuts the server down gracefully.
func Serve(ctx context.Context, cfg Config, handler http.Handler) error {
	l, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("unable to listen on %v, cause %w", cfg.Bind, err)
	}
	return ServeListener(ctx, cfg, l, handler)
}

func ServeListener(ctx context.Context, cfg Config, l net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		Addr:              l.Addr().String(),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
	log := logutil.GetOrDefault(ctx).With().Str("server.addr", server.Addr).Logger()

	firstErr := make(chan error, 1)
	go func() {
		defer close(firstErr)
		log.Info().Msg("Starting HTTP server")
		err := server.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			log.Info().Msg("Server closed")
			// shutdown called,
			// ignore the error
			return
		}
		firstErr <- err
	}()

	select {
	case err := <-firstErr:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Initiating shutdown process")
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = time.Minute
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	<-firstErr
	if err != nil {
		return fmt.Errorf("unable to shutdown cleanly, cause %w", err)
	}
	log.Info().Msg("Shutdown completed")
	return nil
}
