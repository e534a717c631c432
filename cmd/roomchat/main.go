package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/connection"
	"github.com/whisper/roomchat/internal/identity"
	"github.com/whisper/roomchat/internal/locator"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/session"
	"github.com/whisper/roomchat/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "roomchat",
		Short:        "Room-scoped terminal chat client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()

			cfg, err := config.LoadClient(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	config.AddClientFlags(cmd)
	return cmd
}

func run(ctx context.Context, cfg config.ClientConfig, in io.Reader, out io.Writer) error {
	logger := logging.New(cfg.Logging())
	logging.BridgeStdlib(logger)

	logger.Info().
		Str("transport", cfg.Transport).
		Str("server_url", cfg.ServerURL).
		Str("nats_url", cfg.NATSURL).
		Str("identity_backend", cfg.IdentityBackend).
		Msg("roomchat starting")

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		defer srv.Close()
	}

	store, closeStore, err := openIdentity(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	loc, err := locator.New(cfg.Address)
	if err != nil {
		return err
	}

	manager := connection.NewManager(newDialer(cfg, logger), connection.WithLogger(logger))
	defer manager.CloseAll()

	term := newTerminal(out)
	sess, err := session.New(session.Options{
		Connector: manager,
		Locator:   loc,
		Identity:  store,
		Logger:    logger,
		OnChange:  term.render,
	})
	if err != nil {
		return err
	}
	term.attach(sess)
	defer sess.Close()

	go sess.Run(ctx)

	joined, err := sess.Resume(ctx)
	if err != nil {
		fmt.Fprintf(out, "* could not resume: %v\n", err)
	}
	if !joined {
		name, room := sess.JoinDefaults(ctx)
		term.greet(name, room)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := term.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

// openIdentity opens the configured identity backend. The returned func
// releases it.
func openIdentity(cfg config.ClientConfig) (identity.Store, func(), error) {
	switch cfg.IdentityBackend {
	case config.BackendPebble:
		s, err := identity.OpenPebbleStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.BackendRedis:
		s, err := identity.NewRedisStore(cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return identity.NewMemoryStore(), func() {}, nil
	}
}

func newDialer(cfg config.ClientConfig, logger zerolog.Logger) transport.Dialer {
	if cfg.Transport == config.TransportNATS {
		nc := transport.DefaultNATSConfig()
		nc.URL = cfg.NATSURL
		nc.SubjectPrefix = cfg.NATSSubjectPrefix
		nc.Logger = logger
		return transport.NewNATSDialer(nc)
	}
	wc := transport.DefaultWSConfig()
	wc.URL = cfg.ServerURL
	return transport.NewWSDialer(wc)
}
