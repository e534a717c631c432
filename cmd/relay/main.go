package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/ratelimit"
	"github.com/whisper/roomchat/internal/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Development relay for the room chat client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()

			cfg, err := config.LoadRelay(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.AddRelayFlags(cmd)
	return cmd
}

func run(ctx context.Context, cfg config.RelayConfig) error {
	logCfg := cfg.Logging()
	logCfg.Output = os.Stdout
	logger := logging.New(logCfg)
	logging.BridgeStdlib(logger)

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("mode", cfg.Mode).
		Int("max_connections", cfg.MaxConnections).
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Dur("heartbeat_timeout", cfg.HeartbeatTimeout).
		Msg("relay starting")

	var opts []relay.Option
	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		limiter, err := ratelimit.Dial(dialCtx, cfg.RedisAddr, logger)
		cancel()
		if err != nil {
			return err
		}
		defer limiter.Close()

		rule := ratelimit.DefaultMessageRule
		rule.Limit = cfg.MessageLimit
		rule.Window = cfg.MessageWindow
		opts = append(opts, relay.WithLimiter(limiter, rule))
		logger.Info().Int("limit", rule.Limit).Dur("window", rule.Window).Msg("rate limiting enabled")
	}

	server := relay.NewServer(cfg, logger, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
