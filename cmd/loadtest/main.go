// Command loadtest drives many room sessions against a relay or NATS
// server. Clients are spread over rooms; each sends messages and waits for
// its own echo. The report includes connect and echo latency and any
// message that leaked into the wrong room's log.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/connection"
	"github.com/whisper/roomchat/internal/loadstats"
	"github.com/whisper/roomchat/internal/locator"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/session"
	"github.com/whisper/roomchat/internal/transport"
)

type options struct {
	ServerURL string
	Transport string
	NATSURL   string
	Clients   int
	Rooms     int
	Messages  int
	Interval  time.Duration
	Timeout   time.Duration
	LogLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load test a room chat endpoint",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ServerURL, "server_url", "ws://localhost:8080/ws", "WebSocket endpoint")
	f.StringVar(&opts.Transport, "transport", config.TransportWS, "ws or nats")
	f.StringVar(&opts.NATSURL, "nats_url", "nats://127.0.0.1:4222", "NATS server URL")
	f.IntVar(&opts.Clients, "clients", 50, "number of concurrent sessions")
	f.IntVar(&opts.Rooms, "rooms", 5, "number of rooms the sessions are spread over")
	f.IntVar(&opts.Messages, "messages", 10, "messages each session sends")
	f.DurationVar(&opts.Interval, "interval", 100*time.Millisecond, "pause between a session's messages")
	f.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "how long to wait for a connection or an echo")
	f.StringVar(&opts.LogLevel, "log_level", "error", "log level")
	return cmd
}

func run(ctx context.Context, opts options, out io.Writer) error {
	if opts.Clients <= 0 || opts.Rooms <= 0 {
		return fmt.Errorf("loadtest: clients and rooms must be positive")
	}
	logger := logging.New(logging.Config{Level: opts.LogLevel, Service: "loadtest"})
	dialer := newDialer(opts, logger)
	collector := loadstats.NewCollector()

	fmt.Fprintf(out, "Starting %d sessions over %d rooms (%s)\n", opts.Clients, opts.Rooms, opts.Transport)

	var wg sync.WaitGroup
	for i := 0; i < opts.Clients; i++ {
		name := fmt.Sprintf("client-%d", i)
		room := fmt.Sprintf("room-%d", i%opts.Rooms)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runClient(ctx, opts, dialer, logger, name, room, collector); err != nil {
				logger.Warn().Err(err).Str("client", name).Msg("loadtest: client failed")
				collector.AddError()
			}
		}()
	}
	wg.Wait()

	collector.Report(out)
	if v := collector.Summary().Violations; v > 0 {
		return fmt.Errorf("loadtest: %d messages crossed rooms", v)
	}
	return nil
}

func runClient(ctx context.Context, opts options, dialer transport.Dialer, logger zerolog.Logger,
	name, room string, collector *loadstats.Collector) error {
	loc, err := locator.New("")
	if err != nil {
		return err
	}
	changed := make(chan struct{}, 1)
	sess, err := session.New(session.Options{
		Connector: connection.NewManager(dialer, connection.WithLogger(logger)),
		Locator:   loc,
		Logger:    logger,
		OnChange: func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sess.Run(runCtx)

	start := time.Now()
	if err := sess.Join(ctx, name, room); err != nil {
		return err
	}
	if err := waitUntil(ctx, changed, opts.Timeout, func() bool {
		return sess.ConnectionState() == connection.StateOpen
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	collector.AddConnect(time.Since(start))

	for j := 0; j < opts.Messages; j++ {
		text := fmt.Sprintf("%s#%d", name, j)
		sentAt := time.Now()
		if err := sess.SendText(ctx, text); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		collector.AddSent()

		if err := waitUntil(ctx, changed, opts.Timeout, func() bool {
			return hasEcho(sess, name, text)
		}); err != nil {
			return fmt.Errorf("echo of %q: %w", text, err)
		}
		collector.AddEcho(time.Since(sentAt))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Interval):
		}
	}

	msgs := sess.Messages()
	collector.AddReceived(len(msgs))
	for _, m := range msgs {
		if !m.Room.Matches(room) {
			collector.AddViolation()
		}
	}
	return nil
}

func hasEcho(sess *session.Session, name, text string) bool {
	msgs := sess.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Username == name && msgs[i].Text == text {
			return true
		}
	}
	return false
}

// waitUntil re-evaluates cond on every session change until it holds.
func waitUntil(ctx context.Context, changed <-chan struct{}, timeout time.Duration, cond func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out after %s", timeout)
		case <-changed:
		}
	}
	return nil
}

func newDialer(opts options, logger zerolog.Logger) transport.Dialer {
	if opts.Transport == config.TransportNATS {
		nc := transport.DefaultNATSConfig()
		nc.URL = opts.NATSURL
		nc.Name = "roomchat-loadtest"
		nc.Logger = logger
		return transport.NewNATSDialer(nc)
	}
	wc := transport.DefaultWSConfig()
	wc.URL = opts.ServerURL
	return transport.NewWSDialer(wc)
}
