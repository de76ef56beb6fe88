package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/ticketd"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("TICKETD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "ticketd")
	cmd := newRootCommand(logger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			logger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "ticketd",
		Short:         "ticketd coordinates ticket edit locks, caching, and service messaging for a ticket-tracking platform",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			if level, ok := pslog.ParseLevel(v.GetString("log-level")); ok {
				logger = logger.LogLevel(level)
			}

			var cfg ticketd.Config
			if path := v.GetString("config"); path != "" {
				loaded, err := ticketd.LoadConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
				logger.Info("loaded config file", "path", path)
			}
			applyFlagOverrides(&cfg, cmd.Flags(), v)
			cfg.Version = version

			server, err := ticketd.NewServer(cfg, ticketd.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			<-cmd.Context().Done()
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("listen", ticketd.DefaultListen, "HTTP API bind address")
	flags.String("metrics-listen", ticketd.DefaultMetricsListen, "Prometheus scrape bind address (empty disables)")
	flags.String("redis-url", ticketd.DefaultRedisURL, "shared key-value store URL")
	flags.String("amqp-url", ticketd.DefaultAMQPURL, "message broker URL")
	flags.String("service", ticketd.DefaultService, "service name used in log routing keys")
	flags.String("log-level", "info", "minimum log level")
	flags.Duration("lock-ttl", ticketd.DefaultLockTTL, "ticket lock lease lifetime")
	flags.Duration("cache-ttl", ticketd.DefaultCacheTTL, "cached ticket and query expiry")
	flags.Duration("reconnect-base", ticketd.DefaultReconnectBase, "first broker reconnect delay")
	flags.Duration("reconnect-max", ticketd.DefaultReconnectMax, "broker reconnect delay ceiling")
	flags.Duration("user-lookup-timeout", ticketd.DefaultUserLookupTimeout, "user-lookup RPC timeout")
	flags.Duration("rate-limit-window", ticketd.DefaultRateLimitWindow, "rate limit window length")
	flags.Int("rate-limit-max", ticketd.DefaultRateLimitMax, "requests allowed per window")
	flags.String("log-exchange", ticketd.DefaultLogExchange, "topic exchange for log entries")
	flags.String("notify-exchange", ticketd.DefaultNotifyExchange, "fanout exchange for notifications")
	flags.String("notification-queue", ticketd.DefaultNotificationQueue, "notification work queue")
	flags.String("user-queue", ticketd.DefaultUserQueue, "user-lookup request queue")
	flags.String("version-queue", ticketd.DefaultVersionQueue, "version announcement queue")

	v.SetEnvPrefix("TICKETD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

// applyFlagOverrides layers flag and environment values over cfg. A file
// value survives unless the corresponding flag was passed or its TICKETD_*
// environment variable is set; otherwise the flag default applies.
func applyFlagOverrides(cfg *ticketd.Config, flags *pflag.FlagSet, v *viper.Viper) {
	set := func(name string) bool {
		if f := flags.Lookup(name); f != nil && f.Changed {
			return true
		}
		env := "TICKETD_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		_, ok := os.LookupEnv(env)
		return ok
	}
	setString := func(name string, dst *string) {
		if set(name) || *dst == "" {
			*dst = v.GetString(name)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if set(name) || *dst == 0 {
			*dst = v.GetDuration(name)
		}
	}
	setString("listen", &cfg.Listen)
	setString("metrics-listen", &cfg.MetricsListen)
	setString("redis-url", &cfg.RedisURL)
	setString("amqp-url", &cfg.AMQPURL)
	setString("service", &cfg.Service)
	setDuration("lock-ttl", &cfg.LockTTL)
	setDuration("cache-ttl", &cfg.CacheTTL)
	setDuration("reconnect-base", &cfg.ReconnectBase)
	setDuration("reconnect-max", &cfg.ReconnectMax)
	setDuration("user-lookup-timeout", &cfg.UserLookupTimeout)
	setDuration("rate-limit-window", &cfg.RateLimitWindow)
	if set("rate-limit-max") || cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = v.GetInt("rate-limit-max")
	}
	setString("log-exchange", &cfg.LogExchange)
	setString("notify-exchange", &cfg.NotifyExchange)
	setString("notification-queue", &cfg.NotificationQueue)
	setString("user-queue", &cfg.UserQueue)
	setString("version-queue", &cfg.VersionQueue)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ticketd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "ticketd %s\n", version)
			return err
		},
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
