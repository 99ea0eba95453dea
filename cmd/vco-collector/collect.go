package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vcotools/vco-collector/pkg/config"
	"github.com/vcotools/vco-collector/pkg/logging"
	"github.com/vcotools/vco-collector/pkg/pipeline"
	"github.com/vcotools/vco-collector/pkg/ratelimit"
	"github.com/vcotools/vco-collector/pkg/vco"
	"github.com/vcotools/vco-collector/pkg/writer"
)

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Archive the enterprise event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return collect(cmd, func(s *config.Settings, iv vco.Interval) (vco.Endpoint, error) {
				return vco.EventsEndpoint{
					EnterpriseID: s.EnterpriseID,
					Interval:     iv,
					Limit:        s.Limit,
				}, nil
			})
		},
	}
}

func newFlowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Archive edge flow visibility metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return collect(cmd, func(s *config.Settings, iv vco.Interval) (vco.Endpoint, error) {
				if s.EdgeID <= 0 {
					return nil, fmt.Errorf("edge id is required (--edge-id or VCO_EDGE_ID)")
				}
				return vco.FlowsEndpoint{
					EdgeID:       s.EdgeID,
					EnterpriseID: s.EnterpriseID,
					Interval:     iv,
					Limit:        s.Limit,
				}, nil
			})
		},
	}
	cmd.Flags().Int("edge-id", 0, "edge id the flow metrics belong to")
	return cmd
}

// collect wires one collection run: settings, logging, rate limiting,
// client, writer and pipeline.
func collect(cmd *cobra.Command, makeEndpoint func(*config.Settings, vco.Interval) (vco.Endpoint, error)) error {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	settings, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	interval, err := settings.Interval()
	if err != nil {
		return err
	}
	endpoint, err := makeEndpoint(settings, interval)
	if err != nil {
		return err
	}

	logCfg := logging.Config{
		Level:  logging.LogLevel(settings.LogLevel),
		Pretty: settings.LogPretty,
	}
	if settings.LogFile {
		logCfg.FilePrefix = filepath.Join(settings.Output, "vco-collector")
	}
	logger := logging.Setup(logCfg)

	if settings.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(settings.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	limiter, cleanup, err := newLimiter(settings, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	client, err := vco.New(vco.Config{
		BaseURL:            settings.BaseURL(),
		AuthToken:          settings.AuthToken,
		Timeout:            settings.Timeout,
		InsecureSkipVerify: !settings.SSLVerify,
		Limiter:            limiter,
	})
	if err != nil {
		return err
	}

	outPath := config.OutputFilename(settings.Output, endpoint.Name(), interval, settings.Compress)
	coordinator := pipeline.New(pipeline.Config{
		Endpoint: endpoint,
		Interval: interval,
		Fetcher:  client,
		Writer: writer.New(writer.Config{
			Path:        outPath,
			Compress:    settings.Compress,
			FlushEvery:  settings.FlushEvery,
			SyncOnFlush: settings.SyncOnFlush,
		}),
		SubWindows:    settings.SubWindows,
		Concurrency:   settings.Concurrency,
		QueueDepth:    settings.QueueDepth,
		MaxPages:      settings.MaxPages,
		OnPageCeiling: pipeline.CeilingPolicy(settings.OnPageCeiling),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := coordinator.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(),
		"%s: %d records in %d pages (%d bytes, %d retries, %d rate-limit waits) -> %s\n",
		result.Status, result.Records, result.Pages, result.BytesWritten,
		result.Retries, result.RateLimitRetries, outPath)

	switch result.Status {
	case pipeline.StatusAborted:
		if fe := result.FirstError; fe != nil {
			return fmt.Errorf("collection aborted at window %d page %d (%s): %s",
				fe.Window, fe.Seq, fe.Class, fe.Message)
		}
		return fmt.Errorf("collection aborted")
	case pipeline.StatusCompletedWithErrors:
		logger.Warn().Str("output", outPath).Msg("Archive is well-formed but known incomplete")
		if settings.Strict {
			return fmt.Errorf("collection completed with errors (strict mode)")
		}
	}
	return nil
}

// newLimiter picks the shared Redis cooldown tracker when configured,
// falling back to the in-process limiter.
func newLimiter(settings *config.Settings, logger zerolog.Logger) (vco.Limiter, func(), error) {
	if settings.RedisAddr == "" {
		return ratelimit.NewLocal(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", settings.RedisAddr, err)
	}
	logger.Info().Str("redis", settings.RedisAddr).Msg("Sharing rate-limit cooldown via Redis")

	tracker := ratelimit.NewTracker(client, logger)
	return tracker, func() { client.Close() }, nil
}
