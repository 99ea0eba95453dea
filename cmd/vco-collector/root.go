package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vco-collector",
		Short: "Archive VeloCloud Orchestrator event logs and flow metrics",
		Long: `vco-collector walks the paginated VeloCloud Orchestrator portal API and
streams every record of a collection window into a JSON array archive.

Settings resolve from flags, then VCO_* environment variables (a .env
file is honored), then an optional vco-collector config file in the
working directory.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("vco", "", "orchestrator hostname or URL")
	flags.String("token", "", "orchestrator API token")
	flags.String("base-path", "/portal/rest/", "portal API path prefix")
	flags.Int("enterprise-id", 0, "enterprise (customer) id")
	flags.String("start", "", `collection window start, "2006-01-02 15:04:05" local time`)
	flags.String("stop", "", `collection window stop, "2006-01-02 15:04:05" local time`)
	flags.Int("limit", 0, "page size (0 uses the endpoint default)")
	flags.String("output", ".", "directory the archive is written into")
	flags.Bool("compress", false, "gzip the archive")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "human-readable console logs")
	flags.Bool("log-file", false, "tee logs into a per-run file next to the archive")
	flags.Bool("ssl-verify", true, "verify the orchestrator TLS certificate")
	flags.Duration("timeout", time.Minute, "single request timeout")
	flags.Int("sub-windows", 1, "split the window into N independently walked slices")
	flags.Int("concurrency", 1, "sub-window walks running at once")
	flags.Int("queue-depth", 4, "buffered batches per sub-window")
	flags.Int("max-pages", 0, "safety page ceiling per walk (0 uses the default)")
	flags.String("on-page-ceiling", "partial", `status when the ceiling hits: "partial" or "abort"`)
	flags.Int("flush-every", 1, "flush the archive every N batches")
	flags.Bool("sync-on-flush", false, "fsync the archive at every flush")
	flags.String("redis-addr", "", "redis address for the shared rate-limit cooldown")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.Bool("strict", false, "exit non-zero when the archive is incomplete")

	root.AddCommand(newEventsCmd(), newFlowsCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the collector version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "vco-collector", version)
		},
	}
}
