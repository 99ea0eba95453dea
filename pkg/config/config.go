// Package config resolves collector settings from flags, environment
// variables and an optional config file, in that precedence order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vcotools/vco-collector/pkg/vco"
)

// Settings holds one collection run's resolved configuration.
type Settings struct {
	// VCO is the orchestrator hostname or URL, e.g.
	// "vco99-us.velocloud.net" or "https://vco99-us.velocloud.net".
	VCO string `mapstructure:"vco"`

	// AuthToken is the orchestrator API token.
	AuthToken string `mapstructure:"token"`

	// BasePath is the portal API prefix under the orchestrator host.
	BasePath string `mapstructure:"base-path"`

	EnterpriseID int `mapstructure:"enterprise-id"`

	// EdgeID scopes the flows collection; unused for events.
	EdgeID int `mapstructure:"edge-id"`

	// Limit is the requested page size. Zero picks the endpoint default.
	Limit int `mapstructure:"limit"`

	// Start and Stop bound the collection window, in HumanTimeLayout,
	// interpreted in the local zone.
	Start string `mapstructure:"start"`
	Stop  string `mapstructure:"stop"`

	// Output is the directory the archive is written into.
	Output   string `mapstructure:"output"`
	Compress bool   `mapstructure:"compress"`

	LogLevel  string `mapstructure:"log-level"`
	LogPretty bool   `mapstructure:"log-pretty"`
	LogFile   bool   `mapstructure:"log-file"`

	// SSLVerify disables TLS verification when false, for orchestrators
	// behind self-signed certificates.
	SSLVerify bool          `mapstructure:"ssl-verify"`
	Timeout   time.Duration `mapstructure:"timeout"`

	// SubWindows and Concurrency control the time-slice fan-out; both
	// default to 1, the strictly chained single walk.
	SubWindows  int `mapstructure:"sub-windows"`
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue-depth"`

	MaxPages      int    `mapstructure:"max-pages"`
	OnPageCeiling string `mapstructure:"on-page-ceiling"`

	FlushEvery  int  `mapstructure:"flush-every"`
	SyncOnFlush bool `mapstructure:"sync-on-flush"`

	// RedisAddr enables the shared rate-limit cooldown when set.
	RedisAddr string `mapstructure:"redis-addr"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `mapstructure:"metrics-addr"`

	// Strict makes a CompletedWithErrors run exit non-zero.
	Strict bool `mapstructure:"strict"`
}

// envPrefix turns e.g. VCO_TOKEN into the "token" key.
const envPrefix = "VCO"

// SetDefaults installs the defaults on a viper instance. Flag bindings
// added by the caller take precedence over these. Every key gets a
// default, even a zero one, so environment overrides resolve during
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("vco", "")
	v.SetDefault("token", "")
	v.SetDefault("enterprise-id", 0)
	v.SetDefault("edge-id", 0)
	v.SetDefault("limit", 0)
	v.SetDefault("start", "")
	v.SetDefault("stop", "")
	v.SetDefault("compress", false)
	v.SetDefault("log-pretty", false)
	v.SetDefault("log-file", false)
	v.SetDefault("max-pages", 0)
	v.SetDefault("sync-on-flush", false)
	v.SetDefault("redis-addr", "")
	v.SetDefault("metrics-addr", "")
	v.SetDefault("strict", false)
	v.SetDefault("base-path", "/portal/rest/")
	v.SetDefault("output", ".")
	v.SetDefault("log-level", "info")
	v.SetDefault("ssl-verify", true)
	v.SetDefault("timeout", time.Minute)
	v.SetDefault("sub-windows", 1)
	v.SetDefault("concurrency", 1)
	v.SetDefault("queue-depth", 4)
	v.SetDefault("on-page-ceiling", "partial")
	v.SetDefault("flush-every", 1)
}

// Load resolves settings from the given viper instance plus environment
// variables and an optional "vco-collector" config file in the working
// directory.
func Load(v *viper.Viper) (*Settings, error) {
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("vco-collector")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &s, nil
}

// Validate checks the settings every collection needs. Endpoint-specific
// requirements (the edge for flows) are checked by the command.
func (s *Settings) Validate() error {
	if s.VCO == "" {
		return fmt.Errorf("orchestrator address is required (--vco or VCO_VCO)")
	}
	if s.AuthToken == "" {
		return fmt.Errorf("API token is required (--token or VCO_TOKEN)")
	}
	if s.EnterpriseID <= 0 {
		return fmt.Errorf("enterprise id is required (--enterprise-id or VCO_ENTERPRISE_ID)")
	}
	if s.Start == "" || s.Stop == "" {
		return fmt.Errorf("collection window is required (--start and --stop)")
	}
	if _, err := s.Interval(); err != nil {
		return err
	}
	if s.OnPageCeiling != "partial" && s.OnPageCeiling != "abort" {
		return fmt.Errorf("on-page-ceiling must be \"partial\" or \"abort\", got %q", s.OnPageCeiling)
	}
	if s.Concurrency > s.SubWindows {
		return fmt.Errorf("concurrency %d exceeds sub-windows %d", s.Concurrency, s.SubWindows)
	}
	return nil
}

// BaseURL builds the full API base from the orchestrator address and the
// portal path.
func (s *Settings) BaseURL() string {
	host := s.VCO
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return strings.TrimSuffix(host, "/") + "/" + strings.Trim(s.BasePath, "/") + "/"
}

// Interval parses the collection window.
func (s *Settings) Interval() (vco.Interval, error) {
	start, err := ParseHumanTime(s.Start)
	if err != nil {
		return vco.Interval{}, fmt.Errorf("parse start time: %w", err)
	}
	stop, err := ParseHumanTime(s.Stop)
	if err != nil {
		return vco.Interval{}, fmt.Errorf("parse stop time: %w", err)
	}
	if !stop.After(start) {
		return vco.Interval{}, fmt.Errorf("stop %q is not after start %q", s.Stop, s.Start)
	}
	return vco.Interval{Start: start, End: stop}, nil
}
