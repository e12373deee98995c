// Package config resolves flux server settings. Values are layered: built-in
// defaults, then an optional YAML or TOML file, then FLUX_* environment
// variables, then command line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fluxmcp/flux/runtime/ao"
	"github.com/fluxmcp/flux/runtime/retry"
)

const defaultBlueprintBase = "https://raw.githubusercontent.com/permaweb/aos/refs/heads/main/blueprints"

// Log formats.
const (
	LogFormatAuto     = "auto"
	LogFormatJSON     = "json"
	LogFormatTerminal = "terminal"
)

type (
	// Config holds every server setting.
	Config struct {
		// File is the configuration file the settings were read from.
		File string `yaml:"-" toml:"-"`

		MUURL         string   `yaml:"mu_url" toml:"mu_url"`
		CUURL         string   `yaml:"cu_url" toml:"cu_url"`
		Module        string   `yaml:"module" toml:"module"`
		SqliteModule  string   `yaml:"sqlite_module" toml:"sqlite_module"`
		Scheduler     string   `yaml:"scheduler" toml:"scheduler"`
		BlueprintBase string   `yaml:"blueprint_base" toml:"blueprint_base"`
		WalletPath    string   `yaml:"wallet" toml:"wallet"`
		HTTPTimeout   Duration `yaml:"http_timeout" toml:"http_timeout"`
		SubmitRate    float64  `yaml:"submit_rate" toml:"submit_rate"`
		SubmitBurst   int      `yaml:"submit_burst" toml:"submit_burst"`
		MetricsAddr   string   `yaml:"metrics_addr" toml:"metrics_addr"`
		Debug         bool     `yaml:"debug" toml:"debug"`
		LogFormat     string   `yaml:"log_format" toml:"log_format"`
		Poll          Poll     `yaml:"poll" toml:"poll"`
	}

	// Poll configures the wait for each message result.
	Poll struct {
		SettleDelay    Duration `yaml:"settle_delay" toml:"settle_delay"`
		MaxAttempts    int      `yaml:"max_attempts" toml:"max_attempts"`
		InitialBackoff Duration `yaml:"initial_backoff" toml:"initial_backoff"`
		MaxBackoff     Duration `yaml:"max_backoff" toml:"max_backoff"`
		Multiplier     float64  `yaml:"multiplier" toml:"multiplier"`
		Jitter         float64  `yaml:"jitter" toml:"jitter"`
		Timeout        Duration `yaml:"timeout" toml:"timeout"`
	}

	// Duration is a time.Duration written as a Go duration string ("250ms").
	Duration time.Duration
)

// Default returns the built-in settings targeting the public AO testnet.
func Default() Config {
	p := retry.DefaultConfig()
	return Config{
		MUURL:         ao.DefaultMUURL,
		CUURL:         ao.DefaultCUURL,
		Module:        ao.DefaultModule,
		SqliteModule:  ao.SqliteModule,
		Scheduler:     ao.DefaultScheduler,
		BlueprintBase: defaultBlueprintBase,
		HTTPTimeout:   Duration(30 * time.Second),
		SubmitBurst:   1,
		LogFormat:     LogFormatAuto,
		Poll: Poll{
			SettleDelay:    Duration(p.SettleDelay),
			MaxAttempts:    p.MaxAttempts,
			InitialBackoff: Duration(p.InitialBackoff),
			MaxBackoff:     Duration(p.MaxBackoff),
			Multiplier:     p.BackoffMultiplier,
			Jitter:         p.Jitter,
			Timeout:        Duration(p.Timeout),
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := cfg.LoadFile(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the settings present in path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	c.File = path
	return nil
}

// ApplyEnv overlays FLUX_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	strs := map[string]*string{
		"FLUX_MU_URL":         &c.MUURL,
		"FLUX_CU_URL":         &c.CUURL,
		"FLUX_MODULE":         &c.Module,
		"FLUX_SQLITE_MODULE":  &c.SqliteModule,
		"FLUX_SCHEDULER":      &c.Scheduler,
		"FLUX_BLUEPRINT_BASE": &c.BlueprintBase,
		"FLUX_WALLET":         &c.WalletPath,
		"FLUX_METRICS_ADDR":   &c.MetricsAddr,
		"FLUX_LOG_FORMAT":     &c.LogFormat,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("FLUX_DEBUG"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("FLUX_DEBUG: %w", err)
		}
		c.Debug = b
	}
	if v, ok := lookup("FLUX_POLL_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("FLUX_POLL_TIMEOUT: %w", err)
		}
		c.Poll.Timeout = Duration(d)
	}
	return nil
}

// RegisterFlags binds command line flags to c. Flag defaults are the current
// values of c, so flags registered after loading a file override it.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.File, "config", c.File, "path to a YAML or TOML configuration file")
	fs.StringVar(&c.MUURL, "mu-url", c.MUURL, "messenger unit base URL")
	fs.StringVar(&c.CUURL, "cu-url", c.CUURL, "compute unit base URL")
	fs.StringVar(&c.Module, "module", c.Module, "module id for plain spawns")
	fs.StringVar(&c.SqliteModule, "sqlite-module", c.SqliteModule, "module id for sqlite spawns")
	fs.StringVar(&c.Scheduler, "scheduler", c.Scheduler, "scheduler id for spawned processes")
	fs.StringVar(&c.BlueprintBase, "blueprint-base", c.BlueprintBase, "base URL of named blueprints")
	fs.StringVar(&c.WalletPath, "wallet", c.WalletPath, "JWK wallet file; a fresh wallet is generated when empty")
	fs.DurationVar((*time.Duration)(&c.HTTPTimeout), "http-timeout", time.Duration(c.HTTPTimeout), "timeout of each HTTP request")
	fs.Float64Var(&c.SubmitRate, "submit-rate", c.SubmitRate, "maximum message submissions per second (0 = unlimited)")
	fs.IntVar(&c.SubmitBurst, "submit-burst", c.SubmitBurst, "submission burst size")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: auto, json or terminal")
	fs.DurationVar((*time.Duration)(&c.Poll.SettleDelay), "settle-delay", time.Duration(c.Poll.SettleDelay), "pause before the first result fetch")
	fs.IntVar(&c.Poll.MaxAttempts, "poll-attempts", c.Poll.MaxAttempts, "maximum result fetch attempts")
	fs.DurationVar((*time.Duration)(&c.Poll.InitialBackoff), "poll-backoff", time.Duration(c.Poll.InitialBackoff), "initial delay between fetch attempts")
	fs.DurationVar((*time.Duration)(&c.Poll.MaxBackoff), "poll-max-backoff", time.Duration(c.Poll.MaxBackoff), "maximum delay between fetch attempts")
	fs.DurationVar((*time.Duration)(&c.Poll.Timeout), "poll-timeout", time.Duration(c.Poll.Timeout), "overall result wait budget")
}

// Resolve layers defaults, the file named by -config, the environment and
// the flags in args. It returns flag.ErrHelp when help was requested.
func Resolve(name string, args []string, lookup func(string) (string, bool), output io.Writer) (Config, error) {
	probe := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	probe.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if probe.File != "" {
		if err := cfg.LoadFile(probe.File); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	fs = flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{"mu_url": c.MUURL, "cu_url": c.CUURL, "blueprint_base": c.BlueprintBase} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: %q is not an http(s) URL", name, raw))
		}
	}
	if c.Module == "" || c.SqliteModule == "" || c.Scheduler == "" {
		errs = append(errs, errors.New("module, sqlite_module and scheduler are required"))
	}
	if c.SubmitRate < 0 {
		errs = append(errs, errors.New("submit_rate must not be negative"))
	}
	if c.Poll.MaxAttempts < 1 {
		errs = append(errs, errors.New("poll.max_attempts must be at least 1"))
	}
	if c.Poll.SettleDelay < 0 || c.Poll.Timeout < 0 || c.HTTPTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	switch c.LogFormat {
	case LogFormatAuto, LogFormatJSON, LogFormatTerminal:
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Retry returns the poll policy.
func (c Config) Retry() retry.Config {
	return retry.Config{
		SettleDelay:       time.Duration(c.Poll.SettleDelay),
		MaxAttempts:       c.Poll.MaxAttempts,
		InitialBackoff:    time.Duration(c.Poll.InitialBackoff),
		MaxBackoff:        time.Duration(c.Poll.MaxBackoff),
		BackoffMultiplier: c.Poll.Multiplier,
		Jitter:            c.Poll.Jitter,
		Timeout:           time.Duration(c.Poll.Timeout),
	}
}

// UnmarshalText parses a Go duration string. TOML files use it.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders d as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}
