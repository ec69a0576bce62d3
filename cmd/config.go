package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	null "gopkg.in/guregu/null.v3"
)

// Defaults applied before any other configuration layer.
const (
	defaultHost = "localhost"
	defaultPort = 9222
)

// Config is the layered engine configuration. Nullable fields keep
// "unset" distinguishable from zero values so the layers compose:
// defaults < config file < environment < flags.
type Config struct {
	Host           null.String `json:"host" envconfig:"BROWSERFAIRY_HOST"`
	Port           null.Int    `json:"port" envconfig:"BROWSERFAIRY_PORT"`
	Duration       null.String `json:"duration" envconfig:"BROWSERFAIRY_DURATION"`
	DataDir        null.String `json:"dataDir" envconfig:"BROWSERFAIRY_DATA_DIR"`
	MaxTabs        null.Int    `json:"maxTabs" envconfig:"BROWSERFAIRY_MAX_TABS"`
	BatchFlush     null.Bool   `json:"batchFlush" envconfig:"BROWSERFAIRY_BATCH_FLUSH"`
	NoSourceMap    null.Bool   `json:"noSourceMap" envconfig:"BROWSERFAIRY_NO_SOURCE_MAP"`
	MaxValueLength null.Int    `json:"maxValueLength" envconfig:"BROWSERFAIRY_MAX_VALUE_LENGTH"`
}

// Apply overlays cfg's set fields onto c and returns the result.
func (c Config) Apply(cfg Config) Config {
	if cfg.Host.Valid {
		c.Host = cfg.Host
	}
	if cfg.Port.Valid {
		c.Port = cfg.Port
	}
	if cfg.Duration.Valid {
		c.Duration = cfg.Duration
	}
	if cfg.DataDir.Valid {
		c.DataDir = cfg.DataDir
	}
	if cfg.MaxTabs.Valid {
		c.MaxTabs = cfg.MaxTabs
	}
	if cfg.BatchFlush.Valid {
		c.BatchFlush = cfg.BatchFlush
	}
	if cfg.NoSourceMap.Valid {
		c.NoSourceMap = cfg.NoSourceMap
	}
	if cfg.MaxValueLength.Valid {
		c.MaxValueLength = cfg.MaxValueLength
	}
	return c
}

// Endpoint returns the debug address the engine should dial.
func (c Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host.String, c.Port.Int64)
}

// ParsedDuration returns the configured run duration, 0 meaning
// unbounded.
func (c Config) ParsedDuration() (time.Duration, error) {
	if !c.Duration.Valid || c.Duration.String == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Duration.String)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", c.Duration.String, err)
	}
	return d, nil
}

func defaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Host:    null.StringFrom(defaultHost),
		Port:    null.IntFrom(defaultPort),
		DataDir: null.StringFrom(filepath.Join(home, "BrowserFairyData")),
	}
}

// engineFlagSet declares the flags shared by subcommands that run the
// engine or attach sessions.
func engineFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.String("host", defaultHost, "browser debug host")
	flags.Int("port", defaultPort, "browser debug port")
	flags.String("duration", "", "stop after this long (e.g. 30m), empty means run until interrupted")
	flags.String("data-dir", "", "data root directory (default ~/BrowserFairyData)")
	flags.Int("max-tabs", 0, "cap on concurrently monitored tabs")
	flags.Bool("batch-flush", false, "coalesce stream file flushes on a short timer")
	flags.Bool("no-source-map", false, "disable source-map resolution of stack frames")
	flags.Int("max-value-length", 0, "DOM-storage value capture limit in characters")
	return flags
}

// configFromFlags lifts only the flags the user actually set.
func configFromFlags(flags *pflag.FlagSet) Config {
	var cfg Config
	if flags.Changed("host") {
		v, _ := flags.GetString("host")
		cfg.Host = null.StringFrom(v)
	}
	if flags.Changed("port") {
		v, _ := flags.GetInt("port")
		cfg.Port = null.IntFrom(int64(v))
	}
	if flags.Changed("duration") {
		v, _ := flags.GetString("duration")
		cfg.Duration = null.StringFrom(v)
	}
	if flags.Changed("data-dir") {
		v, _ := flags.GetString("data-dir")
		cfg.DataDir = null.StringFrom(v)
	}
	if flags.Changed("max-tabs") {
		v, _ := flags.GetInt("max-tabs")
		cfg.MaxTabs = null.IntFrom(int64(v))
	}
	if flags.Changed("batch-flush") {
		v, _ := flags.GetBool("batch-flush")
		cfg.BatchFlush = null.BoolFrom(v)
	}
	if flags.Changed("no-source-map") {
		v, _ := flags.GetBool("no-source-map")
		cfg.NoSourceMap = null.BoolFrom(v)
	}
	if flags.Changed("max-value-length") {
		v, _ := flags.GetInt("max-value-length")
		cfg.MaxValueLength = null.IntFrom(int64(v))
	}
	return cfg
}

// getConsolidatedConfig composes defaults, the optional JSON config
// file, BROWSERFAIRY_-prefixed environment variables, and flags, in
// ascending precedence.
func getConsolidatedConfig(fs afero.Fs, cfgFile string, flagConf Config) (Config, error) {
	conf := defaultConfig()

	if cfgFile != "" {
		data, err := afero.ReadFile(fs, cfgFile)
		if err != nil {
			return conf, fmt.Errorf("read config file: %w", err)
		}
		var fileConf Config
		if err := json.Unmarshal(data, &fileConf); err != nil {
			return conf, fmt.Errorf("parse config file %s: %w", cfgFile, err)
		}
		conf = conf.Apply(fileConf)
	}

	var envConf Config
	if err := envconfig.Process("", &envConf); err != nil {
		return conf, fmt.Errorf("parse environment: %w", err)
	}
	conf = conf.Apply(envConf)

	return conf.Apply(flagConf), nil
}
