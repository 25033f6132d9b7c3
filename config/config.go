// Package config loads gcnc settings from defaults, an optional config
// file, GCNC_ environment variables and command line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mastercactapus/gcnc/machine/grbl"
	"github.com/mastercactapus/gcnc/optimize"
	"github.com/mastercactapus/gcnc/transport"
	"github.com/mastercactapus/gcnc/validate"
)

// EnvPrefix is prepended to environment variable names. Nested keys use
// underscores, so serial.port is read from GCNC_SERIAL_PORT.
const EnvPrefix = "GCNC"

type Config struct {
	Serial   SerialConfig     `mapstructure:"serial"`
	Grbl     GrblConfig       `mapstructure:"grbl"`
	Validate ValidateConfig   `mapstructure:"validate"`
	Optimize optimize.Options `mapstructure:"optimize"`
	Server   ServerConfig     `mapstructure:"server"`
	Database DatabaseConfig   `mapstructure:"database"`
	Log      LogConfig        `mapstructure:"log"`
}

// SerialConfig names the device. When SPJSURL is set the port is opened
// through a Serial Port JSON Server instead of locally.
type SerialConfig struct {
	Port    string `mapstructure:"port"`
	SPJSURL string `mapstructure:"spjs_url"`

	transport.Config `mapstructure:",squash"`
}

type GrblConfig struct {
	Recovery       grbl.RecoveryConfig `mapstructure:"recovery"`
	ReplyTimeout   time.Duration       `mapstructure:"reply_timeout"`
	VersionTimeout time.Duration       `mapstructure:"version_timeout"`
	AckTimeout     time.Duration       `mapstructure:"ack_timeout"`
	PollInterval   time.Duration       `mapstructure:"poll_interval"`
}

type ValidateConfig struct {
	TargetVersion string           `mapstructure:"target_version"`
	Limits        *validate.Limits `mapstructure:"limits"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	DataDir         string        `mapstructure:"data_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	// Retention is how long finished jobs are kept. Zero keeps them
	// forever.
	Retention time.Duration `mapstructure:"retention"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	ser := transport.DefaultConfig()
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.spjs_url", "")
	v.SetDefault("serial.baud", ser.Baud)
	v.SetDefault("serial.data_bits", ser.DataBits)
	v.SetDefault("serial.parity", ser.Parity)
	v.SetDefault("serial.stop_bits", ser.StopBits)
	v.SetDefault("serial.read_timeout", ser.ReadTimeout)

	g := grbl.DefaultConfig()
	v.SetDefault("grbl.recovery.max_retries", g.Recovery.MaxRetries)
	v.SetDefault("grbl.recovery.retry_delay", g.Recovery.RetryDelay)
	v.SetDefault("grbl.recovery.auto_reconnect", g.Recovery.AutoReconnect)
	v.SetDefault("grbl.recovery.reconnect_delay", g.Recovery.ReconnectDelay)
	v.SetDefault("grbl.reply_timeout", g.ReplyTimeout)
	v.SetDefault("grbl.version_timeout", g.VersionTimeout)
	v.SetDefault("grbl.ack_timeout", g.AckTimeout)
	v.SetDefault("grbl.poll_interval", grbl.DefaultPollInterval)

	v.SetDefault("validate.target_version", validate.V1_1.String())

	o := optimize.DefaultOptions()
	v.SetDefault("optimize.decimal_places", o.DecimalPlaces)
	v.SetDefault("optimize.arc_tolerance", o.ArcTolerance)
	v.SetDefault("optimize.remove_empty_lines", o.RemoveEmptyLines)
	v.SetDefault("optimize.collapse_whitespace", o.CollapseWhitespace)
	v.SetDefault("optimize.convert_arcs", o.ConvertArcs)
	v.SetDefault("optimize.truncate_decimals", o.TruncateDecimals)

	v.SetDefault("server.addr", ":9091")
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.path", "./data/gcnc.db")
	v.SetDefault("database.retention", "720h")

	v.SetDefault("log.level", "info")
}

// Flags returns the command line flags Load understands. Flag names match
// config keys.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("gcnc", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Config file (yaml, json or toml).")
	fs.StringP("serial.port", "p", "/dev/ttyUSB0", "Serial port path, or port name when using SPJS.")
	fs.String("serial.spjs_url", "", "Websocket URL of a Serial Port JSON Server.")
	fs.Int("serial.baud", transport.DefaultConfig().Baud, "Serial baud rate.")
	fs.String("server.addr", ":9091", "Address to bind the HTTP API to.")
	fs.String("server.data_dir", "./data", "Directory for stored G-code programs.")
	fs.String("database.path", "./data/gcnc.db", "SQLite database for job history.")
	fs.String("validate.target_version", validate.V1_1.String(), "GRBL version programs are validated against, or \"auto\" to follow the device.")
	fs.String("log.level", "info", "Log level: debug, info, warn or error.")
	return fs
}

// Load reads the config file at path, if any, then applies environment
// variables and the flags that were set. Flags in fs must already be
// parsed.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Check reports settings that cannot be used.
func (c *Config) Check() error {
	if _, err := c.TargetVersion(); err != nil {
		return fmt.Errorf("validate.target_version: %w", err)
	}
	if err := c.Optimize.Validate(); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention cannot be negative, got %s", c.Database.Retention)
	}
	return nil
}

// AutoTargetVersion as validate.target_version follows the firmware
// reported by the connected device.
const AutoTargetVersion = "auto"

// AutoTarget reports whether the validation target follows the device.
func (c *Config) AutoTarget() bool {
	return strings.EqualFold(c.Validate.TargetVersion, AutoTargetVersion)
}

// TargetVersion returns the configured validation target. With "auto" it
// is 1.1 until a device reports its version.
func (c *Config) TargetVersion() (validate.GrblVersion, error) {
	if c.AutoTarget() {
		return validate.V1_1, nil
	}
	return validate.ParseGrblVersion(c.Validate.TargetVersion)
}

// Controller returns the settings for grbl.NewController.
func (c *Config) Controller() grbl.Config {
	return grbl.Config{
		Serial:         c.Serial.Config,
		Recovery:       c.Grbl.Recovery,
		ReplyTimeout:   c.Grbl.ReplyTimeout,
		VersionTimeout: c.Grbl.VersionTimeout,
		AckTimeout:     c.Grbl.AckTimeout,
	}
}
