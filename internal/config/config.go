// Package config handles configuration for the server, layering defaults, an
// optional YAML file, the environment (with .env support) and command-line
// flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "UDPAUTH_"

// Config holds runtime settings for the auth server.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	ReplyHost     string        `yaml:"reply_host"`
	StorePath     string        `yaml:"store_path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Workers       int           `yaml:"workers"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	MaxDatagram   int           `yaml:"max_datagram"`

	// Login limiter: failures refill at LoginRate per second, LoginBurst
	// consecutive failures block the (username, ip) pair for LoginBlock.
	LoginRate  float64       `yaml:"login_rate"`
	LoginBurst int           `yaml:"login_burst"`
	LoginBlock time.Duration `yaml:"login_block"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	Dev         bool   `yaml:"dev"`
	Profile     string `yaml:"profile"`
}

// Default returns development defaults.
func Default() *Config {
	return &Config{
		ListenAddr:    "127.0.0.1:49000",
		ReplyHost:     "0.0.0.0",
		StorePath:     "users.json",
		FlushInterval: 60 * time.Second,
		SessionTTL:    time.Hour,
		SweepInterval: 5 * time.Minute,
		Workers:       16,
		ReadTimeout:   time.Second,
		GracePeriod:   5 * time.Second,
		MaxDatagram:   1024,
		LoginRate:     1,
		LoginBurst:    5,
		LoginBlock:    15 * time.Minute,
		LogLevel:      "info",
	}
}

// Load builds a Config from args (without the program name).
func Load(args []string) (*Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	// first pass only locates the config and env files
	var configPath, envPath string
	pre := newFlagSet(Default(), &configPath, &envPath)
	if err := pre.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := cfg.loadYAML(configPath); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	// second pass: explicit flags win over everything else
	if err := newFlagSet(cfg, &configPath, &envPath).Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func newFlagSet(c *Config, configPath, envPath *string) *flag.FlagSet {
	set := flag.NewFlagSet("udpauth", flag.ContinueOnError)
	set.SetOutput(io.Discard)

	set.StringVar(configPath, "config", *configPath, "YAML config file")
	set.StringVar(envPath, "env", ".env", "dotenv file, ignored when missing")

	set.StringVar(&c.ListenAddr, "addr", c.ListenAddr, "UDP listen address")
	set.StringVar(&c.ReplyHost, "reply-host", c.ReplyHost, "local host for reply sockets")
	set.StringVar(&c.StorePath, "store", c.StorePath, "user store JSON file")
	set.DurationVar(&c.FlushInterval, "flush-interval", c.FlushInterval, "store flush interval")
	set.DurationVar(&c.SessionTTL, "session-ttl", c.SessionTTL, "session token TTL")
	set.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "expired session sweep interval")
	set.IntVar(&c.Workers, "workers", c.Workers, "max concurrent request workers")
	set.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "receive loop poll timeout")
	set.DurationVar(&c.GracePeriod, "grace", c.GracePeriod, "shutdown grace period")
	set.IntVar(&c.MaxDatagram, "max-datagram", c.MaxDatagram, "max request datagram size")
	set.Float64Var(&c.LoginRate, "login-rate", c.LoginRate, "login failure refill rate per second")
	set.IntVar(&c.LoginBurst, "login-burst", c.LoginBurst, "consecutive login failures before block")
	set.DurationVar(&c.LoginBlock, "login-block", c.LoginBlock, "login block duration")
	set.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus listen address, empty to disable")
	set.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	set.BoolVar(&c.Dev, "dev", c.Dev, "development logging")
	set.StringVar(&c.Profile, "profile", c.Profile, "profile mode: cpu, mem, block, mutex, trace")
	return set
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var err error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", EnvPrefix, name, perr))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", EnvPrefix, name, perr))
				return
			}
			*dst = n
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("REPLY_HOST", &c.ReplyHost)
	str("STORE_PATH", &c.StorePath)
	dur("FLUSH_INTERVAL", &c.FlushInterval)
	dur("SESSION_TTL", &c.SessionTTL)
	dur("SWEEP_INTERVAL", &c.SweepInterval)
	num("WORKERS", &c.Workers)
	dur("READ_TIMEOUT", &c.ReadTimeout)
	dur("GRACE_PERIOD", &c.GracePeriod)
	num("MAX_DATAGRAM", &c.MaxDatagram)
	num("LOGIN_BURST", &c.LoginBurst)
	dur("LOGIN_BLOCK", &c.LoginBlock)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("PROFILE", &c.Profile)
	if v, ok := lookup(EnvPrefix + "LOGIN_RATE"); ok && v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("%sLOGIN_RATE: %w", EnvPrefix, perr))
		} else {
			c.LoginRate = f
		}
	}
	if v, ok := lookup(EnvPrefix + "DEV"); ok && v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("%sDEV: %w", EnvPrefix, perr))
		} else {
			c.Dev = b
		}
	}
	return err
}

// Validate rejects empty addresses and non-positive durations and counts.
func (c *Config) Validate() error {
	var err error
	if c.ListenAddr == "" {
		err = multierr.Append(err, errors.New("listen_addr cannot be empty"))
	}
	if c.StorePath == "" {
		err = multierr.Append(err, errors.New("store_path cannot be empty"))
	}
	for name, d := range map[string]time.Duration{
		"flush_interval": c.FlushInterval,
		"session_ttl":    c.SessionTTL,
		"sweep_interval": c.SweepInterval,
		"read_timeout":   c.ReadTimeout,
		"grace_period":   c.GracePeriod,
		"login_block":    c.LoginBlock,
	} {
		if d <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Workers < 1 {
		err = multierr.Append(err, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxDatagram < 512 {
		err = multierr.Append(err, fmt.Errorf("max_datagram must be at least 512 bytes, got %d", c.MaxDatagram))
	}
	if c.LoginRate <= 0 || c.LoginBurst < 1 {
		err = multierr.Append(err, fmt.Errorf("login limiter needs a positive rate and burst, got %v/%d", c.LoginRate, c.LoginBurst))
	}
	switch c.Profile {
	case "", "cpu", "mem", "block", "mutex", "trace":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown profile mode %q", c.Profile))
	}
	return err
}
