package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/logger"
)

// Config holds the call-control runtime configuration
type Config struct {
	// ARI connection
	ARIURL   string // REST root, e.g. http://localhost:8088/ari
	ARIWSURL string // events endpoint; derived from ARIURL when empty
	App      string
	Username string
	Password string
	LogLevel string

	// Admin surfaces
	APIAddr  string
	GRPCAddr string

	// Command behaviour
	CommandRetries int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	ClaimTTL       time.Duration
	ConnectionPoll time.Duration
}

// Load loads configuration from command line flags and environment variables
func Load() (*Config, error) {
	return LoadFrom(os.Args[1:], os.Getenv)
}

// LoadFrom parses args and then applies overrides from getenv.
func LoadFrom(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("ariflow", flag.ContinueOnError)
	fs.StringVar(&cfg.ARIURL, "ari-url", "http://localhost:8088/ari", "ARI REST base URL")
	fs.StringVar(&cfg.ARIWSURL, "ari-ws-url", "", "ARI events websocket URL (derived from -ari-url if not set)")
	fs.StringVar(&cfg.App, "app", "ariflow", "Stasis application name")
	fs.StringVar(&cfg.Username, "ari-user", "", "ARI username (falls back to ARI_USERNAME)")
	fs.StringVar(&cfg.Password, "ari-pass", "", "ARI password (falls back to ARI_PASSWORD)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.APIAddr, "api", "0.0.0.0:8080", "Admin HTTP API listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc", "0.0.0.0:9090", "gRPC health listen address")
	fs.IntVar(&cfg.CommandRetries, "retries", 5, "Re-attempts for a failed command")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", 100*time.Millisecond, "Initial delay between command attempts")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", 10*time.Second, "Timeout of a single REST request")
	fs.DurationVar(&cfg.ClaimTTL, "claim-ttl", 2*time.Minute, "How long a claimed channel may take to enter the application")
	fs.DurationVar(&cfg.ConnectionPoll, "connection-poll", time.Second, "How often event stream connectivity is sampled for health reporting")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Override with environment variables if set
	setString(getenv, "ARI_URL", &cfg.ARIURL)
	setString(getenv, "ARI_WS_URL", &cfg.ARIWSURL)
	setString(getenv, "ARI_APP", &cfg.App)
	setString(getenv, "ARI_USER", &cfg.Username)
	setString(getenv, "ARI_PASS", &cfg.Password)
	setString(getenv, "LOGLEVEL", &cfg.LogLevel)
	setString(getenv, "API_ADDR", &cfg.APIAddr)
	setString(getenv, "GRPC_ADDR", &cfg.GRPCAddr)

	var errs []error
	if v := getenv("COMMAND_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("COMMAND_RETRIES: %w", err))
		} else {
			cfg.CommandRetries = n
		}
	}
	errs = append(errs,
		setDuration(getenv, "RETRY_DELAY", &cfg.RetryDelay),
		setDuration(getenv, "REQUEST_TIMEOUT", &cfg.RequestTimeout),
		setDuration(getenv, "CLAIM_TTL", &cfg.ClaimTTL),
		setDuration(getenv, "CONNECTION_POLL", &cfg.ConnectionPoll),
	)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.ARIWSURL == "" {
		ws, err := ari.WebSocketURL(cfg.ARIURL)
		if err != nil {
			return nil, err
		}
		cfg.ARIWSURL = ws
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the runtime cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.App == "" {
		errs = append(errs, errors.New("application name is empty"))
	}
	if u, err := url.Parse(c.ARIURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid ARI URL %q", c.ARIURL))
	}
	if c.ConnectionPoll <= 0 {
		errs = append(errs, fmt.Errorf("connection poll must be positive, got %v", c.ConnectionPoll))
	}
	if c.CommandRetries < 0 {
		errs = append(errs, fmt.Errorf("command retries must be >= 0, got %d", c.CommandRetries))
	}
	if !logger.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(getenv func(string) string, key string, dst *time.Duration) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
