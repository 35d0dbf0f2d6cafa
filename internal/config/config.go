package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/private-dispatch/internal/models"
)

const (
	RelayLocal = "local"
	RelayHTTP  = "http"
	RelayNATS  = "nats"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Defaults are overlaid by an optional YAML file (DISPATCH_CONFIG_FILE)
// and then by environment variables, so the binary can run locally
// without excessive setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Owner            models.Principal   `yaml:"owner"`
	Authorities      []models.Principal `yaml:"authorities"`
	KeyAuthority     models.Principal   `yaml:"key_authority"`
	DisclosureBroker models.Principal   `yaml:"disclosure_broker"`

	RelayMode      string                      `yaml:"relay_mode"`
	RelayEndpoints map[models.Principal]string `yaml:"relay_endpoints"`
	RelayTimeout   time.Duration               `yaml:"relay_timeout"`
	NATSURL        string                      `yaml:"nats_url"`
	NATSPrefix     string                      `yaml:"nats_prefix"`

	MaxOffers      int           `yaml:"max_offers"`
	ETAWeight      int64         `yaml:"eta_weight"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisChannel  string `yaml:"redis_channel"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	PGDSN string `yaml:"pg_dsn"`

	LogLevel      string `yaml:"log_level"`
	RunMigrations bool   `yaml:"run_migrations"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RelayMode:       RelayLocal,
		RelayTimeout:    5 * time.Second,
		NATSPrefix:      "dispatch.relay",
		MaxOffers:       20,
		PublishTimeout:  2 * time.Second,
		RedisChannel:    "dispatch:events",
		KafkaTopic:      "dispatch-events",
		LogLevel:        "info",
	}
}

// LoadServerConfig reads .env (if present), the YAML file named by
// DISPATCH_CONFIG_FILE (if set), then the environment.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("DISPATCH_CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setPrincipalFromEnv(&cfg.Owner, "DISPATCH_OWNER")
	if v := os.Getenv("DISPATCH_AUTHORITIES"); v != "" {
		cfg.Authorities = nil
		for _, p := range splitAndTrim(v) {
			cfg.Authorities = append(cfg.Authorities, models.Principal(p))
		}
	}
	setPrincipalFromEnv(&cfg.KeyAuthority, "DISPATCH_KEY_AUTHORITY")
	setPrincipalFromEnv(&cfg.DisclosureBroker, "DISPATCH_DISCLOSURE_BROKER")

	if v := os.Getenv("RELAY_MODE"); v != "" {
		cfg.RelayMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("RELAY_ENDPOINTS"); v != "" {
		eps, err := parseEndpoints(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.RelayEndpoints = eps
		}
	}
	setDurationFromEnv(&cfg.RelayTimeout, "RELAY_TIMEOUT", &errs)
	setStringFromEnv(&cfg.NATSURL, "NATS_URL")
	setStringFromEnv(&cfg.NATSPrefix, "NATS_SUBJECT_PREFIX")

	setIntFromEnv(&cfg.MaxOffers, "DISPATCH_MAX_OFFERS", &errs)
	setInt64FromEnv(&cfg.ETAWeight, "DISPATCH_ETA_WEIGHT", &errs)
	setDurationFromEnv(&cfg.PublishTimeout, "DISPATCH_PUBLISH_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisChannel, "REDIS_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	errs = append(errs, cfg.Validate()...)
	return cfg, errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c ServerConfig) Validate() []error {
	var errs []error
	if c.Owner.IsZero() {
		errs = append(errs, fmt.Errorf("DISPATCH_OWNER is required"))
	}
	if len(c.Authorities) == 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_AUTHORITIES must list at least one principal"))
	}
	if c.KeyAuthority.IsZero() {
		errs = append(errs, fmt.Errorf("DISPATCH_KEY_AUTHORITY is required"))
	}
	if c.MaxOffers <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_OFFERS must be > 0"))
	}
	if c.ETAWeight < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_ETA_WEIGHT must be >= 0"))
	}
	switch c.RelayMode {
	case RelayLocal:
	case RelayHTTP:
		if len(c.RelayEndpoints) == 0 {
			errs = append(errs, fmt.Errorf("RELAY_ENDPOINTS is required for relay mode %q", c.RelayMode))
		}
	case RelayNATS:
		if c.NATSURL == "" {
			errs = append(errs, fmt.Errorf("NATS_URL is required for relay mode %q", c.RelayMode))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RELAY_MODE %q", c.RelayMode))
	}
	return errs
}

func loadYAML(path string, cfg *ServerConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// parseEndpoints reads "principal=url,principal=url".
func parseEndpoints(v string) (map[models.Principal]string, error) {
	out := make(map[models.Principal]string)
	for _, pair := range splitAndTrim(v) {
		k, url, ok := strings.Cut(pair, "=")
		k, url = strings.TrimSpace(k), strings.TrimSpace(url)
		if !ok || k == "" || url == "" {
			return nil, fmt.Errorf("invalid RELAY_ENDPOINTS entry %q", pair)
		}
		out[models.Principal(k)] = url
	}
	return out, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func setPrincipalFromEnv(target *models.Principal, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = models.Principal(v)
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
