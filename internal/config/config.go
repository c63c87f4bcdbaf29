package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port          int           `env:"PORT" envDefault:"3000"`
	SessionSecret string        `env:"SESSION_SECRET,required"`
	GinMode       string        `env:"GIN_MODE" envDefault:"release"`
	TLSCertFile   string        `env:"TLS_CERT_FILE"`
	TLSKeyFile    string        `env:"TLS_KEY_FILE"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"720h"`

	DataDir   string `env:"DATA_DIR" envDefault:"./data"`
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:3000"`

	LoginTTL           time.Duration `env:"LOGIN_TTL" envDefault:"10m"`
	TransferTTL        time.Duration `env:"TRANSFER_TTL" envDefault:"10m"`
	DeviceCookieMaxAge time.Duration `env:"DEVICE_COOKIE_MAX_AGE" envDefault:"43800h"` // 5 years

	TokenStore string `env:"TOKEN_STORE" envDefault:"file"` // file | redis
	RedisAddr  string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`

	// Attempts per minute and key.
	UnlockRateLimit int `env:"UNLOCK_RATE_LIMIT" envDefault:"5"`
	LoginRateLimit  int `env:"LOGIN_RATE_LIMIT" envDefault:"30"`
}

// LoadConfig reads the process environment, after loading an optional .env
// file from the working directory.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

// LoadFromMap reads configuration from m only.
func LoadFromMap(m map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: m}); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT")
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	for name, d := range map[string]time.Duration{
		"SESSION_TTL":           c.SessionTTL,
		"LOGIN_TTL":             c.LoginTTL,
		"TRANSFER_TTL":          c.TransferTTL,
		"DEVICE_COOKIE_MAX_AGE": c.DeviceCookieMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s", name)
		}
	}
	switch c.TokenStore {
	case "file", "redis":
	default:
		return fmt.Errorf("invalid TOKEN_STORE %q", c.TokenStore)
	}
	if c.UnlockRateLimit <= 0 || c.LoginRateLimit <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	return nil
}

func (c Config) TLSEnabled() bool { return c.TLSCertFile != "" && c.TLSKeyFile != "" }

func (c Config) DevicesPath() string { return filepath.Join(c.DataDir, "devices.json") }
func (c Config) TenantsPath() string { return filepath.Join(c.DataDir, "tenants.json") }
func (c Config) TokensPath() string  { return filepath.Join(c.DataDir, "tokens.json") }
func (c Config) StorageRoot() string { return filepath.Join(c.DataDir, "storage") }
