package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromMap_Defaults(t *testing.T) {
	cfg, err := LoadFromMap(map[string]string{"SESSION_SECRET": "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.LoginTTL != 10*time.Minute || cfg.TransferTTL != 10*time.Minute {
		t.Fatalf("unexpected pairing TTLs: %v %v", cfg.LoginTTL, cfg.TransferTTL)
	}
	if cfg.DeviceCookieMaxAge != 5*365*24*time.Hour {
		t.Fatalf("expected five year device cookie, got %v", cfg.DeviceCookieMaxAge)
	}
	if cfg.TokenStore != "file" || cfg.TLSEnabled() {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.TenantsPath() != filepath.Join("data", "tenants.json") {
		t.Fatalf("unexpected tenants path %q", cfg.TenantsPath())
	}
}

func TestLoadFromMap_MissingSecret(t *testing.T) {
	if _, err := LoadFromMap(map[string]string{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadFromMap_Overrides(t *testing.T) {
	cfg, err := LoadFromMap(map[string]string{
		"SESSION_SECRET": "x",
		"PORT":           "1234",
		"LOGIN_TTL":      "1s",
		"TOKEN_STORE":    "redis",
		"REDIS_ADDR":     "cache:6379",
		"LOG_JSON":       "true",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 || cfg.LoginTTL != time.Second || cfg.TokenStore != "redis" || !cfg.LogJSON {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadFromMap_Invalid(t *testing.T) {
	cases := []map[string]string{
		{"SESSION_SECRET": "x", "PORT": "70000"},
		{"SESSION_SECRET": "x", "PORT": "abc"},
		{"SESSION_SECRET": "x", "TOKEN_STORE": "etcd"},
		{"SESSION_SECRET": "x", "LOGIN_TTL": "0s"},
		{"SESSION_SECRET": "x", "TLS_CERT_FILE": "cert.pem"},
		{"SESSION_SECRET": "x", "UNLOCK_RATE_LIMIT": "0"},
	}
	for _, m := range cases {
		if _, err := LoadFromMap(m); err == nil {
			t.Fatalf("expected error for %v", m)
		}
	}
}
