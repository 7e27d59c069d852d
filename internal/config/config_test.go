package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	if cfg.Broadcast.CollectMin != 59 || cfg.Broadcast.AlertMin != 0 || cfg.Broadcast.ResetMin != 1 {
		t.Fatalf("broadcast minutes default to 59/0/1, got %d/%d/%d",
			cfg.Broadcast.CollectMin, cfg.Broadcast.AlertMin, cfg.Broadcast.ResetMin)
	}
	if cfg.Withdrawal.MinAmount != 51 {
		t.Fatalf("withdrawal floor defaults to 51, got %v", cfg.Withdrawal.MinAmount)
	}
	if cfg.Withdrawal.MethodID != "18" {
		t.Fatalf("method id defaults to 18, got %q", cfg.Withdrawal.MethodID)
	}
	if len(cfg.Broadcast.Periods) != 1 || cfg.Broadcast.Periods[0] != CanonicalPeriod {
		t.Fatalf("默认周期应为 %q, got %v", CanonicalPeriod, cfg.Broadcast.Periods)
	}
	if cfg.Target.RequestTimeout.Seconds() != 60 {
		t.Fatalf("request timeout defaults to 60s, got %s", cfg.Target.RequestTimeout)
	}
	if cfg.Target.PaymentTimeout.Seconds() != 30 {
		t.Fatalf("payment timeout defaults to 30s, got %s", cfg.Target.PaymentTimeout)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
broadcast:
  collect_minute: 58
withdrawal:
  default_interval: 30
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broadcast.CollectMin != 58 {
		t.Fatalf("file override lost, got %d", cfg.Broadcast.CollectMin)
	}
	if cfg.Withdrawal.DefaultInterval != 30 {
		t.Fatalf("file override lost, got %d", cfg.Withdrawal.DefaultInterval)
	}
	// Untouched settings keep defaults.
	if cfg.Broadcast.AlertMin != 0 {
		t.Fatalf("defaults must survive partial files, got %d", cfg.Broadcast.AlertMin)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"proxy enabled without url", func(c *Config) { c.Proxy.Enabled = true; c.Proxy.URL = "" }},
		{"telegram enabled without token", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.BotToken = "" }},
		{"zero withdrawal floor", func(c *Config) { c.Withdrawal.MinAmount = 0 }},
		{"collect minute out of range", func(c *Config) { c.Broadcast.CollectMin = 75 }},
		{"no periods", func(c *Config) { c.Broadcast.Periods = nil }},
		{"zero login attempts", func(c *Config) { c.Session.MaxLoginAttempts = 0 }},
	}

	for _, tc := range cases {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("load defaults: %v", err)
		}
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: 应返回校验错误", tc.name)
		}
	}
}

func TestCredentialsEnvFileMergesSecrets(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "credentials.env")
	env := []byte("email=env@mail.test\npassword=hunter2\ntotp_secret=BASE32SECRET\n")
	if err := os.WriteFile(envPath, env, 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	content := []byte("account:\n  env_file: " + envPath + "\n")
	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Account.Email != "env@mail.test" || cfg.Account.Password != "hunter2" {
		t.Fatalf("credentials env not merged: %+v", cfg.Account)
	}
	if cfg.Account.TOTPSecret != "BASE32SECRET" {
		t.Fatalf("totp secret not merged, got %q", cfg.Account.TOTPSecret)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	if got := cfg.ResolveMaxPoints(0); got != 500 {
		t.Fatalf("config default expected, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(42); got != 42 {
		t.Fatalf("override expected, got %d", got)
	}
}
