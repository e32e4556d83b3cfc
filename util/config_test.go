package util

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(ConfigFileName, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	t.Cleanup(func() { os.Remove(ConfigFileName) })
}

func TestConfigConstants(t *testing.T) {
	if Name != "fedcore" {
		t.Errorf("Expected Name 'fedcore', got '%s'", Name)
	}

	if ConfigFileName != "config.yaml" {
		t.Errorf("Expected ConfigFileName 'config.yaml', got '%s'", ConfigFileName)
	}
}

func TestReadConfWithYaml(t *testing.T) {
	writeConfig(t, `
conf:
  host: 127.0.0.1
  sshPort: 23232
  httpPort: 9999
  domain: a.example
  replayWindow: 24h
  rateLimitMax: 50
  autoAcceptFollows: true
`)

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Domain != "a.example" {
		t.Errorf("Expected Domain 'a.example', got '%s'", config.Conf.Domain)
	}
	if config.Conf.ReplayWindow != 24*time.Hour {
		t.Errorf("Expected ReplayWindow 24h, got %s", config.Conf.ReplayWindow)
	}
	if config.Conf.RateLimitMax != 50 {
		t.Errorf("Expected RateLimitMax 50, got %d", config.Conf.RateLimitMax)
	}
	if !config.Conf.AutoAcceptFollows {
		t.Error("Expected AutoAcceptFollows to be true")
	}
}

func TestReadConfKeepsDefaultsForMissingKeys(t *testing.T) {
	writeConfig(t, `
conf:
  domain: a.example
`)

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.RateLimitWindow != time.Minute {
		t.Errorf("Expected default RateLimitWindow 1m, got %s", config.Conf.RateLimitWindow)
	}
	if config.Conf.ReplayWindow != 48*time.Hour {
		t.Errorf("Expected default ReplayWindow 48h, got %s", config.Conf.ReplayWindow)
	}
	if config.Conf.MaxAttempts != 5 {
		t.Errorf("Expected default MaxAttempts 5, got %d", config.Conf.MaxAttempts)
	}
	if config.Conf.BackoffBase != time.Minute || config.Conf.BackoffCap != 6*time.Hour {
		t.Errorf("Unexpected backoff defaults %s / %s", config.Conf.BackoffBase, config.Conf.BackoffCap)
	}
	if config.Conf.AutoAcceptFollows {
		t.Error("Expected AutoAcceptFollows to default to false")
	}
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	writeConfig(t, `
conf:
  host: 127.0.0.1
  domain: a.example
`)

	t.Setenv("FEDCORE_HOST", "192.168.1.1")
	t.Setenv("FEDCORE_HTTPPORT", "8080")
	t.Setenv("FEDCORE_DOMAIN", "b.example")
	t.Setenv("FEDCORE_REPLAY_WINDOW", "12h")
	t.Setenv("FEDCORE_RATE_LIMIT_MAX", "10")
	t.Setenv("FEDCORE_AUTO_ACCEPT_FOLLOWS", "true")
	t.Setenv("FEDCORE_OPERATOR_KEYS", "ssh-ed25519 AAAA1;ssh-ed25519 AAAA2")

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Host != "192.168.1.1" {
		t.Errorf("Expected Host '192.168.1.1' from env, got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080 from env, got %d", config.Conf.HttpPort)
	}
	if config.Conf.Domain != "b.example" {
		t.Errorf("Expected Domain 'b.example' from env, got '%s'", config.Conf.Domain)
	}
	if config.Conf.ReplayWindow != 12*time.Hour {
		t.Errorf("Expected ReplayWindow 12h from env, got %s", config.Conf.ReplayWindow)
	}
	if config.Conf.RateLimitMax != 10 {
		t.Errorf("Expected RateLimitMax 10 from env, got %d", config.Conf.RateLimitMax)
	}
	if !config.Conf.AutoAcceptFollows {
		t.Error("Expected AutoAcceptFollows to be true from env")
	}
	if len(config.Conf.OperatorKeys) != 2 {
		t.Errorf("Expected 2 operator keys, got %d", len(config.Conf.OperatorKeys))
	}
}

func TestReadConfTuningFromEnv(t *testing.T) {
	writeConfig(t, "conf:\n  domain: a.example\n")

	t.Setenv("FEDCORE_ACTOR_CACHE_TTL", "30m")
	t.Setenv("FEDCORE_ACTOR_NEGATIVE_TTL", "2m")
	t.Setenv("FEDCORE_ACTOR_CACHE_SIZE", "500")
	t.Setenv("FEDCORE_FETCH_TIMEOUT", "3s")
	t.Setenv("FEDCORE_MAX_CLOCK_SKEW", "1h")
	t.Setenv("FEDCORE_INBOX_DEADLINE", "20s")
	t.Setenv("FEDCORE_MAX_BODY_BYTES", "2097152")
	t.Setenv("FEDCORE_DELIVERY_TIMEOUT", "15s")
	t.Setenv("FEDCORE_BACKOFF_BASE", "30s")
	t.Setenv("FEDCORE_BACKOFF_MULTIPLIER", "3.5")
	t.Setenv("FEDCORE_BACKOFF_CAP", "12h")
	t.Setenv("FEDCORE_POLL_INTERVAL", "5s")

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}
	c := config.Conf

	durations := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"ActorCacheTTL", c.ActorCacheTTL, 30 * time.Minute},
		{"ActorNegativeTTL", c.ActorNegativeTTL, 2 * time.Minute},
		{"FetchTimeout", c.FetchTimeout, 3 * time.Second},
		{"MaxClockSkew", c.MaxClockSkew, time.Hour},
		{"InboxDeadline", c.InboxDeadline, 20 * time.Second},
		{"DeliveryTimeout", c.DeliveryTimeout, 15 * time.Second},
		{"BackoffBase", c.BackoffBase, 30 * time.Second},
		{"BackoffCap", c.BackoffCap, 12 * time.Hour},
		{"PollInterval", c.PollInterval, 5 * time.Second},
	}
	for _, d := range durations {
		if d.got != d.want {
			t.Errorf("Expected %s %s from env, got %s", d.name, d.want, d.got)
		}
	}
	if c.ActorCacheSize != 500 {
		t.Errorf("Expected ActorCacheSize 500 from env, got %d", c.ActorCacheSize)
	}
	if c.MaxBodyBytes != 2<<20 {
		t.Errorf("Expected MaxBodyBytes 2MiB from env, got %d", c.MaxBodyBytes)
	}
	if c.BackoffMultiplier != 3.5 {
		t.Errorf("Expected BackoffMultiplier 3.5 from env, got %v", c.BackoffMultiplier)
	}
}

func TestReadConfInvalidYaml(t *testing.T) {
	writeConfig(t, `
conf:
  host: 127.0.0.1
  sshPort: not_a_number
  invalid yaml structure
`)

	if _, err := ReadConf(); err == nil {
		t.Error("Expected error when parsing invalid YAML")
	}
}

func TestReadConfInvalidEnv(t *testing.T) {
	writeConfig(t, `
conf:
  domain: a.example
`)
	tests := []struct {
		name  string
		value string
	}{
		{"FEDCORE_SSHPORT", "not_a_number"},
		{"FEDCORE_FETCH_TIMEOUT", "soon"},
		{"FEDCORE_BACKOFF_MULTIPLIER", "twice"},
		{"FEDCORE_MAX_BODY_BYTES", "1MiB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.name, tt.value)
			if _, err := ReadConf(); err == nil {
				t.Errorf("Expected error for invalid %s", tt.name)
			}
		})
	}
}

func TestReadConfValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero rate limit", "conf:\n  rateLimitMax: 0\n"},
		{"negative window", "conf:\n  replayWindow: -1h\n"},
		{"cap below base", "conf:\n  backoffBase: 1h\n  backoffCap: 1m\n"},
		{"bad log level", "conf:\n  logLevel: chatty\n"},
		{"port out of range", "conf:\n  httpPort: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.yaml)
			if _, err := ReadConf(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
