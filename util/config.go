package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const Name = "fedcore"
const ConfigFileName = "config.yaml"
const EnvPrefix = "FEDCORE_"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host     string `yaml:"host" validate:"required"`
		SshPort  int    `yaml:"sshPort" validate:"min=1,max=65535"`
		HttpPort int    `yaml:"httpPort" validate:"min=1,max=65535"`
		Domain   string `yaml:"domain" validate:"required"`

		DbPath      string `yaml:"dbPath" validate:"required"`
		DatabaseURL string `yaml:"databaseUrl"`
		RedisAddr   string `yaml:"redisAddr"`

		ReplayWindow     time.Duration `yaml:"replayWindow" validate:"gt=0"`
		RateLimitWindow  time.Duration `yaml:"rateLimitWindow" validate:"gt=0"`
		RateLimitMax     int64         `yaml:"rateLimitMax" validate:"gt=0"`
		ActorCacheTTL    time.Duration `yaml:"actorCacheTtl" validate:"gt=0"`
		ActorNegativeTTL time.Duration `yaml:"actorNegativeTtl" validate:"gte=0"`
		ActorCacheSize   int           `yaml:"actorCacheSize" validate:"gt=0"`
		FetchTimeout     time.Duration `yaml:"fetchTimeout" validate:"gt=0"`
		MaxClockSkew     time.Duration `yaml:"maxClockSkew" validate:"gt=0"`
		InboxDeadline    time.Duration `yaml:"inboxDeadline" validate:"gt=0"`
		MaxBodyBytes     int64         `yaml:"maxBodyBytes" validate:"gt=0"`

		DeliveryWorkers   int           `yaml:"deliveryWorkers" validate:"gt=0"`
		DeliveryTimeout   time.Duration `yaml:"deliveryTimeout" validate:"gt=0"`
		MaxAttempts       int           `yaml:"maxAttempts" validate:"gt=0"`
		BackoffBase       time.Duration `yaml:"backoffBase" validate:"gt=0"`
		BackoffMultiplier float64       `yaml:"backoffMultiplier" validate:"gte=1"`
		BackoffCap        time.Duration `yaml:"backoffCap" validate:"gtefield=BackoffBase"`
		PollInterval      time.Duration `yaml:"pollInterval" validate:"gt=0"`

		AutoAcceptFollows bool     `yaml:"autoAcceptFollows"`
		OperatorKeys      []string `yaml:"operatorKeys"`
		AdminToken        string   `yaml:"adminToken"`

		LogLevel    string `yaml:"logLevel" validate:"oneof=debug info warn error"`
		Development bool   `yaml:"development"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// .env is optional, variables already set in the environment win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load .env: %v", err)
	}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	// Defaults first so a partial config file only overrides what it names
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks the loaded configuration.
func (c *AppConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *AppConfig) applyEnv() error {
	conf := &c.Conf
	var errs []string
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(name string, dst *int64) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("HOST", &conf.Host)
	num("SSHPORT", &conf.SshPort)
	num("HTTPPORT", &conf.HttpPort)
	str("DOMAIN", &conf.Domain)
	str("DB_PATH", &conf.DbPath)
	str("DATABASE_URL", &conf.DatabaseURL)
	str("REDIS_ADDR", &conf.RedisAddr)
	dur("REPLAY_WINDOW", &conf.ReplayWindow)
	dur("RATE_LIMIT_WINDOW", &conf.RateLimitWindow)
	num64("RATE_LIMIT_MAX", &conf.RateLimitMax)
	dur("ACTOR_CACHE_TTL", &conf.ActorCacheTTL)
	dur("ACTOR_NEGATIVE_TTL", &conf.ActorNegativeTTL)
	num("ACTOR_CACHE_SIZE", &conf.ActorCacheSize)
	dur("FETCH_TIMEOUT", &conf.FetchTimeout)
	dur("MAX_CLOCK_SKEW", &conf.MaxClockSkew)
	dur("INBOX_DEADLINE", &conf.InboxDeadline)
	num64("MAX_BODY_BYTES", &conf.MaxBodyBytes)

	num("DELIVERY_WORKERS", &conf.DeliveryWorkers)
	dur("DELIVERY_TIMEOUT", &conf.DeliveryTimeout)
	num("MAX_ATTEMPTS", &conf.MaxAttempts)
	dur("BACKOFF_BASE", &conf.BackoffBase)
	float("BACKOFF_MULTIPLIER", &conf.BackoffMultiplier)
	dur("BACKOFF_CAP", &conf.BackoffCap)
	dur("POLL_INTERVAL", &conf.PollInterval)

	str("ADMIN_TOKEN", &conf.AdminToken)
	str("LOG_LEVEL", &conf.LogLevel)

	if v := os.Getenv(EnvPrefix + "AUTO_ACCEPT_FOLLOWS"); v != "" {
		conf.AutoAcceptFollows = v == "true"
	}
	if v := os.Getenv(EnvPrefix + "OPERATOR_KEYS"); v != "" {
		conf.OperatorKeys = strings.Split(v, ";")
	}

	if len(errs) > 0 {
		return fmt.Errorf("in environment: %s", strings.Join(errs, "; "))
	}
	return nil
}
