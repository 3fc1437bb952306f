package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location; LIBRARY_CONFIG overrides it.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string   `yaml:"port"`
	DatabaseURL              string   `yaml:"databaseURL"`
	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	LogLevel                 string   `yaml:"logLevel"`
	TokenSecret              string   `yaml:"tokenSecret"`
	TokenIssuer              string   `yaml:"tokenIssuer"`
	TokenTTL                 string   `yaml:"tokenTTL"`
	TokenLeeway              string   `yaml:"tokenLeeway"`
	ScheduleClearAt          string   `yaml:"scheduleClearAt"`
	AuditSink                string   `yaml:"auditSink"`
	AuditBuffer              int      `yaml:"auditBuffer"`
	AuditStream              string   `yaml:"auditStream"`
	KafkaBrokers             []string `yaml:"kafkaBrokers"`
	KafkaTopic               string   `yaml:"kafkaTopic"`
	MinioEndpoint            string   `yaml:"minioEndpoint"`
	MinioAccessKey           string   `yaml:"minioAccessKey"`
	MinioSecretKey           string   `yaml:"minioSecretKey"`
	MinioBucket              string   `yaml:"minioBucket"`
	MinioUseSSL              bool     `yaml:"minioUseSSL"`
	MaxCoverBytes            int64    `yaml:"maxCoverBytes"`
	CorsAllowedOrigins       []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCIDRs"`
	HSTSMaxAge               string   `yaml:"hstsMaxAge"`
	ContentSecurityPolicy    string   `yaml:"contentSecurityPolicy"`
	SignupRateLimitPerMinute int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int      `yaml:"loginRateLimitPerMinute"`
	SuperuserEmail           string   `yaml:"superuserEmail"`
	SuperuserPassword        string   `yaml:"superuserPassword"`
	SuperuserFullName        string   `yaml:"superuserFullName"`
}

// Load reads config from path (defaults to LIBRARY_CONFIG, then config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("LIBRARY_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LIBRARY_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("LIBRARY_TOKEN_TTL"); v != "" {
		cfg.TokenTTL = v
	}
	if v := os.Getenv("LIBRARY_SCHEDULE_CLEAR_AT"); v != "" {
		cfg.ScheduleClearAt = v
	}
	if v := os.Getenv("LIBRARY_AUDIT_SINK"); v != "" {
		cfg.AuditSink = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitCSV(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("LIBRARY_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CorsAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("LIBRARY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("LIBRARY_HSTS_MAX_AGE"); v != "" {
		cfg.HSTSMaxAge = v
	}
	if v := os.Getenv("LIBRARY_CONTENT_SECURITY_POLICY"); v != "" {
		cfg.ContentSecurityPolicy = v
	}
	if v := os.Getenv("LIBRARY_SIGNUP_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SignupRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LIBRARY_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LIBRARY_SUPERUSER_EMAIL"); v != "" {
		cfg.SuperuserEmail = v
	}
	if v := os.Getenv("LIBRARY_SUPERUSER_PASSWORD"); v != "" {
		cfg.SuperuserPassword = v
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.TokenIssuer == "" {
		cfg.TokenIssuer = "libraryhub"
	}
	if cfg.TokenTTL == "" {
		cfg.TokenTTL = "24h"
	}
	if cfg.ScheduleClearAt == "" {
		cfg.ScheduleClearAt = "18:00"
	}
	if cfg.AuditSink == "" {
		cfg.AuditSink = "memory"
	}
	if cfg.AuditBuffer <= 0 {
		cfg.AuditBuffer = 1024
	}
	if cfg.AuditStream == "" {
		cfg.AuditStream = "libraryhub:audit"
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "library.audit"
	}
	if cfg.MaxCoverBytes <= 0 {
		cfg.MaxCoverBytes = 5 << 20
	}
	if cfg.HSTSMaxAge == "" {
		cfg.HSTSMaxAge = "8760h"
	}
	if cfg.SuperuserFullName == "" {
		cfg.SuperuserFullName = "Library Admin"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if len(cfg.TokenSecret) < 32 {
		return errors.New("config: tokenSecret must be at least 32 bytes (set LIBRARY_TOKEN_SECRET)")
	}
	if _, err := ParseTokenTTL(cfg.TokenTTL); err != nil {
		return err
	}
	if _, err := ParseLeeway(cfg.TokenLeeway); err != nil {
		return err
	}
	if _, err := ParseClock(cfg.ScheduleClearAt); err != nil {
		return err
	}
	switch cfg.AuditSink {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: auditSink redis requires redisAddr")
		}
	default:
		return fmt.Errorf("config: unknown auditSink %q (memory|redis)", cfg.AuditSink)
	}
	if _, err := ParseHSTSMaxAge(cfg.HSTSMaxAge); err != nil {
		return err
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if (cfg.SuperuserEmail == "") != (cfg.SuperuserPassword == "") {
		return errors.New("config: superuserEmail and superuserPassword must be set together")
	}
	return nil
}

// ParseTokenTTL parses the access token lifetime.
func ParseTokenTTL(ttlStr string) (time.Duration, error) {
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid tokenTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("invalid tokenTTL duration: must be > 0")
	}
	return dur, nil
}

// ParseLeeway parses optional token verification leeway.
func ParseLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil || dur < 0 {
		return 0, fmt.Errorf("invalid tokenLeeway duration: %q", leewayStr)
	}
	return dur, nil
}

// ParseHSTSMaxAge parses the Strict-Transport-Security lifetime; "0"
// disables the header.
func ParseHSTSMaxAge(value string) (time.Duration, error) {
	dur, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || dur < 0 {
		return 0, fmt.Errorf("invalid hstsMaxAge duration: %q", value)
	}
	return dur, nil
}

// ParseClock parses an "HH:MM" time of day into an offset from midnight.
func ParseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid scheduleClearAt %q: want HH:MM", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
