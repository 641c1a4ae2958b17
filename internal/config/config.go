package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrationsDir"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	InitialAdminKey string `yaml:"initialAdminKey"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

// ProviderLimitConfig describes the quota shape of one external
// provider. Mode is "window" (RequestsPerWindow per WindowSeconds) or
// "interval" (at most one request per MinIntervalMs).
type ProviderLimitConfig struct {
	Mode              string `yaml:"mode"`
	RequestsPerWindow int    `yaml:"requestsPerWindow"`
	WindowSeconds     int    `yaml:"windowSeconds"`
	MinIntervalMs     int    `yaml:"minIntervalMs"`
}

// ProviderConfig holds the engine-wide settings for one external
// provider. Credentials are per tenant (TenantConfig); the base URL,
// quota, retry budget, and stage timeout are global since the rate
// limit is bound to the engine's single API credential pool.
type ProviderConfig struct {
	BaseURL             string              `yaml:"baseURL"`
	TimeoutMs           int                 `yaml:"timeoutMs"`
	MaxRetries          int                 `yaml:"maxRetries"`
	StageTimeoutMinutes int                 `yaml:"stageTimeoutMinutes"`
	Limit               ProviderLimitConfig `yaml:"limit"`
}

type ProvidersConfig struct {
	Render  ProviderConfig `yaml:"render"`
	Caption ProviderConfig `yaml:"caption"`
	Publish ProviderConfig `yaml:"publish"`
}

// TenantCredential is one tenant's credential set for a provider.
// AvatarID/VoiceID apply to the render provider, Template to caption,
// ProfileID to publish; the rest ignore them.
type TenantCredential struct {
	APIKey        string `yaml:"apiKey"`
	WebhookSecret string `yaml:"webhookSecret"`
	ProfileID     string `yaml:"profileId"`
	AvatarID      string `yaml:"avatarId"`
	VoiceID       string `yaml:"voiceId"`
	Template      string `yaml:"template"`
}

// TenantConfig declares a brand: an isolated queue and credential set
// sharing the engine and the provider rate limits.
type TenantConfig struct {
	Slug      string           `yaml:"slug"`
	Name      string           `yaml:"name"`
	APIKey    string           `yaml:"apiKey"`
	Platforms []string         `yaml:"platforms"`
	Render    TenantCredential `yaml:"render"`
	Caption   TenantCredential `yaml:"caption"`
	Publish   TenantCredential `yaml:"publish"`
}

// SweeperConfig controls the recovery sweep for workflows whose
// provider never delivered a webhook.
type SweeperConfig struct {
	IntervalMs int `yaml:"intervalMs"`
	BatchSize  int `yaml:"batchSize"`
	LockTTLMs  int `yaml:"lockTtlMs"`
}

// RetentionConfig controls TTL-like deletion of terminal workflows and
// webhook audit rows so that the database does not grow without bound.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	WorkflowDays           int  `yaml:"workflowDays"`
	WebhookEventDays       int  `yaml:"webhookEventDays"`
}

type WebhookConfig struct {
	BaseURL string `yaml:"baseURL"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Providers ProvidersConfig `yaml:"providers"`
	Tenants   []TenantConfig  `yaml:"tenants"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Retention RetentionConfig `yaml:"retention"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// Tenant returns the declared tenant config for a slug, or nil.
func (c *Config) Tenant(slug string) *TenantConfig {
	for i := range c.Tenants {
		if c.Tenants[i].Slug == slug {
			return &c.Tenants[i]
		}
	}
	return nil
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return &cfg
}
