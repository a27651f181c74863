package config

import (
	"fmt"
	"os"
	"time"
)

// IMAPConfig represents the connection to the remote mailbox
type IMAPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Auth               string
	TLS                bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Address returns host:port
func (c IMAPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OAuth2Config represents the OAuth2 client used for IMAP XOAUTH
type OAuth2Config struct {
	Provider     string
	ClientID     string
	ClientSecret string
	Tenant       string
	RedirectURL  string
	TokenFile    string
}

// SweepConfig represents the folder sweep loop settings
type SweepConfig struct {
	Interval      time.Duration
	Count         int
	Workers       int
	SkipUnchanged bool
	DryRun        bool
	MaxExpansions int
}

// CacheConfig represents the filter cache backend
type CacheConfig struct {
	Type             string
	TTL              time.Duration
	CleanupFrequency time.Duration
	SQLitePath       string
	MySQLDSN         string
	PostgresDSN      string
	PostgresMaxConns int
	DynamoDBRegion   string
	DynamoDBTable    string
	DynamoDBEndpoint string
}

// SMTPConfig represents the relay used by notify rules
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS is one of "starttls", "tls" (implicit TLS) or "none"
	TLS string
}

// Address returns host:port
func (c SMTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig represents the Prometheus endpoint
type MetricsConfig struct {
	ListenAddress string
	Path          string
}

// SpamConfig represents the defaults of spam rules
type SpamConfig struct {
	Threshold          float64
	WhitelistedDomains []string
}

// LLMConfig represents the configuration for the LLM provider
type LLMConfig struct {
	Provider string
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// GetIMAP returns the IMAP configuration
func (c *Config) GetIMAP() (IMAPConfig, error) {
	timeout, err := c.GetDuration("imap.timeout")
	if err != nil {
		return IMAPConfig{}, err
	}
	return IMAPConfig{
		Host:               c.GetString("imap.host"),
		Port:               c.GetInt("imap.port"),
		Username:           c.GetString("imap.username"),
		Password:           c.GetString("imap.password"),
		Auth:               c.GetString("imap.auth"),
		TLS:                c.GetBool("imap.tls"),
		InsecureSkipVerify: c.GetBool("imap.insecure_skip_verify"),
		Timeout:            timeout,
	}, nil
}

// GetOAuth2 returns the OAuth2 configuration
func (c *Config) GetOAuth2() OAuth2Config {
	return OAuth2Config{
		Provider:     c.GetString("oauth2.provider"),
		ClientID:     c.GetString("oauth2.client_id"),
		ClientSecret: c.GetString("oauth2.client_secret"),
		Tenant:       c.GetString("oauth2.tenant"),
		RedirectURL:  c.GetString("oauth2.redirect_url"),
		TokenFile:    os.ExpandEnv(c.GetString("oauth2.token_file")),
	}
}

// GetSweep returns the sweep configuration
func (c *Config) GetSweep() (SweepConfig, error) {
	interval, err := c.GetDuration("sweep.interval")
	if err != nil {
		return SweepConfig{}, err
	}
	return SweepConfig{
		Interval:      interval,
		Count:         c.GetInt("sweep.count"),
		Workers:       c.GetInt("sweep.workers"),
		SkipUnchanged: c.GetBool("sweep.skip_unchanged"),
		DryRun:        c.GetBool("sweep.dry_run"),
		MaxExpansions: c.GetInt("filter.max_expansions"),
	}, nil
}

// GetCache returns the cache configuration
func (c *Config) GetCache() (CacheConfig, error) {
	ttl, err := c.GetDuration("cache.ttl")
	if err != nil {
		return CacheConfig{}, err
	}
	cleanupFreq, err := c.GetDuration("cache.cleanup_frequency")
	if err != nil {
		return CacheConfig{}, err
	}
	return CacheConfig{
		Type:             c.GetString("cache.type"),
		TTL:              ttl,
		CleanupFrequency: cleanupFreq,
		SQLitePath:       c.GetString("cache.sqlite_path"),
		MySQLDSN:         c.GetString("cache.mysql_dsn"),
		PostgresDSN:      c.GetString("cache.postgres_dsn"),
		PostgresMaxConns: c.GetInt("cache.postgres_max_conns"),
		DynamoDBRegion:   c.GetString("cache.dynamodb_region"),
		DynamoDBTable:    c.GetString("cache.dynamodb_table"),
		DynamoDBEndpoint: c.GetString("cache.dynamodb_endpoint"),
	}, nil
}

// GetSMTP returns the SMTP configuration
func (c *Config) GetSMTP() SMTPConfig {
	return SMTPConfig{
		Host:     c.GetString("smtp.host"),
		Port:     c.GetInt("smtp.port"),
		Username: c.GetString("smtp.username"),
		Password: c.GetString("smtp.password"),
		From:     c.GetString("smtp.from"),
		TLS:      c.GetString("smtp.tls"),
	}
}

// GetMetrics returns the metrics configuration
func (c *Config) GetMetrics() MetricsConfig {
	return MetricsConfig{
		ListenAddress: c.GetString("metrics.listen_address"),
		Path:          c.GetString("metrics.path"),
	}
}

// GetSpam returns the spam rule defaults
func (c *Config) GetSpam() SpamConfig {
	return SpamConfig{
		Threshold:          c.GetFloat64("spam.threshold"),
		WhitelistedDomains: c.GetStringSlice("spam.whitelisted_domains"),
	}
}

// GetLLM returns the LLM configuration
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		Provider: c.GetString("llm.provider"),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
		MaxBodySize: c.GetInt("bedrock.max_body_size"),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
		MaxBodySize: c.GetInt("gemini.max_body_size"),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		BaseURL:     c.GetString("openai.base_url"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
		MaxBodySize: c.GetInt("openai.max_body_size"),
	}
}
