package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Neo4j      Neo4jConfig
	Zilliz     ZillizConfig
	LLM        LLMConfig
	Scraper    ScraperConfig
	Classifier ClassifierConfig
	Scheduler  SchedulerConfig
	Ingestion  IngestionConfig
	Risk       RiskConfig
	Sources    map[string]SourceConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host                 string
	Port                 int
	ReadTimeout          int
	WriteTimeout         int
	BodyLimit            int
	MaxRequestsPerMinute int
	AllowedOrigins       []string
	Development          bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type ZillizConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

type ScraperConfig struct {
	UserAgent         string
	RequestTimeoutSec int
	MaxBodyBytes      int64
	ChromePath        string
}

type ClassifierConfig struct {
	MaxConcurrent   int64
	MaxRetries      int
	RetryDelayMs    int
	CallTimeoutSec  int
	CacheTTLMinutes int
}

type SchedulerConfig struct {
	Enabled         bool
	IntervalHours   int
	MaintenanceHour int
}

type IngestionConfig struct {
	MaxConcurrentSources int
}

// RiskConfig carries the loss thresholds used for amount-based risk levels and
// the severity cutoffs used to band numeric scores.
type RiskConfig struct {
	AmountMedium     float64
	AmountHigh       float64
	AmountCritical   float64
	SeverityMedium   float64
	SeverityHigh     float64
	SeverityCritical float64
}

type SourceConfig struct {
	Enabled      bool
	Name         string
	BaseURL      string
	MaxPages     int
	MaxArticles  int
	RateLimitSec float64
	Priority     int
	Profile      string
	Render       bool
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/defi-guard")

	v.SetEnvPrefix("DEFI_GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFile reads an explicit config file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEFI_GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return decode(v)
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for name, src := range config.Sources {
		if src.Name == "" {
			src.Name = name
		}
		config.Sources[name] = src
	}

	return &config, nil
}

// bindEnv lets the conventional OPENAI_API_KEY variable populate the LLM key.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("llm.apiKey", "DEFI_GUARD_LLM_APIKEY", "OPENAI_API_KEY")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.maxRequestsPerMinute", 60)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/defi_guard.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("zilliz.enabled", false)
	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "threat_incidents")
	v.SetDefault("zilliz.vectorDim", 1536)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-3.5-turbo")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 50)
	v.SetDefault("llm.timeoutSec", 10)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("scraper.userAgent", "DeFiGuard-OSINT-Bot/1.0")
	v.SetDefault("scraper.requestTimeoutSec", 30)
	v.SetDefault("scraper.maxBodyBytes", 5<<20)

	v.SetDefault("classifier.maxConcurrent", 2)
	v.SetDefault("classifier.maxRetries", 3)
	v.SetDefault("classifier.retryDelayMs", 1000)
	v.SetDefault("classifier.callTimeoutSec", 10)
	v.SetDefault("classifier.cacheTTLMinutes", 1440)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.intervalHours", 4)
	v.SetDefault("scheduler.maintenanceHour", 2)

	v.SetDefault("ingestion.maxConcurrentSources", 4)

	v.SetDefault("risk.amountMedium", 100_000)
	v.SetDefault("risk.amountHigh", 1_000_000)
	v.SetDefault("risk.amountCritical", 10_000_000)
	v.SetDefault("risk.severityMedium", 4.0)
	v.SetDefault("risk.severityHigh", 7.0)
	v.SetDefault("risk.severityCritical", 9.0)

	v.SetDefault("sources.rekt.enabled", true)
	v.SetDefault("sources.rekt.name", "Rekt News")
	v.SetDefault("sources.rekt.baseUrl", "https://rekt.news")
	v.SetDefault("sources.rekt.maxPages", 5)
	v.SetDefault("sources.rekt.maxArticles", 20)
	v.SetDefault("sources.rekt.rateLimitSec", 2.0)
	v.SetDefault("sources.rekt.priority", 1)
	v.SetDefault("sources.rekt.profile", "incident")

	v.SetDefault("sources.chainalysis.enabled", true)
	v.SetDefault("sources.chainalysis.name", "Chainalysis")
	v.SetDefault("sources.chainalysis.baseUrl", "https://blog.chainalysis.com")
	v.SetDefault("sources.chainalysis.maxPages", 3)
	v.SetDefault("sources.chainalysis.maxArticles", 15)
	v.SetDefault("sources.chainalysis.rateLimitSec", 3.0)
	v.SetDefault("sources.chainalysis.priority", 2)
	v.SetDefault("sources.chainalysis.profile", "analytical")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}

// Validate checks ranges and cross-field ordering. Sources are validated in
// name order so error messages are stable.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Server.MaxRequestsPerMinute, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := validation.ValidateStruct(&c.SQLite,
		validation.Field(&c.SQLite.Path, validation.Required),
	); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}

	if err := validation.ValidateStruct(&c.Scraper,
		validation.Field(&c.Scraper.UserAgent, validation.Required),
		validation.Field(&c.Scraper.RequestTimeoutSec, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("scraper: %w", err)
	}

	if err := validation.ValidateStruct(&c.Classifier,
		validation.Field(&c.Classifier.MaxConcurrent, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.Classifier.MaxRetries, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	if err := validation.ValidateStruct(&c.Scheduler,
		validation.Field(&c.Scheduler.IntervalHours, validation.Required, validation.Min(1)),
		validation.Field(&c.Scheduler.MaintenanceHour, validation.Min(0), validation.Max(23)),
	); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	r := c.Risk
	if !(r.AmountMedium > 0 && r.AmountMedium < r.AmountHigh && r.AmountHigh < r.AmountCritical) {
		return fmt.Errorf("risk: amount thresholds must be positive and increasing (%.0f, %.0f, %.0f)",
			r.AmountMedium, r.AmountHigh, r.AmountCritical)
	}
	if !(r.SeverityMedium < r.SeverityHigh && r.SeverityHigh < r.SeverityCritical && r.SeverityCritical <= 10) {
		return fmt.Errorf("risk: severity cutoffs must be increasing and at most 10")
	}

	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		src := c.Sources[name]
		if err := validation.ValidateStruct(&src,
			validation.Field(&src.BaseURL, validation.Required, is.URL),
			validation.Field(&src.MaxPages, validation.Min(1)),
			validation.Field(&src.MaxArticles, validation.Min(1)),
			validation.Field(&src.RateLimitSec, validation.Min(0.0)),
			validation.Field(&src.Profile, validation.In("incident", "analytical")),
		); err != nil {
			return fmt.Errorf("sources.%s: %w", name, err)
		}
	}

	return nil
}

func (c *ScraperConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (s SourceConfig) RateLimit() time.Duration {
	return time.Duration(s.RateLimitSec * float64(time.Second))
}

func (c *SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}
