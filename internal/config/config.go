package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the orchestration service.
// Values come from defaults, an optional YAML file and SCRIBE_* env
// overrides, in increasing precedence.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Refine    RefineConfig    `mapstructure:"refine"`
	Sections  SectionsConfig  `mapstructure:"sections"`
	Session   SessionConfig   `mapstructure:"session"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	SessionDeadline time.Duration `mapstructure:"session_deadline"`
}

type LLMConfig struct {
	ServiceURL  string        `mapstructure:"service_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
}

type SearchConfig struct {
	MaxWorkers         int           `mapstructure:"max_workers"`
	MaxResultsPerQuery int           `mapstructure:"max_results_per_query"`
	DaysBack           int           `mapstructure:"days_back"`
	PerCallTimeout     time.Duration `mapstructure:"per_call_timeout"`
	WaveDeadline       time.Duration `mapstructure:"wave_deadline"`
	FallbackFloor      int           `mapstructure:"fallback_floor"`
	PreferredSources   []string      `mapstructure:"preferred_sources"`
	FallbackSources    []string      `mapstructure:"fallback_sources"`
	TavilyAPIKey       string        `mapstructure:"tavily_api_key"`
	NewsAPIKey         string        `mapstructure:"news_api_key"`
}

type RefineConfig struct {
	QualityThreshold float64 `mapstructure:"quality_threshold"`
	MaxIterations    int     `mapstructure:"max_iterations"`
	// StagnationRounds is the number of consecutive zero-growth rounds
	// tolerated before the loop stops.
	StagnationRounds int `mapstructure:"stagnation_rounds"`
}

type SectionsConfig struct {
	MaxWorkers        int           `mapstructure:"max_workers"`
	PerSectionTimeout time.Duration `mapstructure:"per_section_timeout"`
	MaxDocsPerSection int           `mapstructure:"max_docs_per_section"`
}

type SessionConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type StreamingConfig struct {
	RingCapacity     int `mapstructure:"ring_capacity"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

type RulesConfig struct {
	IntentRulesPath string `mapstructure:"intent_rules_path"`
	StylesPath      string `mapstructure:"styles_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from CONFIG_PATH (or ./config/scribe.yaml when
// unset), applying defaults first and SCRIBE_* environment overrides
// last. A missing file is not an error; defaults still apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/scribe.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	v.SetEnvPrefix("SCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Credentials come from the environment when not in the file.
	if cfg.Search.TavilyAPIKey == "" {
		cfg.Search.TavilyAPIKey = os.Getenv("TAVILY_API_KEY")
	}
	if cfg.Search.NewsAPIKey == "" {
		cfg.Search.NewsAPIKey = os.Getenv("NEWS_API_KEY")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8085")
	v.SetDefault("server.session_deadline", 20*time.Minute)

	v.SetDefault("llm.service_url", "http://llm-service:8000")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)

	v.SetDefault("search.max_workers", 6)
	v.SetDefault("search.max_results_per_query", 5)
	v.SetDefault("search.days_back", 7)
	v.SetDefault("search.per_call_timeout", 20*time.Second)
	v.SetDefault("search.wave_deadline", 90*time.Second)
	v.SetDefault("search.fallback_floor", 3)
	v.SetDefault("search.preferred_sources", []string{"tavily"})
	v.SetDefault("search.fallback_sources", []string{"arxiv", "newsapi"})

	v.SetDefault("refine.quality_threshold", 7.0)
	v.SetDefault("refine.max_iterations", 3)
	v.SetDefault("refine.stagnation_rounds", 2)

	v.SetDefault("sections.max_workers", 4)
	v.SetDefault("sections.per_section_timeout", 180*time.Second)
	v.SetDefault("sections.max_docs_per_section", 8)

	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.ttl", 24*time.Hour)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.path", "./scribe.db")

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.subscriber_buffer", 256)

	v.SetDefault("rules.intent_rules_path", "./config/intent_rules.yaml")
	v.SetDefault("rules.styles_path", "./config/styles.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
