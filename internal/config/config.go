// Package config loads worker configuration from a YAML file with
// environment overrides. Every field has a usable default so the worker
// starts against a local stack with no config file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full worker configuration tree.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ollama   OllamaConfig   `mapstructure:"ollama"`
	Solr     SolrConfig     `mapstructure:"solr"`
	Feedback FeedbackConfig `mapstructure:"feedback"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// QueueKey is the Redis list used as the job queue.
	QueueKey string `mapstructure:"queue_key"`
}

type ModelConfig struct {
	Name          string  `mapstructure:"name"`
	Temperature   float64 `mapstructure:"temperature"`
	RepeatPenalty float64 `mapstructure:"repeat_penalty"`
}

type OllamaConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ChatModel  ModelConfig   `mapstructure:"chat_model"`
	TitleModel ModelConfig   `mapstructure:"title_model"`
}

type SolrConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Core         string        `mapstructure:"core"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxResults   int           `mapstructure:"max_results"`
	SnippetRunes int           `mapstructure:"snippet_runes"`
}

type FeedbackConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PipelineConfig struct {
	// VocabularyPath points at the classifier keyword table; empty uses the
	// built-in default vocabulary.
	VocabularyPath string `mapstructure:"vocabulary_path"`
	// TranslationRetries is additional attempts after the first.
	TranslationRetries int           `mapstructure:"translation_retries"`
	TranslationTimeout time.Duration `mapstructure:"translation_timeout"`
	// TitleMaxRunes caps generated chat titles.
	TitleMaxRunes int `mapstructure:"title_max_runes"`
}

type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from path, or from CONFIG_PATH when path is
// empty, falling back to defaults when no file exists. Environment
// variables override file values with an AVIARY_ prefix and underscores for
// nesting, e.g. AVIARY_POSTGRES_HOST.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AVIARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "/app/config/aviary.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		// A missing file means defaults plus env; anything else is fatal.
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "aviary")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "aviary")
	v.SetDefault("postgres.ssl_mode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_key", "aviary:jobs")

	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.timeout", 5*time.Minute)
	v.SetDefault("ollama.chat_model.name", "llama3.1:8b")
	v.SetDefault("ollama.chat_model.temperature", 0.7)
	v.SetDefault("ollama.chat_model.repeat_penalty", 1.1)
	v.SetDefault("ollama.title_model.name", "llama3.1:8b")
	v.SetDefault("ollama.title_model.temperature", 0.5)

	v.SetDefault("solr.base_url", "http://localhost:8983")
	v.SetDefault("solr.core", "documents")
	v.SetDefault("solr.timeout", 10*time.Second)
	v.SetDefault("solr.max_results", 5)
	v.SetDefault("solr.snippet_runes", 3000)

	v.SetDefault("feedback.base_url", "http://localhost:8100")
	v.SetDefault("feedback.timeout", 10*time.Second)

	v.SetDefault("pipeline.vocabulary_path", "")
	v.SetDefault("pipeline.translation_retries", 1)
	v.SetDefault("pipeline.translation_timeout", 60*time.Second)
	v.SetDefault("pipeline.title_max_runes", 15)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)

	v.SetDefault("metrics.addr", ":9090")
}
