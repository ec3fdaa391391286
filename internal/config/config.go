package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Workspace  WorkspaceConfig  `yaml:"workspace" mapstructure:"workspace"`
	Remote     RemoteConfig     `yaml:"remote" mapstructure:"remote"`
	Reddit     RedditConfig     `yaml:"reddit" mapstructure:"reddit"`
	News       NewsConfig       `yaml:"news" mapstructure:"news"`
	Analysis   AnalysisConfig   `yaml:"analysis" mapstructure:"analysis"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	RunLog     RunLogConfig     `yaml:"runlog" mapstructure:"runlog"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// WorkspaceConfig names the local data root and its zone directories.
type WorkspaceConfig struct {
	BaseDir      string `yaml:"base_dir" mapstructure:"base_dir"`
	RawDir       string `yaml:"raw_dir" mapstructure:"raw_dir"`
	ProcessedDir string `yaml:"processed_dir" mapstructure:"processed_dir"`
	ResultsDir   string `yaml:"results_dir" mapstructure:"results_dir"`
	PublishedDir string `yaml:"published_dir" mapstructure:"published_dir"`
	RequestsDir  string `yaml:"requests_dir" mapstructure:"requests_dir"`
}

// RemoteConfig configures the object-storage backend of the result store.
type RemoteConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Region          string `yaml:"region" mapstructure:"region"`
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style" mapstructure:"use_path_style"`
	// FailureThreshold is the number of consecutive remote failures after
	// which the backend is treated as unreachable.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetSecs        int `yaml:"reset_secs" mapstructure:"reset_secs"`
}

// RedditConfig configures the Reddit content source.
type RedditConfig struct {
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent         string `yaml:"user_agent" mapstructure:"user_agent"`
	RequestIntervalMS int    `yaml:"request_interval_ms" mapstructure:"request_interval_ms"`
	MaxPosts          int    `yaml:"max_posts" mapstructure:"max_posts"`
	CommentWorkers    int    `yaml:"comment_workers" mapstructure:"comment_workers"`
	TimeoutSecs       int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// NewsConfig configures the optional NewsAPI source.
type NewsConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Key      string `yaml:"key" mapstructure:"key"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	Language string `yaml:"language" mapstructure:"language"`
	PageSize int    `yaml:"page_size" mapstructure:"page_size"`
}

// AnalysisConfig points the analysis stages at the model service.
type AnalysisConfig struct {
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	Key             string `yaml:"key" mapstructure:"key"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	KeywordFallback bool   `yaml:"keyword_fallback" mapstructure:"keyword_fallback"`
	KeywordsPerText int    `yaml:"keywords_per_text" mapstructure:"keywords_per_text"`
}

// PipelineConfig configures orchestrator behavior.
type PipelineConfig struct {
	MaxParallelStages int `yaml:"max_parallel_stages" mapstructure:"max_parallel_stages"`
}

// BatchConfig configures the scheduler adapter.
type BatchConfig struct {
	MaxConcurrentCompanies int `yaml:"max_concurrent_companies" mapstructure:"max_concurrent_companies"`
	WindowDays             int `yaml:"window_days" mapstructure:"window_days"`
	PollIntervalSecs       int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// RunLogConfig configures the pipeline run ledger. An empty driver disables it.
type RunLogConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the query API server.
type ServerConfig struct {
	Host           string   `yaml:"host" mapstructure:"host"`
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background alert checker run by serve.
// An empty webhook URL keeps alerts in the log only.
type MonitoringConfig struct {
	WebhookURL                string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs         int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours       int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold      float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StageFailureRateThreshold float64 `yaml:"stage_failure_rate_threshold" mapstructure:"stage_failure_rate_threshold"`
	BacklogThreshold          int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (if present) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path and environment. An empty path
// searches the working directory for an optional config.yaml; an explicit
// path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("REPUSENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Defaults returns the configuration produced by the default table alone.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.base_dir", "data")
	v.SetDefault("workspace.raw_dir", "data_storage")
	v.SetDefault("workspace.processed_dir", "processed_data")
	v.SetDefault("workspace.results_dir", "nlp_results")
	v.SetDefault("workspace.published_dir", "api_data")
	v.SetDefault("workspace.requests_dir", "api_requests")
	v.SetDefault("remote.enabled", false)
	v.SetDefault("remote.bucket", "repusense-results")
	v.SetDefault("remote.region", "us-east-1")
	v.SetDefault("remote.failure_threshold", 3)
	v.SetDefault("remote.reset_secs", 60)
	v.SetDefault("reddit.base_url", "https://www.reddit.com")
	v.SetDefault("reddit.user_agent", "repusense/1.0")
	v.SetDefault("reddit.request_interval_ms", 2000)
	v.SetDefault("reddit.max_posts", 0)
	v.SetDefault("reddit.comment_workers", 4)
	v.SetDefault("reddit.timeout_secs", 30)
	v.SetDefault("news.enabled", false)
	v.SetDefault("news.base_url", "https://newsapi.org/v2")
	v.SetDefault("news.language", "en")
	v.SetDefault("news.page_size", 100)
	v.SetDefault("analysis.timeout_secs", 120)
	v.SetDefault("analysis.keyword_fallback", true)
	v.SetDefault("analysis.keywords_per_text", 5)
	v.SetDefault("pipeline.max_parallel_stages", 4)
	v.SetDefault("batch.max_concurrent_companies", 3)
	v.SetDefault("batch.window_days", 7)
	v.SetDefault("batch.poll_interval_secs", 60)
	v.SetDefault("runlog.driver", "sqlite")
	v.SetDefault("runlog.database_url", "data/runs.db")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.stage_failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.backlog_threshold", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings a given command depends on.
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Workspace.BaseDir == "" {
		problems = append(problems, "workspace.base_dir is required")
	}
	if c.Remote.Enabled && c.Remote.Bucket == "" {
		problems = append(problems, "remote.bucket is required when remote.enabled is set")
	}
	if c.News.Enabled && c.News.Key == "" {
		problems = append(problems, "news.key is required when news.enabled is set")
	}
	if c.Pipeline.MaxParallelStages < 1 {
		problems = append(problems, "pipeline.max_parallel_stages must be at least 1")
	}

	switch c.RunLog.Driver {
	case "", "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("runlog.driver %q is not supported", c.RunLog.Driver))
	}
	if c.RunLog.Driver != "" && c.RunLog.DatabaseURL == "" {
		problems = append(problems, "runlog.database_url is required when runlog.driver is set")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
	case "batch":
		if c.Batch.MaxConcurrentCompanies < 1 {
			problems = append(problems, "batch.max_concurrent_companies must be at least 1")
		}
		if c.Batch.WindowDays < 1 {
			problems = append(problems, "batch.window_days must be at least 1")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
