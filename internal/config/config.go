package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Lark     LarkConfig     `mapstructure:"lark"`
	Arcade   ArcadeConfig   `mapstructure:"arcade"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Report   ReportConfig   `mapstructure:"report"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// OpenAIConfig holds LLM API configuration
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LarkConfig holds the verification chat configuration
type LarkConfig struct {
	AppID              string        `mapstructure:"app_id"`
	AppSecret          string        `mapstructure:"app_secret"`
	VerificationChatID string        `mapstructure:"verification_chat_id"`
	APITimeout         time.Duration `mapstructure:"api_timeout"`
}

// ArcadeConfig holds tool-execution worker configuration
type ArcadeConfig struct {
	WorkerURL    string        `mapstructure:"worker_url"`
	WorkerSecret string        `mapstructure:"worker_secret"`
	UserID       string        `mapstructure:"user_id"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SourcesConfig holds work item source configuration
type SourcesConfig struct {
	DocumentsDir      string        `mapstructure:"documents_dir"`
	SpoolDir          string        `mapstructure:"spool_dir"`
	EmailEnabled      bool          `mapstructure:"email_enabled"`
	EmailPollInterval time.Duration `mapstructure:"email_poll_interval"`
}

// WorkflowConfig holds workflow engine tuning
type WorkflowConfig struct {
	ReplyTimeout      time.Duration `mapstructure:"reply_timeout"`
	ReplyPollInterval time.Duration `mapstructure:"reply_poll_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	IdleWait          time.Duration `mapstructure:"idle_wait"`
}

// ReportConfig holds onboarding report configuration
type ReportConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	bindEnvVars()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("database.path", "data/orbworkflow.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	viper.SetDefault("openai.model", "gpt-4o")
	viper.SetDefault("openai.temperature", 0.1)
	viper.SetDefault("openai.timeout", 60*time.Second)

	viper.SetDefault("lark.api_timeout", 30*time.Second)

	viper.SetDefault("arcade.worker_url", "http://127.0.0.1:8002")
	viper.SetDefault("arcade.user_id", "workflow_system@example.com")
	viper.SetDefault("arcade.timeout", 30*time.Second)

	viper.SetDefault("sources.documents_dir", "documents")
	viper.SetDefault("sources.spool_dir", "data/spool")
	viper.SetDefault("sources.email_enabled", false)
	viper.SetDefault("sources.email_poll_interval", time.Minute)

	viper.SetDefault("workflow.reply_timeout", 10*time.Minute)
	viper.SetDefault("workflow.reply_poll_interval", 10*time.Second)
	viper.SetDefault("workflow.max_retries", 5)
	viper.SetDefault("workflow.idle_wait", 5*time.Second)

	viper.SetDefault("report.output_dir", "reports")

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars() {
	// Sensitive credentials from environment
	viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("lark.app_id", "LARK_APP_ID")
	viper.BindEnv("lark.app_secret", "LARK_APP_SECRET")
	viper.BindEnv("lark.verification_chat_id", "LARK_VERIFICATION_CHAT_ID")
	viper.BindEnv("arcade.worker_url", "ARCADE_WORKER_URL")
	viper.BindEnv("arcade.worker_secret", "ARCADE_WORKER_SECRET")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}

	if c.Lark.AppID == "" {
		return fmt.Errorf("lark.app_id is required")
	}
	if c.Lark.AppSecret == "" {
		return fmt.Errorf("lark.app_secret is required")
	}
	if c.Lark.VerificationChatID == "" {
		return fmt.Errorf("lark.verification_chat_id is required")
	}

	if c.Arcade.WorkerSecret == "" {
		return fmt.Errorf("arcade.worker_secret is required")
	}

	if c.Workflow.MaxRetries < 1 {
		return fmt.Errorf("workflow.max_retries must be at least 1")
	}

	return nil
}
