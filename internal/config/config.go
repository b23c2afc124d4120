// Package config defines the process configuration for the agent.
// Values are read from an optional YAML file and from environment
// variables, the latter taking precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Debug toggles debug logging and per-step debug artifacts
// (screenshots, HTML dumps).
var Debug bool

type ctxKey string

// LoggerCtxKey is the context key under which a per-run logger travels.
const LoggerCtxKey ctxKey = "logger"

// LLMConfig configures the model used to interpret free-text scenario steps.
type LLMConfig struct {
	BaseURL   string `yaml:"base_url" env:"LLM_BASE_URL" env-default:"https://generativelanguage.googleapis.com/v1beta/openai"`
	APIKey    string `yaml:"api_key" env:"LLM_API_KEY"`
	Model     string `yaml:"model" env:"LLM_MODEL" env-default:"gemini-1.5-flash"`
	TimeoutMS int    `yaml:"timeout_ms" env:"LLM_TIMEOUT_MS" env-default:"60000"`
}

// BrowserConfig configures the shared chromium session settings.
type BrowserConfig struct {
	Headless         string `yaml:"headless" env:"BROWSER_HEADLESS" env-default:"true"`
	UserAgent        string `yaml:"user_agent" env:"BROWSER_USER_AGENT"`
	DefaultTimeoutMS int    `yaml:"default_timeout_ms" env:"BROWSER_TIMEOUT_MS" env-default:"10000"`
	DownloadDir      string `yaml:"download_dir" env:"BROWSER_DOWNLOAD_DIR" env-default:"downloads"`
}

// Config is the root configuration, constructed once at process start and
// passed down explicitly. There is no ambient global configuration state
// besides the Debug flag above.
type Config struct {
	DBPath         string        `yaml:"db_path" env:"ASPAGENT_DB" env-default:"aspagent.db"`
	ScenarioDir    string        `yaml:"scenario_dir" env:"SCENARIO_DIR" env-default:"scenarios"`
	ScreenshotDir  string        `yaml:"screenshot_dir" env:"SCREENSHOT_DIR" env-default:"screenshots"`
	InterRunWaitMS int           `yaml:"inter_run_wait_ms" env:"INTER_RUN_WAIT_MS" env-default:"5000"`
	WebhookURL     string        `yaml:"webhook_url" env:"NOTIFY_WEBHOOK_URL"`
	LLM            LLMConfig     `yaml:"llm"`
	Browser        BrowserConfig `yaml:"browser"`
}

// New reads the configuration from the given file (optional) and the
// environment.
func New(configPath string) (*Config, error) {
	var c Config
	if configPath != "" {
		if err := cleanenv.ReadConfig(configPath, &c); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
		return &c, nil
	}
	if err := cleanenv.ReadEnv(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// HeadlessBool interprets the headless setting; anything but "false" is true.
func (c *Config) HeadlessBool() bool {
	return c.Browser.Headless != "false"
}

func GetLogLevel() slog.Level {
	if Debug || os.Getenv("DEBUG") == "true" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
