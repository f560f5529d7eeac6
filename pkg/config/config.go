package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Lookup resolves a named credential. It mirrors os.LookupEnv.
type Lookup func(name string) (string, bool)

type OutputConfig struct {
	Dir  string `json:"dir" yaml:"dir" env:"MEDIAGEN_OUTPUT_DIR"`
	Save bool   `json:"save" yaml:"save" env:"MEDIAGEN_SAVE"`
}

type HTTPConfig struct {
	Attempts           int  `json:"attempts" yaml:"attempts" env:"MEDIAGEN_HTTP_ATTEMPTS"`
	BackoffMs          int  `json:"backoffMs" yaml:"backoffMs" env:"MEDIAGEN_HTTP_BACKOFF_MS"`
	TokenMarginSeconds int  `json:"tokenMarginSeconds" yaml:"tokenMarginSeconds"`
	StrictOptions      bool `json:"strictOptions" yaml:"strictOptions" env:"MEDIAGEN_STRICT_OPTIONS"`
	PollIntervalMs     int  `json:"pollIntervalMs" yaml:"pollIntervalMs"`
}

// ProviderOverride replaces registry defaults for one provider.
type ProviderOverride struct {
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	TokenEndpoint  string `json:"tokenEndpoint,omitempty" yaml:"tokenEndpoint,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

type DingTalkConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	ClientID  string   `json:"clientId" yaml:"clientId" env:"DINGTALK_CLIENT_ID"`
	AppSecret string   `json:"appSecret" yaml:"appSecret" env:"DINGTALK_CLIENT_SECRET"`
	RobotCode string   `json:"robotCode" yaml:"robotCode" env:"DINGTALK_ROBOT_CODE"`
	UploadURL string   `json:"uploadUrl,omitempty" yaml:"uploadUrl,omitempty"`
	Listen    bool     `json:"listen" yaml:"listen"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url" env:"DINGTALK_WEBHOOK_URL"`
	Secret  string `json:"secret" yaml:"secret" env:"DINGTALK_WEBHOOK_SECRET"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
	Listen    bool     `json:"listen" yaml:"listen"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
}

type FeishuConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	AppID     string `json:"appId" yaml:"appId" env:"FEISHU_APP_ID"`
	AppSecret string `json:"appSecret" yaml:"appSecret" env:"FEISHU_APP_SECRET"`
}

type ChannelsConfig struct {
	DingTalk DingTalkConfig `json:"dingtalk" yaml:"dingtalk"`
	Webhook  WebhookConfig  `json:"webhook" yaml:"webhook"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Feishu   FeishuConfig   `json:"feishu" yaml:"feishu"`
}

// StorageConfig configures the optional S3-compatible artifact mirror.
type StorageConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" env:"MEDIAGEN_S3_ENABLED"`
	Endpoint      string `json:"endpoint" yaml:"endpoint" env:"S3_ENDPOINT"`
	AccessKey     string `json:"accessKey" yaml:"accessKey" env:"S3_ACCESS_KEY"`
	SecretKey     string `json:"secretKey" yaml:"secretKey" env:"S3_SECRET_KEY"`
	Bucket        string `json:"bucket" yaml:"bucket" env:"S3_BUCKET"`
	Region        string `json:"region" yaml:"region" env:"S3_REGION"`
	UseSSL        bool   `json:"useSSL" yaml:"useSSL"`
	PublicBaseURL string `json:"publicBaseUrl" yaml:"publicBaseUrl" env:"S3_PUBLIC_BASE_URL"`
}

type LogConfig struct {
	Dir   string `json:"dir" yaml:"dir" env:"MEDIAGEN_LOG_DIR"`
	Level string `json:"level" yaml:"level" env:"MEDIAGEN_LOG_LEVEL"`
}

type ServeConfig struct {
	MetricsAddr string `json:"metricsAddr" yaml:"metricsAddr" env:"MEDIAGEN_METRICS_ADDR"`
	// Workers bounds concurrent generations started from chat commands and jobs.
	Workers int `json:"workers" yaml:"workers"`
	// Default providers for chat commands that do not name one.
	ImageProvider string `json:"imageProvider" yaml:"imageProvider" env:"MEDIAGEN_IMAGE_PROVIDER"`
	TTSProvider   string `json:"ttsProvider" yaml:"ttsProvider" env:"MEDIAGEN_TTS_PROVIDER"`
	STTProvider   string `json:"sttProvider" yaml:"sttProvider" env:"MEDIAGEN_STT_PROVIDER"`
}

type Config struct {
	Workspace   string                      `json:"workspace" yaml:"workspace" env:"MEDIAGEN_WORKSPACE"`
	Output      OutputConfig                `json:"output" yaml:"output"`
	HTTP        HTTPConfig                  `json:"http" yaml:"http"`
	Providers   map[string]ProviderOverride `json:"providers,omitempty" yaml:"providers,omitempty"`
	Credentials map[string]string           `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Channels    ChannelsConfig              `json:"channels" yaml:"channels"`
	Storage     StorageConfig               `json:"storage" yaml:"storage"`
	Log         LogConfig                   `json:"log" yaml:"log"`
	Serve       ServeConfig                 `json:"serve" yaml:"serve"`

	lookup Lookup
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".mediagen",
		Output: OutputConfig{
			Dir:  filepath.Join(".mediagen", "output"),
			Save: true,
		},
		HTTP: HTTPConfig{
			Attempts:           3,
			BackoffMs:          500,
			TokenMarginSeconds: 60,
			PollIntervalMs:     2000,
		},
		Log: LogConfig{
			Dir:   filepath.Join(".mediagen", "logs"),
			Level: "info",
		},
		Serve: ServeConfig{
			MetricsAddr:   ":9464",
			Workers:       4,
			ImageProvider: "dall-e-3",
			TTSProvider:   "openai-tts",
			STTProvider:   "whisper",
		},
	}
}

// LoadDotEnv loads .env files into the process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// LoadConfig loads the configuration from the given path and applies environment overrides.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(".mediagen", "config.json")
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (c *Config) normalize() {
	if c.HTTP.Attempts <= 0 {
		c.HTTP.Attempts = 3
	}
	if c.HTTP.BackoffMs < 0 {
		c.HTTP.BackoffMs = 0
	}
	if c.HTTP.TokenMarginSeconds <= 0 {
		c.HTTP.TokenMarginSeconds = 60
	}
	if c.HTTP.PollIntervalMs <= 0 {
		c.HTTP.PollIntervalMs = 2000
	}
	if c.Serve.Workers <= 0 {
		c.Serve.Workers = 4
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		c.Output.Dir = filepath.Join(c.Workspace, "output")
	}
}

// Save writes the configuration as indented JSON (or YAML for .yaml/.yml paths).
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// WithLookup replaces the environment lookup, mainly for tests.
func (c *Config) WithLookup(l Lookup) *Config {
	c.lookup = l
	return c
}

// Credential resolves a credential by name: the credentials map first, then the environment.
func (c *Config) Credential(name string) (string, bool) {
	if v, ok := c.Credentials[name]; ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	lookup := c.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Lookup returns the credential resolver bound to this config.
func (c *Config) Lookup() Lookup {
	return c.Credential
}

func (h HTTPConfig) Backoff() time.Duration {
	return time.Duration(h.BackoffMs) * time.Millisecond
}

func (h HTTPConfig) TokenMargin() time.Duration {
	return time.Duration(h.TokenMarginSeconds) * time.Second
}

func (h HTTPConfig) PollInterval() time.Duration {
	return time.Duration(h.PollIntervalMs) * time.Millisecond
}
