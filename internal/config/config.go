package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model providers.
const (
	ProviderNone        = "none"
	ProviderOpenAI      = "openai"
	ProviderHuggingFace = "huggingface"
	ProviderDummy       = "dummy"
)

// Notifiers.
const (
	NotifierTelegram = "telegram"
	NotifierDummy    = "dummy"
)

// healthPath is served by the webhook handler and cannot be the webhook path.
const healthPath = "/healthz"

const (
	defaultOpenAIURL      = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultHuggingFaceURL = "https://router.huggingface.co/v1/chat/completions"
	defaultHFModel        = "meta-llama/Llama-3.1-8B-Instruct"
)

// RelayConfig holds configuration for the relay process.
type RelayConfig struct {
	TelegramAPIBase  string
	TelegramTimeout  int
	BotUsername      string
	Notifier         string
	ListenAddr       string
	WebhookPath      string
	PublicURL        string
	ModelProvider    string
	CompletionAPIKey string
	CompletionURL    string
	Model            string
	// CompletionTimeoutSeconds bounds each completion call.
	CompletionTimeoutSeconds int
	BreakerThreshold         int
	BreakerCooldownSeconds   int
	MaxMessages              int
	MaxInputChars            int
	QuoteTraditions          []string
	DBPath                   string
	DummyProviderScript      string
	DummySendScript          string
}

// CompletionConfigured reports whether a completion backend is available.
func (c RelayConfig) CompletionConfigured() bool {
	switch c.ModelProvider {
	case ProviderDummy:
		return true
	case ProviderOpenAI, ProviderHuggingFace:
		return c.CompletionAPIKey != ""
	default:
		return false
	}
}

// WebhookURL is the public URL Telegram should deliver updates to.
func (c RelayConfig) WebhookURL() string {
	if c.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicURL, "/") + c.WebhookPath
}

// fileConfig is the optional YAML file named by RELAY_CONFIG_FILE.
// Environment variables take precedence over every field.
type fileConfig struct {
	Telegram struct {
		APIBaseURL     string `yaml:"api_base_url"`
		BotUsername    string `yaml:"bot_username"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"telegram"`
	Server struct {
		ListenAddr  string `yaml:"listen_addr"`
		WebhookPath string `yaml:"webhook_path"`
		PublicURL   string `yaml:"public_url"`
	} `yaml:"server"`
	Model struct {
		Provider         string `yaml:"provider"`
		URL              string `yaml:"url"`
		Name             string `yaml:"name"`
		TimeoutSeconds   int    `yaml:"timeout_seconds"`
		BreakerThreshold int    `yaml:"breaker_threshold"`
		BreakerCooldown  int    `yaml:"breaker_cooldown_seconds"`
	} `yaml:"model"`
	Cache struct {
		MaxMessages   int `yaml:"max_messages"`
		MaxInputChars int `yaml:"max_input_chars"`
	} `yaml:"cache"`
	QuoteTraditions []string `yaml:"quote_traditions"`
	Notifier        string   `yaml:"notifier"`
	DBPath          string   `yaml:"db_path"`
}

func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read RELAY_CONFIG_FILE: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse RELAY_CONFIG_FILE %s: %w", path, err)
	}
	return fc, nil
}

// LoadRelayConfig reads relay configuration from an optional YAML file and
// environment variables.
func LoadRelayConfig() (RelayConfig, error) {
	fc, err := loadFile(os.Getenv("RELAY_CONFIG_FILE"))
	if err != nil {
		return RelayConfig{}, err
	}

	notifier := envOrDefault("RELAY_NOTIFIER", orString(fc.Notifier, NotifierTelegram))
	if notifier != NotifierTelegram && notifier != NotifierDummy {
		return RelayConfig{}, fmt.Errorf("RELAY_NOTIFIER must be %q or %q, got %q", NotifierTelegram, NotifierDummy, notifier)
	}

	telegramToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if notifier == NotifierTelegram && telegramToken == "" {
		return RelayConfig{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment when RELAY_NOTIFIER=telegram")
	}
	apiBaseURL := envOrDefault("TELEGRAM_API_BASE_URL", orString(fc.Telegram.APIBaseURL, "https://api.telegram.org"))

	provider := strings.ToLower(envOrDefault("RELAY_MODEL_PROVIDER", fc.Model.Provider))
	var apiKey, url, model string
	switch provider {
	case ProviderOpenAI:
		apiKey = os.Getenv("OPENAI_API_KEY")
		url, model = defaultOpenAIURL, defaultOpenAIModel
	case ProviderHuggingFace:
		apiKey = os.Getenv("HF_TOKEN")
		url, model = defaultHuggingFaceURL, defaultHFModel
	case ProviderDummy:
		model = "dummy"
	case ProviderNone:
		// Generation explicitly disabled, even when credentials are present.
	case "":
		// Pick a backend from whichever credential is present.
		switch {
		case os.Getenv("OPENAI_API_KEY") != "":
			provider, apiKey = ProviderOpenAI, os.Getenv("OPENAI_API_KEY")
			url, model = defaultOpenAIURL, defaultOpenAIModel
		case os.Getenv("HF_TOKEN") != "":
			provider, apiKey = ProviderHuggingFace, os.Getenv("HF_TOKEN")
			url, model = defaultHuggingFaceURL, defaultHFModel
		default:
			provider = ProviderNone
		}
	default:
		return RelayConfig{}, fmt.Errorf("unsupported RELAY_MODEL_PROVIDER: %s", provider)
	}

	cfg := RelayConfig{
		TelegramAPIBase:          fmt.Sprintf("%s/bot%s", strings.TrimRight(apiBaseURL, "/"), telegramToken),
		TelegramTimeout:          envIntOrDefault("TG_TIMEOUT", orInt(fc.Telegram.TimeoutSeconds, 15)),
		BotUsername:              strings.TrimPrefix(envOrDefault("TELEGRAM_BOT_USERNAME", fc.Telegram.BotUsername), "@"),
		Notifier:                 notifier,
		ListenAddr:               envOrDefault("RELAY_LISTEN_ADDR", orString(fc.Server.ListenAddr, ":8080")),
		WebhookPath:              envOrDefault("RELAY_WEBHOOK_PATH", orString(fc.Server.WebhookPath, "/api/telegram")),
		PublicURL:                envOrDefault("RELAY_PUBLIC_URL", fc.Server.PublicURL),
		ModelProvider:            provider,
		CompletionAPIKey:         apiKey,
		CompletionURL:            envOrDefault("RELAY_COMPLETION_URL", orString(fc.Model.URL, url)),
		Model:                    envOrDefault("RELAY_MODEL", orString(fc.Model.Name, model)),
		CompletionTimeoutSeconds: envIntOrDefault("RELAY_COMPLETION_TIMEOUT_SECONDS", orInt(fc.Model.TimeoutSeconds, 60)),
		BreakerThreshold:         envIntOrDefault("RELAY_BREAKER_THRESHOLD", orInt(fc.Model.BreakerThreshold, 5)),
		BreakerCooldownSeconds:   envIntOrDefault("RELAY_BREAKER_COOLDOWN_SECONDS", orInt(fc.Model.BreakerCooldown, 30)),
		MaxMessages:              envIntOrDefault("RELAY_MAX_MESSAGES", orInt(fc.Cache.MaxMessages, 50)),
		MaxInputChars:            envIntOrDefault("RELAY_MAX_INPUT_CHARS", orInt(fc.Cache.MaxInputChars, 3500)),
		QuoteTraditions:          envListOrDefault("RELAY_QUOTE_TRADITIONS", fc.QuoteTraditions),
		DBPath:                   envOrDefault("RELAY_DB_PATH", fc.DBPath),
		DummyProviderScript:      envOrDefault("RELAY_DUMMY_PROVIDER_SCRIPT", "ok"),
		DummySendScript:          envOrDefault("RELAY_DUMMY_SEND_SCRIPT", "ok"),
	}

	if !strings.HasPrefix(cfg.WebhookPath, "/") {
		return RelayConfig{}, fmt.Errorf("RELAY_WEBHOOK_PATH must start with '/', got %q", cfg.WebhookPath)
	}
	if cfg.WebhookPath == healthPath {
		return RelayConfig{}, fmt.Errorf("RELAY_WEBHOOK_PATH must not be %s, which serves health checks", healthPath)
	}
	for key, v := range map[string]int{
		"RELAY_MAX_MESSAGES":               cfg.MaxMessages,
		"RELAY_MAX_INPUT_CHARS":            cfg.MaxInputChars,
		"RELAY_COMPLETION_TIMEOUT_SECONDS": cfg.CompletionTimeoutSeconds,
		"RELAY_BREAKER_THRESHOLD":          cfg.BreakerThreshold,
		"RELAY_BREAKER_COOLDOWN_SECONDS":   cfg.BreakerCooldownSeconds,
		"TG_TIMEOUT":                       cfg.TelegramTimeout,
	} {
		if v <= 0 {
			return RelayConfig{}, fmt.Errorf("%s must be positive, got %d", key, v)
		}
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envListOrDefault(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}
