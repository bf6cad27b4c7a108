package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"RELAY_CONFIG_FILE", "RELAY_NOTIFIER", "TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_USERNAME",
		"TELEGRAM_API_BASE_URL", "TG_TIMEOUT", "RELAY_LISTEN_ADDR", "RELAY_WEBHOOK_PATH",
		"RELAY_PUBLIC_URL", "RELAY_MODEL_PROVIDER", "OPENAI_API_KEY", "HF_TOKEN",
		"RELAY_COMPLETION_URL", "RELAY_MODEL", "RELAY_COMPLETION_TIMEOUT_SECONDS",
		"RELAY_BREAKER_THRESHOLD", "RELAY_BREAKER_COOLDOWN_SECONDS", "RELAY_MAX_MESSAGES",
		"RELAY_MAX_INPUT_CHARS", "RELAY_QUOTE_TRADITIONS", "RELAY_DB_PATH",
		"RELAY_DUMMY_PROVIDER_SCRIPT", "RELAY_DUMMY_SEND_SCRIPT",
	} {
		t.Setenv(key, "")
	}
}

func setupRelayEnv(t *testing.T) {
	t.Helper()
	clearRelayEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
}

func TestLoadRelayConfig_RequiresTelegramToken(t *testing.T) {
	clearRelayEnv(t)
	_, err := LoadRelayConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN")
}

func TestLoadRelayConfig_DummyNotifierNeedsNoToken(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_NOTIFIER", "dummy")
	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, NotifierDummy, cfg.Notifier)
}

func TestLoadRelayConfig_Defaults(t *testing.T) {
	setupRelayEnv(t)
	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://api.telegram.org/bottest-token", cfg.TelegramAPIBase)
	assert.Equal(t, 50, cfg.MaxMessages)
	assert.Equal(t, 3500, cfg.MaxInputChars)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "/api/telegram", cfg.WebhookPath)
	assert.Equal(t, ProviderNone, cfg.ModelProvider)
	assert.False(t, cfg.CompletionConfigured())
	assert.Empty(t, cfg.WebhookURL())
}

func TestLoadRelayConfig_PicksBackendFromCredentials(t *testing.T) {
	setupRelayEnv(t)
	t.Setenv("HF_TOKEN", "hf-key")
	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, ProviderHuggingFace, cfg.ModelProvider)
	assert.Equal(t, "hf-key", cfg.CompletionAPIKey)
	assert.Contains(t, cfg.CompletionURL, "huggingface")

	t.Setenv("OPENAI_API_KEY", "oa-key")
	cfg, err = LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.ModelProvider)
	assert.Equal(t, "oa-key", cfg.CompletionAPIKey)
}

func TestLoadRelayConfig_ExplicitNoneIgnoresCredentials(t *testing.T) {
	setupRelayEnv(t)
	t.Setenv("OPENAI_API_KEY", "oa-key")
	t.Setenv("HF_TOKEN", "hf-key")

	for _, value := range []string{"none", "NONE"} {
		t.Setenv("RELAY_MODEL_PROVIDER", value)
		cfg, err := LoadRelayConfig()
		require.NoError(t, err)
		assert.Equal(t, ProviderNone, cfg.ModelProvider, value)
		assert.Empty(t, cfg.CompletionAPIKey, value)
		assert.False(t, cfg.CompletionConfigured(), value)
	}
}

func TestLoadRelayConfig_FileNoneIgnoresCredentials(t *testing.T) {
	setupRelayEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  provider: none\n"), 0o644))
	t.Setenv("RELAY_CONFIG_FILE", path)
	t.Setenv("OPENAI_API_KEY", "oa-key")

	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, ProviderNone, cfg.ModelProvider)
	assert.False(t, cfg.CompletionConfigured())
}

func TestLoadRelayConfig_ExplicitProviderWithoutKeyIsUnconfigured(t *testing.T) {
	setupRelayEnv(t)
	t.Setenv("RELAY_MODEL_PROVIDER", "openai")
	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.False(t, cfg.CompletionConfigured(), "openai without a key")
}

func TestLoadRelayConfig_RejectsUnknownProvider(t *testing.T) {
	setupRelayEnv(t)
	t.Setenv("RELAY_MODEL_PROVIDER", "bart")
	_, err := LoadRelayConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_MODEL_PROVIDER")
}

func TestLoadRelayConfig_ValidatesLimits(t *testing.T) {
	setupRelayEnv(t)
	t.Setenv("RELAY_MAX_MESSAGES", "0")
	_, err := LoadRelayConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_MAX_MESSAGES")
}

func TestLoadRelayConfig_ValidatesWebhookPath(t *testing.T) {
	setupRelayEnv(t)
	t.Setenv("RELAY_WEBHOOK_PATH", "hook")
	_, err := LoadRelayConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_WEBHOOK_PATH")
}

func TestLoadRelayConfig_RejectsHealthPathAsWebhook(t *testing.T) {
	setupRelayEnv(t)
	t.Setenv("RELAY_WEBHOOK_PATH", "/healthz")
	_, err := LoadRelayConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_WEBHOOK_PATH")
	assert.Contains(t, err.Error(), "/healthz")

	t.Setenv("RELAY_WEBHOOK_PATH", "/healthz/telegram")
	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, "/healthz/telegram", cfg.WebhookPath)
}

func TestLoadRelayConfig_FileThenEnv(t *testing.T) {
	setupRelayEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
telegram:
  bot_username: "@filebot"
server:
  public_url: https://relay.example.com/
  webhook_path: /hook
model:
  provider: dummy
  timeout_seconds: 9
cache:
  max_messages: 20
quote_traditions: [Stoic, Sufi]
db_path: /tmp/relay-events.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("RELAY_CONFIG_FILE", path)
	t.Setenv("RELAY_MAX_MESSAGES", "30")

	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, "filebot", cfg.BotUsername)
	assert.Equal(t, "https://relay.example.com/hook", cfg.WebhookURL())
	assert.Equal(t, ProviderDummy, cfg.ModelProvider)
	assert.True(t, cfg.CompletionConfigured())
	assert.Equal(t, 9, cfg.CompletionTimeoutSeconds)
	assert.Equal(t, 30, cfg.MaxMessages, "env overrides file")
	assert.Equal(t, []string{"Stoic", "Sufi"}, cfg.QuoteTraditions)
	assert.Equal(t, "/tmp/relay-events.db", cfg.DBPath)

	t.Setenv("RELAY_QUOTE_TRADITIONS", "Zen, ,Taoist")
	cfg, err = LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"Zen", "Taoist"}, cfg.QuoteTraditions)
}

func TestLoadRelayConfig_BadFile(t *testing.T) {
	setupRelayEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unclosed"), 0o644))
	t.Setenv("RELAY_CONFIG_FILE", path)
	_, err := LoadRelayConfig()
	assert.Error(t, err, "parse error")

	t.Setenv("RELAY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = LoadRelayConfig()
	assert.Error(t, err, "read error")
}
