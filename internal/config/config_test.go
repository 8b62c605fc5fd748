package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENAI_API_KEY", "VOICEBRIDGE_TEMPERATURE", "VOICEBRIDGE_ENCODING",
		"VOICEBRIDGE_MODEL_ID", "VOICEBRIDGE_USE_LOCAL_MODEL",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadFailsFastWithoutAPIKey(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadAllowsMissingAPIKeyWithLocalModel(t *testing.T) {
	clearEnv(t)
	os.Setenv("VOICEBRIDGE_USE_LOCAL_MODEL", "true")
	defer os.Unsetenv("VOICEBRIDGE_USE_LOCAL_MODEL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.UseLocalModel)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPENAI_API_KEY", "sk-test")
	defer os.Unsetenv("OPENAI_API_KEY")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultModelID, cfg.ModelID)
	assert.Equal(t, DefaultVoice, cfg.Voice)
	assert.Equal(t, DefaultInputRate, cfg.InputRate)
	assert.False(t, cfg.TurnDetectionAutoCreate, "bridge is explicit-only about response.create")
}

func TestLoadRejectsOutOfRangeTemperature(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPENAI_API_KEY", "sk-test")
	os.Setenv("VOICEBRIDGE_TEMPERATURE", "3.5")
	defer os.Unsetenv("OPENAI_API_KEY")
	defer os.Unsetenv("VOICEBRIDGE_TEMPERATURE")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownEncoding(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPENAI_API_KEY", "sk-test")
	os.Setenv("VOICEBRIDGE_ENCODING", "opus")
	defer os.Unsetenv("OPENAI_API_KEY")
	defer os.Unsetenv("VOICEBRIDGE_ENCODING")

	_, err := Load()
	assert.Error(t, err)
}
