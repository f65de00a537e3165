package luna

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	err := cfg.validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "discord token is required")
	assert.ErrorContains(t, err, "at least one openai key is required")

	cfg.Discord.Token = "token"
	cfg.OpenAI.Keys = []string{"key-1"}
	assert.NoError(t, cfg.validate())

	cfg.Store.Path = ""
	assert.ErrorContains(t, cfg.validate(), "store path is required")
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultStorePath, cfg.Store.Path)
	assert.Equal(t, DefaultRetentionWindow, cfg.Store.RetentionWindow)
	assert.Equal(t, DefaultMaxHistory, cfg.Store.MaxHistory)
	assert.Equal(t, DefaultOpenAIModel, cfg.OpenAI.Model)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, DefaultDiscordgoLogLevel, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, DefaultCORSAllowMethods, cfg.API.CORS.AllowMethods)
}
