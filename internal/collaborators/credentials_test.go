package collaborators

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveLLMAPIKeyPrefersConfigured(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "from-env")
	key, source := ResolveLLMAPIKey("from-config")
	assert.Equal(t, "from-config", key)
	assert.Equal(t, "config", source)
}

func TestResolveLLMAPIKeyFallsBackToEnv(t *testing.T) {
	os.Unsetenv("OPENAI_API_KEY")
	t.Setenv("AZURE_OPENAI_API_KEY", "from-azure")
	key, source := ResolveLLMAPIKey("")
	assert.Equal(t, "from-azure", key)
	assert.Equal(t, "AZURE_OPENAI_API_KEY", source)
}

func TestResolveLLMAPIKeyNoneSet(t *testing.T) {
	for _, name := range llmAPIKeyEnvVars {
		os.Unsetenv(name)
	}
	key, source := ResolveLLMAPIKey("")
	assert.Empty(t, key)
	assert.Empty(t, source)
	assert.Contains(t, DescribeLLMAPIKeySource(source), "none")
}
