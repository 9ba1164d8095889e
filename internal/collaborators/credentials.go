package collaborators

import (
	"fmt"
	"os"
)

// llmAPIKeyEnvVars lists the conventional environment variable names for
// OpenAI-compatible chat completion providers, checked in order when the
// configured LLM API key is empty. Grounded on the reference
// implementation's EnvProvider.knownAPIKeyPatterns
// (internal/agent/credentials/env_provider.go), narrowed from its general
// credential catalog (cloud, VCS, registry tokens) to the chat-completion
// providers this package's LLMProvider interface actually targets.
var llmAPIKeyEnvVars = []string{
	"OPENAI_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"TOGETHER_API_KEY",
	"MISTRAL_API_KEY",
}

// ResolveLLMAPIKey returns configured if non-empty, otherwise the first
// populated environment variable from llmAPIKeyEnvVars. Returns an empty
// key and an empty source when none are set.
func ResolveLLMAPIKey(configured string) (key string, source string) {
	if configured != "" {
		return configured, "config"
	}
	for _, name := range llmAPIKeyEnvVars {
		if v := os.Getenv(name); v != "" {
			return v, name
		}
	}
	return "", ""
}

// DescribeLLMAPIKeySource reports where an API key came from, for startup
// logging without ever logging the key itself.
func DescribeLLMAPIKeySource(source string) string {
	if source == "" {
		return "none (set llm.api_key or one of OPENAI_API_KEY/AZURE_OPENAI_API_KEY/TOGETHER_API_KEY/MISTRAL_API_KEY)"
	}
	return fmt.Sprintf("resolved from %s", source)
}
