package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/reposync/internal/llm"
	"github.com/joescharf/reposync/internal/publish"
)

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

// newMessenger returns the commit message writer: summarized by the LLM
// when a key is configured, otherwise the configured static message.
func newMessenger(logger *slog.Logger) publish.Messenger {
	static := publish.StaticMessage(viper.GetString("sync.commit_message"))
	client := newLLMClient()
	if client == nil {
		return static
	}
	return &publish.SummaryMessenger{Summarizer: client, Fallback: static, Logger: logger}
}
