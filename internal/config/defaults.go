package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:       "~/.calcbot/workspace",
			LogLevel:        "info",
			MaxIterations:   4,
			DefaultProvider: "openai",
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:      true,
				APIBase:      "https://api.openai.com/v1",
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o",
			},
			"claude": {
				Enabled:      true,
				APIBase:      "https://api.anthropic.com/v1",
				APIKey:       "${ANTHROPIC_API_KEY}",
				DefaultModel: "claude-sonnet-4-5-20250514",
			},
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{
				Enabled: true,
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
		Transcript: TranscriptConfig{
			Enabled:                   true,
			DBPath:                    "~/.calcbot/transcript.db",
			MaxHistoryPerConversation: 50,
		},
	}
}
