package config

// Default returns the baseline configuration before file and environment
// overrides are applied.
func Default() Config {
	return Config{
		Paths: Paths{
			StorageDir:    "~/.local/share/loom/storage",
			LogDir:        "~/.local/share/loom/logs",
			APIBind:       "127.0.0.1:7878",
			PublicBaseURL: "",
		},
		Dispatch: Dispatch{
			MaxConcurrency:   10,
			RequestTimeoutMS: 300_000,
		},
		Store: Store{
			TrashGraceSeconds: 300,
		},
		Providers: Providers{
			ReplicateBaseURL:  "https://api.replicate.com/v1",
			OpenAIBaseURL:     "https://api.openai.com/v1",
			ElevenLabsBaseURL: "https://api.elevenlabs.io/v1",
		},
		Pipeline: Pipeline{
			ImageWaitSeconds: 30,
			VideoWaitSeconds: 120,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}
