package provider

// Poll attempt caps by media weight. With the 2s-start, 1.5x, 10s-cap
// schedule these bound a job at roughly 10 and 30 minutes of wall clock.
const (
	pollCapLight = 120
	pollCapHeavy = 240
)

// Provider ids as they appear in config and descriptors.
const (
	ProviderReplicate  = "replicate"
	ProviderOpenAI     = "openai"
	ProviderElevenLabs = "elevenlabs"
)

// catalog is the static descriptor set loaded at init. One entry per
// (model, kind); the registry indexes it by that pair.
var catalog = []Descriptor{
	{
		Model:        "google/nano-banana/text-to-image",
		Provider:     ProviderReplicate,
		Kind:         KindTextToImage,
		Mode:         ModeSync,
		Path:         "/v1/models/google/nano-banana/predictions",
		Whitelist:    []string{"aspectRatio", "resolution", "seed", "negativePrompt", "numImages"},
		AspectRatios: []string{"1:1", "16:9", "9:16", "4:3", "3:4"},
		Resolutions:  []string{"720p", "1080p"},
		Defaults:     Params{"aspectRatio": "1:1"},
		Concurrency:  5,
		PollCap:      pollCapLight,
		BaseCost:     0.039,
		CostPerImage: 0.039,
	},
	{
		Model:          "google/nano-banana/edit",
		Provider:       ProviderReplicate,
		Kind:           KindImageEdit,
		Mode:           ModeSync,
		Path:           "/v1/models/google/nano-banana/predictions",
		Whitelist:      []string{"aspectRatio", "resolution", "seed", "negativePrompt"},
		AspectRatios:   []string{"1:1", "16:9", "9:16", "4:3", "3:4"},
		Resolutions:    []string{"720p", "1080p"},
		MaxImageInputs: 7,
		Concurrency:    5,
		PollCap:        pollCapLight,
		BaseCost:       0.039,
	},
	{
		Model:          "black-forest-labs/flux-1.1-pro",
		Provider:       ProviderReplicate,
		Kind:           KindTextToImage,
		Mode:           ModePoll,
		Path:           "/v1/models/black-forest-labs/flux-1.1-pro/predictions",
		Whitelist:      []string{"aspectRatio", "seed", "guidanceScale", "numInferenceSteps", "negativePrompt"},
		PixelWhitelist: []string{"width", "height", "seed", "guidanceScale", "numInferenceSteps", "negativePrompt"},
		AspectRatios:   []string{"1:1", "16:9", "9:16", "4:3", "3:4"},
		Resolutions:    []string{"720p", "1080p"},
		SupportsCancel: true,
		Concurrency:    5,
		PollCap:        pollCapLight,
		BaseCost:       0.04,
	},
	{
		Model:          "kwaivgi/kling-v2.5-turbo-pro-image-to-video",
		Provider:       ProviderReplicate,
		Kind:           KindImageToVideo,
		Mode:           ModePoll,
		Path:           "/v1/models/kwaivgi/kling-v2.5-turbo-pro-image-to-video/predictions",
		Whitelist:      []string{"aspectRatio", "duration", "negativePrompt"},
		AspectRatios:   []string{"16:9", "9:16", "1:1"},
		Defaults:       Params{"duration": 5},
		WireNames:      map[string]string{"duration": "duration"},
		MaxImageInputs: 1,
		SupportsCancel: true,
		Concurrency:    3,
		PollCap:        pollCapHeavy,
		BaseCost:       0.15,
		CostPerSecond:  0.07,
	},
	{
		Model:          "minimax/hailuo-02",
		Provider:       ProviderReplicate,
		Kind:           KindImageToVideo,
		Mode:           ModePoll,
		Path:           "/v1/models/minimax/hailuo-02/predictions",
		Whitelist:      []string{"duration", "resolution"},
		Resolutions:    []string{"720p", "1080p"},
		Defaults:       Params{"duration": 6},
		FirstLastOnly:  true,
		SupportsCancel: true,
		Concurrency:    3,
		PollCap:        pollCapHeavy,
		BaseCost:       0.2,
		CostPerSecond:  0.045,
	},
	{
		Model:          "minimax/video-01",
		Provider:       ProviderReplicate,
		Kind:           KindTextToVideo,
		Mode:           ModePoll,
		Path:           "/v1/models/minimax/video-01/predictions",
		Whitelist:      []string{"aspectRatio", "duration"},
		AspectRatios:   []string{"16:9", "9:16", "1:1"},
		Defaults:       Params{"duration": 6},
		SupportsCancel: true,
		Concurrency:    3,
		PollCap:        pollCapHeavy,
		BaseCost:       0.5,
	},
	{
		Model:          "topazlabs/image-upscale",
		Provider:       ProviderReplicate,
		Kind:           KindUpscale,
		Mode:           ModePoll,
		Path:           "/v1/models/topazlabs/image-upscale/predictions",
		Whitelist:      []string{"resolution"},
		Resolutions:    []string{"2x", "4x"},
		Defaults:       Params{"resolution": "2x"},
		WireNames:      map[string]string{"resolution": "upscale_factor"},
		MaxImageInputs: 1,
		SupportsCancel: true,
		Concurrency:    3,
		PollCap:        pollCapHeavy,
		BaseCost:       0.08,
	},
	{
		Model:       "openai/gpt-4o-mini-tts",
		Provider:    ProviderOpenAI,
		Kind:        KindTextToSpeech,
		Mode:        ModeSync,
		Path:        "/v1/audio/speech",
		Whitelist:   []string{"voice", "instructions", "speed"},
		Defaults:    Params{"voice": "alloy"},
		Concurrency: 5,
		PollCap:     pollCapLight,
		BaseCost:    0.015,
	},
	{
		Model:       "elevenlabs/eleven-multilingual-v2",
		Provider:    ProviderElevenLabs,
		Kind:        KindTextToSpeech,
		Mode:        ModeSync,
		Path:        "/v1/text-to-speech",
		Whitelist:   []string{"voice", "stability", "similarityBoost"},
		WireNames:   map[string]string{"similarityBoost": "similarity_boost"},
		Defaults:    Params{"voice": "21m00Tcm4TlvDq8ikWAM"},
		Concurrency: 5,
		PollCap:     pollCapLight,
		BaseCost:    0.03,
	},
	{
		Model:       "openai/gpt-4o-mini",
		Provider:    ProviderOpenAI,
		Kind:        KindText,
		Mode:        ModeStream,
		Path:        "/v1/chat/completions",
		Whitelist:   []string{"temperature", "maxTokens"},
		WireNames:   map[string]string{"maxTokens": "max_tokens"},
		Concurrency: 5,
		PollCap:     pollCapLight,
		BaseCost:    0.001,
	},
}

// Catalog returns the static descriptor set.
func Catalog() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog)
	return out
}
