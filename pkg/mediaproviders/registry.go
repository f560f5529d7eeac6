package mediaproviders

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Default per-operation request timeouts.
const (
	DefaultImageTimeout = 60 * time.Second
	DefaultTTSTimeout   = 30 * time.Second
	DefaultSTTTimeout   = 60 * time.Second
)

// ProviderConfig describes one backend. It is copied in and out of the registry and never mutated.
type ProviderConfig struct {
	ID            string
	Operation     Operation
	Endpoint      string
	TokenEndpoint string
	// Credentials lists the credential names that must resolve before a client is built.
	Credentials []string
	// Options lists the accepted option keys; anything else is dropped or rejected.
	Options []string
	// Defaults fill option values the request leaves unset.
	Defaults map[string]string
	Timeout  time.Duration
	Adapter  Adapter
}

// Accepts reports whether key is an accepted option.
func (p ProviderConfig) Accepts(key string) bool {
	for _, k := range p.Options {
		if k == key {
			return true
		}
	}
	return false
}

func (p ProviderConfig) clone() ProviderConfig {
	c := p
	c.Credentials = append([]string(nil), p.Credentials...)
	c.Options = append([]string(nil), p.Options...)
	if p.Defaults != nil {
		c.Defaults = make(map[string]string, len(p.Defaults))
		for k, v := range p.Defaults {
			c.Defaults[k] = v
		}
	}
	return c
}

func (p ProviderConfig) validate() error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if p.Endpoint == "" {
		return fmt.Errorf("provider %s: endpoint is required", p.ID)
	}
	if p.Adapter == nil {
		return fmt.Errorf("provider %s: adapter is required", p.ID)
	}
	switch p.Operation {
	case OpImage, OpTTS, OpSTT:
	default:
		return fmt.Errorf("provider %s: unknown operation %q", p.ID, p.Operation)
	}
	if _, ok := p.Adapter.(TokenAdapter); ok && p.TokenEndpoint == "" {
		return fmt.Errorf("provider %s: token endpoint is required", p.ID)
	}
	return nil
}

// Override replaces parts of a registered provider at configuration load time.
type Override struct {
	Endpoint      string
	TokenEndpoint string
	Timeout       time.Duration
}

// Registry maps provider identifiers to their configuration.
type Registry struct {
	providers map[string]ProviderConfig
}

// NewRegistry builds a registry from the given configs.
func NewRegistry(configs ...ProviderConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]ProviderConfig, len(configs))}
	for _, cfg := range configs {
		if err := r.Register(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider. Registering an id twice is an error.
func (r *Registry) Register(cfg ProviderConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if _, exists := r.providers[cfg.ID]; exists {
		return fmt.Errorf("provider %s already registered", cfg.ID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout(cfg.Operation)
	}
	r.providers[cfg.ID] = cfg.clone()
	return nil
}

// Resolve returns a copy of the provider's configuration.
func (r *Registry) Resolve(id string) (ProviderConfig, error) {
	cfg, ok := r.providers[id]
	if !ok {
		return ProviderConfig{}, newError(KindUnknownProvider, id, "provider is not registered (known: %s)", strings.Join(r.IDs(), ", "))
	}
	return cfg.clone(), nil
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WithOverrides returns a new registry with the overrides applied. The receiver is left untouched.
func (r *Registry) WithOverrides(overrides map[string]Override) (*Registry, error) {
	out := &Registry{providers: make(map[string]ProviderConfig, len(r.providers))}
	for id, cfg := range r.providers {
		out.providers[id] = cfg.clone()
	}
	for id, o := range overrides {
		cfg, ok := out.providers[id]
		if !ok {
			return nil, newError(KindUnknownProvider, id, "cannot override unregistered provider")
		}
		if o.Endpoint != "" {
			cfg.Endpoint = o.Endpoint
		}
		if o.TokenEndpoint != "" {
			cfg.TokenEndpoint = o.TokenEndpoint
		}
		if o.Timeout > 0 {
			cfg.Timeout = o.Timeout
		}
		out.providers[id] = cfg
	}
	return out, nil
}

func defaultTimeout(op Operation) time.Duration {
	switch op {
	case OpTTS:
		return DefaultTTSTimeout
	case OpSTT:
		return DefaultSTTTimeout
	default:
		return DefaultImageTimeout
	}
}

// Credential names used by the default registry.
const (
	CredOpenAI      = "OPENAI_API_KEY"
	CredStability   = "STABILITY_API_KEY"
	CredDashScope   = "DASHSCOPE_API_KEY"
	CredBaiduKey    = "BAIDU_API_KEY"
	CredBaiduSecret = "BAIDU_SECRET_KEY"
	CredSiliconFlow = "SILICONFLOW_API_KEY"
)

// DefaultRegistry returns the built-in providers.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		ProviderConfig{
			ID:          "dall-e-3",
			Operation:   OpImage,
			Endpoint:    "https://api.openai.com/v1/images/generations",
			Credentials: []string{CredOpenAI},
			Options:     []string{"model", "size", "style", "quality"},
			Defaults:    map[string]string{"model": "dall-e-3", "size": "1024x1024", "quality": "standard"},
			Adapter:     openAIImages{},
		},
		ProviderConfig{
			ID:          "stable-diffusion",
			Operation:   OpImage,
			Endpoint:    "https://api.stability.ai/v2beta/stable-image/generate/sd3",
			Credentials: []string{CredStability},
			Options:     []string{"model", "size", "style", "negative_prompt", "seed", "format"},
			Defaults:    map[string]string{"format": "png"},
			Adapter:     stabilityImages{},
		},
		ProviderConfig{
			ID:          "tongyi",
			Operation:   OpImage,
			Endpoint:    "https://dashscope.aliyuncs.com/api/v1/services/aigc/text2image/image-synthesis",
			Credentials: []string{CredDashScope},
			Options:     []string{"model", "size", "style", "negative_prompt", "seed"},
			Defaults:    map[string]string{"model": "wanx-v1", "size": "1024*1024", "style": "<auto>"},
			Timeout:     120 * time.Second,
			Adapter:     dashscopeImages{},
		},
		ProviderConfig{
			ID:            "ernie",
			Operation:     OpImage,
			Endpoint:      "https://aip.baidubce.com/rpc/2.0/ai_custom/v1/wenxinworkshop/text2image/sd_xl",
			TokenEndpoint: "https://aip.baidubce.com/oauth/2.0/token",
			Credentials:   []string{CredBaiduKey, CredBaiduSecret},
			Options:       []string{"size", "style", "negative_prompt", "steps"},
			Defaults:      map[string]string{"size": "1024x1024"},
			Adapter:       ernieImages{},
		},
		ProviderConfig{
			ID:          "siliconflow-image",
			Operation:   OpImage,
			Endpoint:    "https://api.siliconflow.cn/v1/images/generations",
			Credentials: []string{CredSiliconFlow},
			Options:     []string{"model", "size", "negative_prompt", "seed", "steps", "guidance"},
			Defaults:    map[string]string{"model": "Kwai-Kolors/Kolors", "size": "1024x1024"},
			Adapter:     siliconflowImages{},
		},
		ProviderConfig{
			ID:          "openai-tts",
			Operation:   OpTTS,
			Endpoint:    "https://api.openai.com/v1/audio/speech",
			Credentials: []string{CredOpenAI},
			Options:     []string{"model", "voice", "format", "speed"},
			Defaults:    map[string]string{"model": "tts-1", "voice": "alloy", "format": "mp3"},
			Adapter:     openAISpeech{},
		},
		ProviderConfig{
			ID:          "qwen-tts",
			Operation:   OpTTS,
			Endpoint:    "https://dashscope.aliyuncs.com/api/v1/services/aigc/multimodal-generation/generation",
			Credentials: []string{CredDashScope},
			Options:     []string{"model", "voice"},
			Defaults:    map[string]string{"model": "qwen-tts", "voice": "Cherry"},
			Adapter:     dashscopeSpeech{},
		},
		ProviderConfig{
			ID:          "siliconflow-tts",
			Operation:   OpTTS,
			Endpoint:    "https://api.siliconflow.cn/v1/audio/speech",
			Credentials: []string{CredSiliconFlow},
			Options:     []string{"model", "voice", "format", "speed"},
			Defaults: map[string]string{
				"model":  "fishaudio/fish-speech-1.5",
				"voice":  "fishaudio/fish-speech-1.5:alex",
				"format": "mp3",
			},
			Adapter: openAISpeech{},
		},
		ProviderConfig{
			ID:          "whisper",
			Operation:   OpSTT,
			Endpoint:    "https://api.openai.com/v1/audio/transcriptions",
			Credentials: []string{CredOpenAI},
			Options:     []string{"model", "language", "prompt"},
			Defaults:    map[string]string{"model": "whisper-1"},
			Adapter:     transcriber{},
		},
		ProviderConfig{
			ID:          "dashscope-stt",
			Operation:   OpSTT,
			Endpoint:    "https://dashscope.aliyuncs.com/api/v1/services/audio/asr/transcription",
			Credentials: []string{CredDashScope},
			Options:     []string{"model", "language"},
			Defaults:    map[string]string{"model": "sensevoice-v1"},
			Timeout:     180 * time.Second,
			Adapter:     dashscopeTranscriber{},
		},
		ProviderConfig{
			ID:          "sensevoice",
			Operation:   OpSTT,
			Endpoint:    "https://api.siliconflow.cn/v1/audio/transcriptions",
			Credentials: []string{CredSiliconFlow},
			Options:     []string{"model", "language"},
			Defaults:    map[string]string{"model": "FunAudioLLM/SenseVoiceSmall"},
			Adapter:     transcriber{},
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// ProviderForModel maps a model name to the default provider serving it. It returns "" when no
// provider matches.
func ProviderForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "dall-e"):
		return "dall-e-3"
	case strings.HasPrefix(m, "tts-"), strings.HasPrefix(m, "gpt-4o-mini-tts"):
		return "openai-tts"
	case strings.HasPrefix(m, "whisper"):
		return "whisper"
	case strings.HasPrefix(m, "wanx"):
		return "tongyi"
	case strings.HasPrefix(m, "qwen-tts"), strings.HasPrefix(m, "qwen3-tts"):
		return "qwen-tts"
	case strings.HasPrefix(m, "sensevoice-v"), strings.HasPrefix(m, "paraformer"):
		return "dashscope-stt"
	case strings.HasPrefix(m, "sd3"), strings.HasPrefix(m, "stable-diffusion"):
		return "stable-diffusion"
	case strings.HasPrefix(m, "sd_xl"), strings.HasPrefix(m, "ernie"):
		return "ernie"
	case strings.HasPrefix(m, "funaudiollm/"), strings.Contains(m, "sensevoice"):
		return "sensevoice"
	case strings.HasPrefix(m, "fishaudio/"):
		return "siliconflow-tts"
	case strings.Contains(m, "/"):
		// Hosted open models (Kolors, FLUX, Qwen-Image) are served by SiliconFlow.
		return "siliconflow-image"
	}
	return ""
}
