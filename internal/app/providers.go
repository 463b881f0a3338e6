package app

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/palaver-dev/palaver/internal/resilience"
	"github.com/palaver-dev/palaver/pkg/provider/llm"
	"github.com/palaver-dev/palaver/pkg/provider/llm/anyllm"
	llmmock "github.com/palaver-dev/palaver/pkg/provider/llm/mock"
	openaillm "github.com/palaver-dev/palaver/pkg/provider/llm/openai"
	"github.com/palaver-dev/palaver/pkg/provider/stt"
	"github.com/palaver-dev/palaver/pkg/provider/stt/deepgram"
	sttmock "github.com/palaver-dev/palaver/pkg/provider/stt/mock"
	"github.com/palaver-dev/palaver/pkg/provider/tts"
	"github.com/palaver-dev/palaver/pkg/provider/tts/coqui"
	ttsmock "github.com/palaver-dev/palaver/pkg/provider/tts/mock"
	"github.com/palaver-dev/palaver/pkg/provider/vap"
	"github.com/palaver-dev/palaver/pkg/provider/vap/energy"
)

// llmProvider returns the injected response LLM or builds one from config.
// The built provider is cached back into providers so the classifier can
// default to it.
func (a *App) llmProvider(providers *Providers) (llm.Provider, error) {
	if providers.LLM != nil {
		return providers.LLM, nil
	}
	p, err := a.buildLLM(a.cfg.LLM.ResponseModel)
	if err != nil {
		return nil, err
	}
	providers.LLM = p
	return p, nil
}

// classifierProvider returns the text-VAP classifier LLM. When no separate
// classifier model is configured it shares the response provider.
func (a *App) classifierProvider(providers *Providers) (llm.Provider, error) {
	if providers.ClassifierLLM != nil {
		return providers.ClassifierLLM, nil
	}
	model := a.cfg.LLM.TextVAPModel
	if model == "" || model == a.cfg.LLM.ResponseModel {
		return a.llmProvider(providers)
	}
	p, err := a.buildLLM(model)
	if err != nil {
		return nil, err
	}
	providers.ClassifierLLM = p
	return p, nil
}

// buildLLM constructs one llm.Provider bound to the given model. The model is
// a provider property here, so the response generator and the classifier get
// separate instances when their models differ. Remote backends are wrapped in
// a circuit breaker so speculative attempts stop hammering a dead API.
func (a *App) buildLLM(model string) (llm.Provider, error) {
	cfg := a.cfg.LLM
	switch cfg.Provider {
	case "openai", "":
		var opts []openaillm.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(cfg.BaseURL))
		}
		p, err := openaillm.New(cfg.APIKey, model, opts...)
		if err != nil {
			return nil, err
		}
		return resilience.NewLLMFallback(p, "openai", resilience.FallbackConfig{}), nil
	case "mock":
		// Canned replies so the pipeline is demonstrable without an API key.
		return &llmmock.Provider{
			StreamChunks: []llm.Chunk{
				{Text: "I heard you."},
				{Text: "/0_normal|0_wait", FinishReason: "stop"},
			},
			CompleteResponse: &llm.CompletionResponse{
				Content: "a: Nothing.\nb: 0_normal\nc: 0_wait\nd: 0",
			},
		}, nil
	default:
		// Everything else routes through the any-llm registry: anthropic,
		// gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile.
		var opts []anyllmlib.Option
		if cfg.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		p, err := anyllm.New(cfg.Provider, model, opts...)
		if err != nil {
			return nil, err
		}
		return resilience.NewLLMFallback(p, cfg.Provider, resilience.FallbackConfig{}), nil
	}
}

func (a *App) sttProvider(providers *Providers) (stt.Provider, error) {
	if providers.STT != nil {
		return providers.STT, nil
	}
	cfg := a.cfg.ASR
	switch cfg.Provider {
	case "deepgram", "":
		var opts []deepgram.Option
		if cfg.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.Model))
		}
		if cfg.Language != "" {
			opts = append(opts, deepgram.WithLanguage(cfg.Language))
		}
		p, err := deepgram.New(cfg.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return resilience.NewSTTFallback(p, "deepgram", resilience.FallbackConfig{}), nil
	case "mock":
		return &sttmock.Provider{}, nil
	default:
		return nil, fmt.Errorf("unknown asr provider %q", cfg.Provider)
	}
}

func (a *App) ttsEngine(providers *Providers) (tts.Engine, error) {
	if providers.TTS != nil {
		return providers.TTS, nil
	}
	cfg := a.cfg.TTS
	switch cfg.Engine {
	case "coqui", "":
		e, err := coqui.New(cfg.ServerURL)
		if err != nil {
			return nil, err
		}
		return resilience.NewTTSFallback(e, "coqui", resilience.FallbackConfig{}), nil
	case "mock":
		return &ttsmock.Engine{}, nil
	default:
		return nil, fmt.Errorf("unknown tts engine %q", cfg.Engine)
	}
}

func (a *App) vapModel(providers *Providers) (vap.Model, error) {
	if providers.VAP != nil {
		return providers.VAP, nil
	}
	return energy.New(), nil
}
