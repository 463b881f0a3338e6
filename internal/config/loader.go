package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per pipeline stage.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr": {"deepgram", "mock"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
	"tts": {"coqui", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are built from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued field that has a documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Broker.PublishGrace <= 0 {
		cfg.Broker.PublishGrace = 2 * time.Second
	}

	if cfg.ASR.Language == "" {
		cfg.ASR.Language = "en-US"
	}
	if cfg.ASR.SampleRate <= 0 {
		cfg.ASR.SampleRate = 16000
	}
	if cfg.ASR.ChunkSize <= 0 {
		cfg.ASR.ChunkSize = 800
	}
	if cfg.ASR.StreamingLimit <= 0 {
		cfg.ASR.StreamingLimit = 240 * time.Second
	}

	if cfg.VAP.BufferLength <= 0 {
		cfg.VAP.BufferLength = 10
	}
	if cfg.VAP.Threshold <= 0 {
		cfg.VAP.Threshold = 0.5
	}
	if cfg.VAP.TickInterval <= 0 {
		cfg.VAP.TickInterval = 100 * time.Millisecond
	}

	if cfg.TextVAP.Interval <= 0 {
		cfg.TextVAP.Interval = 5
	}
	if cfg.TextVAP.MinThreshold <= 0 {
		cfg.TextVAP.MinThreshold = 7
	}
	if cfg.TextVAP.MaxVerbalBackchannels <= 0 {
		cfg.TextVAP.MaxVerbalBackchannels = 1
	}
	if cfg.TextVAP.MaxNonverbalBackchannels <= 0 {
		cfg.TextVAP.MaxNonverbalBackchannels = 3
	}

	if cfg.Timeout.MaxSilence <= 0 {
		cfg.Timeout.MaxSilence = 3 * time.Second
	}
	if cfg.Timeout.LLMWait <= 0 {
		cfg.Timeout.LLMWait = 10 * time.Second
	}

	if cfg.Dialogue.HistoryLength <= 0 {
		cfg.Dialogue.HistoryLength = 5
	}
	if cfg.Dialogue.ResponseInterval <= 0 {
		cfg.Dialogue.ResponseInterval = 2
	}
	if len(cfg.Dialogue.Backchannels) == 0 {
		cfg.Dialogue.Backchannels = []string{"Uh-huh.", "Okay.", "I see."}
	}
	if cfg.Dialogue.Spacer == "" {
		cfg.Dialogue.Spacer = " "
	}
	if cfg.Dialogue.DefaultPhrase == "" {
		cfg.Dialogue.DefaultPhrase = "Sorry, I didn't quite catch that. Could you repeat?"
	}

	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 128
	}
	if cfg.LLM.MaxMessagesInContext <= 0 {
		cfg.LLM.MaxMessagesInContext = 10
	}
	if cfg.LLM.TextVAPModel == "" {
		cfg.LLM.TextVAPModel = cfg.LLM.ResponseModel
	}
	if len(cfg.LLM.SplitPattern) == 0 {
		cfg.LLM.SplitPattern = []string{".", "!", "?", ",", ";", ":"}
	}

	if cfg.TTS.OrgSampleRate <= 0 {
		cfg.TTS.OrgSampleRate = 22050
	}
	if cfg.TTS.DstSampleRate <= 0 {
		cfg.TTS.DstSampleRate = 16000
	}
	if cfg.TTS.ScaleFactor <= 0 {
		cfg.TTS.ScaleFactor = 1.0
	}
	if cfg.TTS.FrameLength <= 0 {
		cfg.TTS.FrameLength = 0.05
	}
	if cfg.TTS.SendInterval <= 0 {
		cfg.TTS.SendInterval = time.Duration(cfg.TTS.FrameLength * float64(time.Second))
	}

	if cfg.WebUI.ListenAddr == "" {
		cfg.WebUI.ListenAddr = ":8891"
	}
	if cfg.WebUI.InputTimeout <= 0 {
		cfg.WebUI.InputTimeout = 1500 * time.Millisecond
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("asr", cfg.ASR.Provider)
	validateProviderName("llm", cfg.LLM.Provider)
	validateProviderName("tts", cfg.TTS.Engine)

	if cfg.VAP.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("vap.threshold %.2f is out of range (0, 1)", cfg.VAP.Threshold))
	}
	if cfg.TTS.FrameLength > 1 {
		errs = append(errs, fmt.Errorf("tts.frame_length %.2f seconds is implausibly long", cfg.TTS.FrameLength))
	}

	if cfg.LLM.Provider != "" && cfg.LLM.Provider != "mock" {
		if cfg.LLM.ResponseModel == "" {
			errs = append(errs, errors.New("llm.response_model is required when llm.provider is set"))
		}
		if cfg.LLM.APIKey == "" {
			slog.Warn("llm.api_key is empty; the provider may reject requests",
				"provider", cfg.LLM.Provider)
		}
	}
	if cfg.TTS.Engine == "coqui" && cfg.TTS.ServerURL == "" {
		errs = append(errs, errors.New("tts.server_url is required when tts.engine is coqui"))
	}
	if cfg.ASR.Provider == "deepgram" && cfg.ASR.APIKey == "" {
		errs = append(errs, errors.New("asr.api_key is required when asr.provider is deepgram"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
