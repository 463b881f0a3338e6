// Package app wires the Palaver modules into a running process.
//
// The App owns the full lifecycle: New connects the bus and constructs the
// requested modules from config, Run executes every module loop inside one
// errgroup, and Shutdown tears the transport down. The original deployment
// model of one process per module is preserved through the module list: a
// process started with only "dialogue" participates in a multi-process
// system over AMQP, while the default full set plus the in-memory bus gives
// a self-contained single process.
//
// For testing, inject mock providers via [Providers]; New creates real
// implementations only for the slots left nil that a requested module needs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/palaver-dev/palaver/internal/asr"
	"github.com/palaver-dev/palaver/internal/audiovap"
	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/dialogue"
	"github.com/palaver-dev/palaver/internal/prompt"
	"github.com/palaver-dev/palaver/internal/respgen"
	"github.com/palaver-dev/palaver/internal/textvap"
	"github.com/palaver-dev/palaver/internal/ttsout"
	"github.com/palaver-dev/palaver/internal/webui"
	"github.com/palaver-dev/palaver/pkg/provider/llm"
	"github.com/palaver-dev/palaver/pkg/provider/stt"
	"github.com/palaver-dev/palaver/pkg/provider/tts"
	"github.com/palaver-dev/palaver/pkg/provider/vap"

	"golang.org/x/sync/errgroup"
)

// Module names accepted by New and the -modules flag.
const (
	ModuleASR      = "asr"
	ModuleAudioVAP = "audio_vap"
	ModuleTextVAP  = "text_vap"
	ModuleDialogue = "dialogue"
	ModuleTTS      = "tts"
	ModuleWebUI    = "webui"
)

// AllModules is the default module set, in start order.
var AllModules = []string{
	ModuleASR, ModuleAudioVAP, ModuleTextVAP, ModuleDialogue, ModuleTTS, ModuleWebUI,
}

// Providers holds one interface value per provider slot. Nil slots are filled
// from config when a requested module needs them; tests inject mocks here.
type Providers struct {
	// LLM generates responses. ClassifierLLM drives the text-VAP
	// backchannel classifier; it defaults to LLM when nil.
	LLM           llm.Provider
	ClassifierLLM llm.Provider

	STT stt.Provider
	TTS tts.Engine
	VAP vap.Model

	// Bus overrides the transport chosen from config.
	Bus broker.Bus
}

// runner is one module loop owned by Run.
type runner struct {
	name string
	run  func(ctx context.Context) error
}

// App owns the bus and the constructed module loops.
type App struct {
	cfg     *config.Config
	bus     broker.Bus
	log     *slog.Logger
	runners []runner

	// webUI is kept for Addr-style introspection; nil when not requested.
	webUI *webui.Server
}

// New connects the transport and constructs the named modules. A nil or
// empty modules list means [AllModules].
func New(cfg *config.Config, providers *Providers, modules []string) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	if len(modules) == 0 {
		modules = AllModules
	}
	for _, name := range modules {
		if !slices.Contains(AllModules, name) {
			return nil, fmt.Errorf("app: unknown module %q (have %s)",
				name, strings.Join(AllModules, ", "))
		}
	}

	a := &App{cfg: cfg, log: slog.Default()}

	if err := a.initBus(providers); err != nil {
		return nil, err
	}

	prompts, err := prompt.Load(cfg.LLM.Prompts)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	for _, name := range modules {
		if err := a.initModule(name, providers, prompts); err != nil {
			return nil, fmt.Errorf("app: init %s: %w", name, err)
		}
	}
	return a, nil
}

// initBus selects the transport: the in-process bus for "mem://" (or empty)
// hosts, AMQP otherwise.
func (a *App) initBus(providers *Providers) error {
	if providers.Bus != nil {
		a.bus = providers.Bus
		return nil
	}
	host := a.cfg.Broker.Host
	if host == "" || host == "mem://" {
		a.log.Info("app: using in-process bus")
		a.bus = broker.NewMemBus()
		return nil
	}
	client, err := broker.Dial(host,
		broker.WithPublishGrace(a.cfg.Broker.PublishGrace),
	)
	if err != nil {
		return fmt.Errorf("app: connect broker %s: %w", host, err)
	}
	a.bus = client
	return nil
}

func (a *App) initModule(name string, providers *Providers, prompts prompt.Set) error {
	switch name {
	case ModuleASR:
		sttProv, err := a.sttProvider(providers)
		if err != nil {
			return err
		}
		m := asr.New(a.bus, sttProv, a.cfg.ASR)
		a.add(name, m.Run)

	case ModuleAudioVAP:
		model, err := a.vapModel(providers)
		if err != nil {
			return err
		}
		m := audiovap.New(a.bus, model, a.cfg.VAP, a.cfg.TTS)
		a.add(name, m.Run)

	case ModuleTextVAP:
		prov, err := a.classifierProvider(providers)
		if err != nil {
			return err
		}
		m := textvap.New(a.bus, prov, a.cfg.TextVAP, a.cfg.Timeout.MaxSilence,
			textvap.WithPrompt(prompts.Backchannel),
		)
		a.add(name, m.Run)

	case ModuleDialogue:
		prov, err := a.llmProvider(providers)
		if err != nil {
			return err
		}
		gen, err := respgen.New(prov, a.cfg.LLM, prompts)
		if err != nil {
			return err
		}
		m := dialogue.New(a.bus, gen, a.cfg.Dialogue, a.cfg.Timeout.LLMWait)
		a.add(name, m.Run)

	case ModuleTTS:
		engine, err := a.ttsEngine(providers)
		if err != nil {
			return err
		}
		m := ttsout.New(a.bus, engine, a.cfg.TTS)
		a.add(name, m.Run)

	case ModuleWebUI:
		a.webUI = webui.New(a.bus, a.cfg.WebUI)
		a.add(name, a.webUI.Run)
	}
	return nil
}

func (a *App) add(name string, run func(ctx context.Context) error) {
	a.runners = append(a.runners, runner{name: name, run: run})
}

// Run starts every constructed module loop and blocks until one fails or ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range a.runners {
		a.log.Info("app: starting module", "module", r.name)
		g.Go(func() error {
			if err := r.run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("module %s: %w", r.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown closes the transport. Module loops stop with the Run context.
func (a *App) Shutdown() error {
	return a.bus.Close()
}

// WebAddr returns the web interface's listening address, or "" when the
// webui module is not running or has not bound yet.
func (a *App) WebAddr() string {
	if a.webUI == nil {
		return ""
	}
	return a.webUI.Addr()
}
