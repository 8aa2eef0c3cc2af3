package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/OnboardPipe/internal/expression"
	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/genai"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/schema"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/tools"
)

// App is the assembled engine and everything it owns.
type App struct {
	Config  Config
	Store   store.Store
	Tools   *tools.Registry
	Catalog *schema.Catalog
	Engine  *flow.Engine
}

// Build opens the store, registers tools, seeds flows and creates the engine.
// The OpenAI capabilities replace the heuristic extractor and template composer only when
// an API key is configured.
func Build(ctx context.Context, cfg Config) (*App, error) {
	if err := cfg.Prepare(); err != nil {
		return nil, err
	}
	if cfg.FileBacked() {
		if err := os.MkdirAll(filepath.Dir(cfg.StoreDSN()), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	st, err := store.Open(cfg.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, Store: st, Tools: tools.NewRegistry()}
	if err := a.init(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	if cfg.ToolsFile != "" {
		specs, err := tools.LoadSpecs(cfg.ToolsFile)
		if err != nil {
			return err
		}
		if err := tools.RegisterSpecs(a.Tools, specs); err != nil {
			return err
		}
	}
	if cfg.FlowsDir != "" {
		if _, err := SeedFlows(ctx, a.Store, cfg.FlowsDir); err != nil {
			return err
		}
	}

	ev := expression.NewEvaluator()
	a.Catalog = schema.NewCatalog(a.Store,
		schema.WithToolLookup(a.Tools),
		schema.WithEvaluator(ev),
		schema.WithCanonicalDefault(cfg.Engine.CanonicalDefaultFlow),
		schema.WithStrict(cfg.StrictFlows),
	)
	if err := a.Catalog.Reload(ctx); err != nil {
		return fmt.Errorf("load flows: %w", err)
	}

	routerOpts := []flow.RouterOption{flow.WithConfig(cfg.Engine), flow.WithEvaluator(ev)}
	var engineOpts []flow.EngineOption
	if cfg.OpenAIKey != "" {
		client, err := genai.NewClient(
			genai.WithAPIKey(cfg.OpenAIKey),
			genai.WithModel(cfg.OpenAIModel),
			genai.WithDebugMode(cfg.GenAIDebug, cfg.StateDir),
		)
		if err != nil {
			return fmt.Errorf("create genai client: %w", err)
		}
		routerOpts = append(routerOpts,
			flow.WithExtractor(genai.NewExtractor(client)),
			flow.WithClassifier(genai.NewClassifier(client)),
		)
		engineOpts = append(engineOpts, flow.WithComposer(genai.NewComposer(client)))
		slog.Info("App.Build: OpenAI capabilities enabled", "model", cfg.OpenAIModel)
	}

	router, err := flow.NewRouter(a.Catalog, flow.NewStoreBasedStateManager(a.Store), a.Tools, routerOpts...)
	if err != nil {
		return err
	}
	a.Engine = flow.NewEngine(router, engineOpts...)
	return nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// SeedFlows stores every flow file in dir whose content differs from the latest stored
// version. It returns how many new versions were written.
func SeedFlows(ctx context.Context, st store.Store, dir string) (int, error) {
	defs, err := schema.DirSource{Dir: dir}.ListFlowDefinitions(ctx)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, def := range defs {
		current, err := st.GetFlowDefinition(ctx, def.Slug)
		if err != nil && !errors.Is(err, models.ErrFlowNotFound) {
			return written, err
		}
		if current != nil && sameDefinition(current, def) {
			continue
		}
		version, err := st.SaveFlowDefinition(ctx, def)
		if err != nil {
			return written, fmt.Errorf("save flow %s: %w", def.Slug, err)
		}
		written++
		slog.Info("SeedFlows: flow stored", "flowID", def.Slug, "version", version)
	}
	return written, nil
}

func sameDefinition(a, b *models.FlowDefinition) bool {
	ca, cb := *a, *b
	ca.Version, cb.Version = 0, 0
	ja, errA := json.Marshal(&ca)
	jb, errB := json.Marshal(&cb)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
