// Package runtime assembles the orchestrator from configuration: the
// LLM gateway, the capability provider manager, the validation
// pipeline, the workflow engine and the HTTP server.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/olegkizyma008-rgb/atlas/pkg/bus"
	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/gateway"
	"github.com/olegkizyma008-rgb/atlas/pkg/history"
	"github.com/olegkizyma008-rgb/atlas/pkg/inspector"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
	"github.com/olegkizyma008-rgb/atlas/pkg/provider"
	"github.com/olegkizyma008-rgb/atlas/pkg/server"
	"github.com/olegkizyma008-rgb/atlas/pkg/session"
	"github.com/olegkizyma008-rgb/atlas/pkg/stream"
	"github.com/olegkizyma008-rgb/atlas/pkg/tools"
	"github.com/olegkizyma008-rgb/atlas/pkg/validation"
	"github.com/olegkizyma008-rgb/atlas/pkg/voice"
	"github.com/olegkizyma008-rgb/atlas/pkg/workflow"
)

// Runtime owns every long-lived component and their shutdown order.
type Runtime struct {
	cfg *config.Config

	llms      *llms.Registry
	gateway   *gateway.Gateway
	tools     *tools.Registry
	providers *provider.Manager
	bus       *bus.Bus
	store     *session.Store
	approvals *stream.Approvals
	server    *server.Server
}

// New builds the full component graph from a validated config. Nothing
// is started yet; Run spawns providers and the HTTP listener.
func New(cfg *config.Config) (*Runtime, error) {
	llmReg := llms.NewRegistry()
	for name, svc := range cfg.Services {
		if _, err := llmReg.CreateFromConfig(name, svc); err != nil {
			llmReg.CloseAll()
			return nil, err
		}
	}

	gw, err := gateway.New(cfg.Gateway, cfg.Services, llmReg)
	if err != nil {
		llmReg.CloseAll()
		return nil, fmt.Errorf("failed to build llm gateway: %w", err)
	}

	toolReg := tools.NewRegistry()
	providers := provider.NewManager(cfg.Providers, toolReg)

	var semantic validation.SemanticChecker
	if cfg.Validation.SemanticEnabled {
		stage := cfg.StageFor(config.StageSemantic)
		semantic = validation.NewLLMChecker(gw, stage.Service, stage)
	}
	// One process-wide call record: the execution stage writes to it,
	// the validation pipeline's history stage reads from it.
	callRecord := history.NewRing(cfg.History.MaxSize)
	validator := validation.New(cfg.Validation, toolReg, callRecord, semantic)

	b := bus.New()
	store := session.NewStore(cfg.Session, cfg.History.MaxSize, b.Drop)
	approvals := stream.NewApprovals(cfg.Inspector.ApprovalTimeout())

	engine := workflow.NewEngine(workflow.Deps{
		Config:     cfg,
		Gateway:    gw,
		Tools:      toolReg,
		Validator:  validator,
		Inspector:  inspector.New(cfg.Inspector),
		Dispatcher: providers,
		Providers:  providers,
		Approvals:  approvals,
		Voice:      voice.NewAnnouncer(cfg.Voice),
		Bus:        b,
		History:    callRecord,
	})

	srv := server.New(cfg.Server, engine, store, stream.NewCoordinator(b), approvals, providers, gw)

	return &Runtime{
		cfg:       cfg,
		llms:      llmReg,
		gateway:   gw,
		tools:     toolReg,
		providers: providers,
		bus:       b,
		store:     store,
		approvals: approvals,
		server:    srv,
	}, nil
}

// Run starts the capability providers and the HTTP server and blocks
// until the context is cancelled or the server fails.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.providers.StartAll(ctx); err != nil {
		r.Close()
		return fmt.Errorf("provider startup failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.server.Start()
	}()

	slog.Info("orchestrator ready",
		"addr", fmt.Sprintf("%s:%d", r.cfg.Server.Host, r.cfg.Server.Port),
		"services", len(r.cfg.Services),
		"providers", len(r.providers.EnabledProviders()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			r.Close()
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	r.Close()
	return nil
}

// Close releases every component. Safe to call after a failed Run.
func (r *Runtime) Close() {
	r.store.Stop()
	r.providers.StopAll()
	r.gateway.Stop()
	r.llms.CloseAll()
}
