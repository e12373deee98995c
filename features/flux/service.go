// Package flux implements the AO tool set served over MCP: spawning
// processes, evaluating Lua, loading blueprints, and defining and invoking
// handlers. Every call submits one signed message, waits for the network to
// settle, fetches the correlated result, and renders it as display text.
package flux

import (
	"context"
	"fmt"
	"net/url"

	"github.com/fluxmcp/flux/runtime/ao"
	"github.com/fluxmcp/flux/runtime/retry"
	"github.com/fluxmcp/flux/runtime/telemetry"
)

type (
	// Config selects process templates and the result poll policy.
	Config struct {
		// Module is the template for plain spawns.
		Module string
		// SqliteModule is the template with the embedded lsqlite3 store.
		SqliteModule string
		// Scheduler is assigned to every spawned process.
		Scheduler string
		// Poll bounds the wait for each result.
		Poll retry.Config
	}

	// Service implements the tool operations against an AO network.
	Service struct {
		cfg        Config
		network    ao.Network
		signer     ao.Signer
		pipeline   *Pipeline
		blueprints *BlueprintSource
		logger     telemetry.Logger
	}
)

// DefaultConfig returns the public testnet templates and the default poll
// policy.
func DefaultConfig() Config {
	return Config{
		Module:       ao.DefaultModule,
		SqliteModule: ao.SqliteModule,
		Scheduler:    ao.DefaultScheduler,
		Poll:         retry.DefaultConfig(),
	}
}

// NewService wires the operations. The signer is shared by every submission.
func NewService(cfg Config, network ao.Network, signer ao.Signer, blueprints *BlueprintSource, logger telemetry.Logger) *Service {
	defaults := DefaultConfig()
	if cfg.Module == "" {
		cfg.Module = defaults.Module
	}
	if cfg.SqliteModule == "" {
		cfg.SqliteModule = defaults.SqliteModule
	}
	if cfg.Scheduler == "" {
		cfg.Scheduler = defaults.Scheduler
	}
	if blueprints == nil {
		blueprints = NewBlueprintSource("", nil)
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Service{
		cfg:        cfg,
		network:    network,
		signer:     signer,
		pipeline:   NewPipeline(network, signer, cfg.Poll, logger),
		blueprints: blueprints,
		logger:     logger,
	}
}

// Spawn creates a process from the sqlite template when needsSqlite is set,
// the default template otherwise.
func (s *Service) Spawn(ctx context.Context, tags []ao.Tag, needsSqlite bool) (ao.ProcessID, error) {
	module := s.cfg.Module
	if needsSqlite {
		module = s.cfg.SqliteModule
	}
	pid, err := s.network.Spawn(ctx, ao.SpawnRequest{
		Module:    module,
		Scheduler: s.cfg.Scheduler,
		Signer:    s.signer,
		Tags:      tags,
	})
	if err != nil {
		return "", transportError("spawn process", err)
	}
	s.logger.Info(ctx, "process spawned", "process", string(pid), "module", module)
	return pid, nil
}

// SendMessage delivers data with tags and renders the first emitted
// message's Data.
func (s *Service) SendMessage(ctx context.Context, process ao.ProcessID, data string, tags []ao.Tag) (string, error) {
	outcome, err := s.pipeline.Send(ctx, process, data, tags)
	if err != nil {
		return "", err
	}
	return render(outcome, PreferMessage)
}

// RunCode evaluates code with extra tags after Action=Eval.
func (s *Service) RunCode(ctx context.Context, process ao.ProcessID, code string, tags []ao.Tag) (string, error) {
	return s.eval(ctx, process, code, tags)
}

// InstallPackage installs pkg with the process package manager.
func (s *Service) InstallPackage(ctx context.Context, process ao.ProcessID, pkg string) (string, error) {
	return s.eval(ctx, process, installSnippet(pkg), nil)
}

// LoadNamedBlueprint evaluates an official blueprint by name.
func (s *Service) LoadNamedBlueprint(ctx context.Context, process ao.ProcessID, name string) (string, error) {
	return s.LoadBlueprintFromURL(ctx, process, s.blueprints.URLFor(name))
}

// LoadBlueprintFromURL downloads Lua source from rawURL and evaluates it.
func (s *Service) LoadBlueprintFromURL(ctx context.Context, process ao.ProcessID, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", invalidParams(fmt.Errorf("url %q is not an absolute http(s) URL", rawURL))
	}
	code, err := s.blueprints.Fetch(ctx, rawURL)
	if err != nil {
		return "", blueprintError(err)
	}
	return s.eval(ctx, process, code, nil)
}

// LoadLocalBlueprint evaluates blueprint source supplied by the caller.
func (s *Service) LoadLocalBlueprint(ctx context.Context, process ao.ProcessID, code string) (string, error) {
	return s.eval(ctx, process, code, nil)
}

// CreateHandler evaluates handler registration code.
func (s *Service) CreateHandler(ctx context.Context, process ao.ProcessID, code string) (string, error) {
	return s.eval(ctx, process, code, nil)
}

// CreateStatefulHandler evaluates handler code after binding the Db global
// to an in-memory sqlite database.
func (s *Service) CreateStatefulHandler(ctx context.Context, process ao.ProcessID, code string) (string, error) {
	return s.eval(ctx, process, statefulHandlerCode(code), nil)
}

// ListHandlers renders the handlers registered on the process.
func (s *Service) ListHandlers(ctx context.Context, process ao.ProcessID) (string, error) {
	return s.eval(ctx, process, listHandlersLua, nil)
}

// RunHandler sends data tagged Action=<name> and renders the first emitted
// message's Data.
func (s *Service) RunHandler(ctx context.Context, process ao.ProcessID, name, data string) (string, error) {
	return s.SendMessage(ctx, process, data, []ao.Tag{{Name: "Action", Value: name}})
}

func (s *Service) eval(ctx context.Context, process ao.ProcessID, code string, tags []ao.Tag) (string, error) {
	outcome, err := s.pipeline.Eval(ctx, process, code, tags)
	if err != nil {
		return "", err
	}
	return render(outcome, PreferOutput)
}

func render(outcome ao.Outcome, sel Selection) (string, error) {
	text, err := NormalizeOutcome(outcome, sel)
	if err != nil {
		return "", outcomeError(err)
	}
	return text, nil
}
