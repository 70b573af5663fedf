package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/user/taskpilot/internal/config"
	ctxengine "github.com/user/taskpilot/internal/context"
	"github.com/user/taskpilot/internal/gateway"
	"github.com/user/taskpilot/internal/observability"
	"github.com/user/taskpilot/internal/runtime"
	"github.com/user/taskpilot/internal/runtime/tools"
	"github.com/user/taskpilot/internal/state"
	"github.com/user/taskpilot/pkg/llm"
	"github.com/user/taskpilot/pkg/llm/openai"
)

// app holds everything a turn needs, wired from config.
type app struct {
	cfg       *config.Config
	memory    *state.MemoryStore
	schedules *state.ScheduleStore
	registry  *prometheus.Registry
	gateway   *gateway.Gateway
}

func openMemory(cfg *config.Config) (*state.MemoryStore, error) {
	switch cfg.Memory.Backend {
	case "sqlite":
		return state.NewSQLiteMemoryStore(filepath.Join(cfg.DataDir, "memory.db"))
	default:
		return state.NewFileMemoryStore(cfg.DataDir), nil
	}
}

func scheduleStore(cfg *config.Config) *state.ScheduleStore {
	return state.NewScheduleStore(filepath.Join(cfg.DataDir, "schedules.json"))
}

func tasksPath(cfg *config.Config) string {
	if cfg.TasksPath != "" {
		return cfg.TasksPath
	}
	return filepath.Join(cfg.DataDir, "tasks.yaml")
}

func resumePath(cfg *config.Config) string {
	if cfg.Resume.Path != "" {
		return cfg.Resume.Path
	}
	return filepath.Join(cfg.DataDir, "resume.txt")
}

// resumeIndex builds the résumé index. Embeddings are used only when an
// embedding model is configured.
func resumeIndex(cfg *config.Config) *tools.ResumeIndex {
	var embedder tools.Embedder
	if cfg.Resume.EmbeddingModel != "" {
		embedder = openai.New(&llm.Config{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			EmbeddingModel: cfg.Resume.EmbeddingModel,
		})
	}
	return tools.NewResumeIndex(resumePath(cfg), embedder)
}

func newApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	memory, err := openMemory(cfg)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	// LLM provider
	policy := llm.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.LLM.MaxRetries + 1
	provider := llm.WithRetry(openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}), policy)

	// Context engine
	prompts, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		memory.Close()
		return nil, fmt.Errorf("create context engine: %w", err)
	}

	// Tools and task profiles
	builtins := tools.Builtins(tools.Deps{
		Jobs:       tools.NewJobStore(filepath.Join(cfg.DataDir, "jobs.json")),
		Memory:     memory,
		HTTPClient: &http.Client{Timeout: cfg.ToolTimeout()},
		Resume:     resumeIndex(cfg),
	})
	taskFile, err := runtime.LoadTaskFile(tasksPath(cfg))
	if err != nil {
		memory.Close()
		return nil, err
	}
	profiles, err := runtime.BuildProfiles(taskFile, builtins)
	if err != nil {
		memory.Close()
		return nil, fmt.Errorf("build task profiles: %w", err)
	}

	policyName, err := runtime.ParseToolCallPolicy(cfg.ToolCallPolicy)
	if err != nil {
		memory.Close()
		return nil, err
	}
	engine := runtime.NewEngine(provider, runtime.Options{
		MaxIterations: cfg.MaxToolIterations,
		Policy:        policyName,
		ModelTimeout:  cfg.ModelTimeout(),
		ToolTimeout:   cfg.ToolTimeout(),
	}, metrics)

	gw := gateway.New(gateway.Deps{
		Engine:    engine,
		Streamer:  runtime.NewStreamer(provider, memory, cfg.ModelTimeout(), metrics),
		Profiles:  profiles,
		Memory:    memory,
		Prompts:   prompts,
		Recorders: state.NewRecorders(),
		Metrics:   metrics,
	}, int64(cfg.MaxConcurrent))

	return &app{
		cfg:       cfg,
		memory:    memory,
		schedules: scheduleStore(cfg),
		registry:  registry,
		gateway:   gw,
	}, nil
}

// Close stops the gateway, letting running turns finish, and closes the
// memory store.
func (a *app) Close() {
	a.gateway.Stop()
	if err := a.memory.Close(); err != nil {
		slog.Warn("close memory store", "error", err)
	}
}
