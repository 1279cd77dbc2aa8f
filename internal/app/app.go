// Package app assembles the analysis service from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/metalagman/atelier/internal/api"
	"github.com/metalagman/atelier/internal/config"
	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/expert"
	"github.com/metalagman/atelier/internal/imagegen"
	"github.com/metalagman/atelier/internal/llm"
	"github.com/metalagman/atelier/internal/llm/providers"
	"github.com/metalagman/atelier/internal/logging"
	"github.com/metalagman/atelier/internal/metrics"
	"github.com/metalagman/atelier/internal/motivation"
	"github.com/metalagman/atelier/internal/safety"
	"github.com/metalagman/atelier/internal/search"
	"github.com/metalagman/atelier/internal/session"
	"github.com/metalagman/atelier/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"
)

// Core provides everything needed to run sessions, without the HTTP server.
func Core(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			openDB,
			db.NewStore,
			newKV,
			newRecorder,
			newGateway,
			newGate,
			newSearch,
			newExecutor,
			newMotivation,
			newImages,
			newSemaphore,
			newEngine,
			newSessions,
		),
	)
}

// Server adds the HTTP API on top of Core.
func Server(cfg config.Config, debug bool) fx.Option {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	return fx.Options(
		Core(cfg),
		fx.Provide(newHTTPServer),
		fx.Invoke(func(*http.Server) {}),
	)
}

// Quiet discards fx's own event log.
func Quiet() fx.Option {
	return fx.NopLogger
}

func openDB(lc fx.Lifecycle, cfg config.Config) (*sql.DB, error) {
	path := cfg.Storage.DBPath
	if path == "" {
		path = filepath.Join(cfg.App.DataDir, "atelier.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	conn, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(conn.Close))
	return conn, nil
}

func newKV(cfg config.Config, conn *sql.DB) (db.KV, error) {
	return db.NewKV(cfg.Storage.KVBackend, conn)
}

func newRecorder() *metrics.Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.New(reg)
}

func newGateway(cfg config.Config, rec *metrics.Recorder) (*llm.Gateway, error) {
	return providers.NewGateway(cfg.LLM, providers.BuildOptions{
		Recorder: rec,
		Logger:   logging.Component("llm"),
	})
}

func newGate(lc fx.Lifecycle, cfg config.Config, gw *llm.Gateway, kv db.KV, rec *metrics.Recorder) (*safety.Gate, error) {
	rules, err := safety.InitRules(cfg.Safety.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load safety rules: %w", err)
	}
	if cfg.Safety.WatchRules {
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return rules.Watch(ctx) },
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}

	var opts []safety.ContentOption
	if cfg.Safety.ModerationAPIKey != "" {
		mod, err := safety.NewOpenAIModerator(cfg.Safety.ModerationURL, cfg.Safety.ModerationAPIKey, nil)
		if err != nil {
			return nil, fmt.Errorf("create moderator: %w", err)
		}
		opts = append(opts, safety.WithModerator(mod))
	}
	var classifierLLM llm.Completer
	if cfg.Safety.EnableLLMCheck {
		opts = append(opts, safety.WithSemanticCheck(gw))
		classifierLLM = gw
	}

	return safety.NewGate(
		rules,
		safety.NewContentChecker(rules, opts...),
		safety.NewDomainClassifier(classifierLLM),
		safety.NewViolationLog(cfg.Safety.ViolationLog, kv, rec),
		safety.GateConfig{
			SecondaryThreshold:  cfg.Safety.SecondaryThreshold,
			DriftConfidenceDrop: cfg.Safety.DriftConfidenceDrop,
		},
	), nil
}

func newSearch(lc fx.Lifecycle, cfg config.Config, rec *metrics.Recorder) (*search.Orchestrator, error) {
	sc := cfg.Search
	trust, err := search.LoadTrustList(sc.TrustListFile)
	if err != nil {
		return nil, err
	}
	ts, err := search.BuildTools(SearchToolsConfig(cfg))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(ts.Close))
	return search.NewOrchestrator(search.Config{
		Timeout:            sc.Timeout,
		RelevanceThreshold: sc.RelevanceThreshold,
		RelaxedThreshold:   sc.RelaxedThreshold,
		MinContentLength:   sc.MinContentLength,
		MinResults:         sc.MinResults,
		MaxResults:         sc.MaxResults,
	}, trust, rec, ts.Tools...), nil
}

// SearchToolsConfig extracts the search backend settings.
func SearchToolsConfig(cfg config.Config) search.ToolsConfig {
	sc := cfg.Search
	return search.ToolsConfig{
		Timeout:           sc.Timeout,
		WebAPIKey:         sc.WebAPIKey,
		WebBaseURL:        sc.WebBaseURL,
		ChineseWebAPIKey:  sc.ChineseWebAPIKey,
		ChineseWebBaseURL: sc.ChineseWebBaseURL,
		AcademicBaseURL:   sc.AcademicBaseURL,
		KBDir:             sc.KBDir,
	}
}

func newExecutor(cfg config.Config, gw *llm.Gateway, orch *search.Orchestrator) (*expert.Executor, error) {
	registry, err := expert.LoadRegistry(cfg.Expert.PromptsDir)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	return expert.NewExecutor(gw, registry, orch, expert.Config{
		MaxRetries:          cfg.Expert.MaxRetries,
		CitationTokenBudget: cfg.Expert.CitationTokenBudget,
		RoleTimeout:         cfg.Workflow.RoleTimeout,
	}), nil
}

func newMotivation(lc fx.Lifecycle, cfg config.Config, gw *llm.Gateway, kv db.KV) *motivation.Engine {
	e := motivation.NewEngine(gw, kv, motivation.Config{
		MinConfidenceThreshold: cfg.Motivation.MinConfidenceThreshold,
		KeywordGate:            cfg.Motivation.KeywordGate,
		RuleGate:               cfg.Motivation.RuleGate,
	})
	lc.Append(fx.StopHook(e.Close))
	return e
}

func newImages(cfg config.Config, kv db.KV) *imagegen.Generator {
	return imagegen.New(imagegen.Config{
		APIKey:    cfg.Image.APIKey,
		BaseURL:   cfg.Image.BaseURL,
		Model:     cfg.Image.Model,
		OutputDir: cfg.Image.OutputDir,
	}, kv, nil)
}

func newSemaphore(cfg config.Config) *llm.AdaptiveSemaphore {
	cc := cfg.Concurrency
	return llm.NewAdaptiveSemaphore(llm.AdaptiveConfig{
		Initial:           cc.BatchInitial,
		IncreaseThreshold: cc.IncreaseThreshold,
		IncreaseStep:      cc.IncreaseStep,
		DecreaseStep:      cc.DecreaseStep,
		Cooldown:          cc.Cooldown,
	})
}

type engineParams struct {
	fx.In

	Config     config.Config
	Store      *db.Store
	Recorder   *metrics.Recorder
	Gate       *safety.Gate
	Experts    *expert.Executor
	Motivation *motivation.Engine
	Images     *imagegen.Generator
	Semaphore  *llm.AdaptiveSemaphore
}

func newEngine(p engineParams) (*workflow.Engine, error) {
	graph := workflow.BuildGraph(workflow.Deps{
		Gate:       p.Gate,
		Experts:    p.Experts,
		Motivation: p.Motivation,
		Images:     p.Images,
		Semaphore:  p.Semaphore,
		Config: workflow.Config{
			ConfirmRequirements: p.Config.Workflow.ConfirmRequirements,
			EnableFollowup:      p.Config.Workflow.EnableFollowup,
			BatchTimeout:        p.Config.Concurrency.BatchTimeout,
		},
	})
	return workflow.NewEngine(graph, p.Store, workflow.Options{
		MaxReviewRounds: p.Config.Workflow.MaxReviewRounds,
		LockDir:         p.Config.App.DataDir,
		Recorder:        p.Recorder,
	})
}

func newSessions(lc fx.Lifecycle, engine *workflow.Engine, store *db.Store, kv db.KV) *session.Service {
	svc := session.NewService(engine, store, kv)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := engine.Recover(ctx)
			return err
		},
		OnStop: svc.Close,
	})
	return svc
}

func newHTTPServer(lc fx.Lifecycle, cfg config.Config, svc *session.Service, rec *metrics.Recorder) *http.Server {
	routes := api.NewServer(svc, api.Options{
		ImagesDir: cfg.Image.OutputDir,
		Metrics:   rec.Handler(),
	}).Routes()
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("http server stopped")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
