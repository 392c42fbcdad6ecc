// Command scribed runs the report orchestration service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/collectors"
	"github.com/veritaslab/scribe/internal/config"
	"github.com/veritaslab/scribe/internal/db"
	"github.com/veritaslab/scribe/internal/httpapi"
	"github.com/veritaslab/scribe/internal/intent"
	"github.com/veritaslab/scribe/internal/llm"
	"github.com/veritaslab/scribe/internal/orchestrator"
	"github.com/veritaslab/scribe/internal/outline"
	"github.com/veritaslab/scribe/internal/quality"
	"github.com/veritaslab/scribe/internal/querygen"
	"github.com/veritaslab/scribe/internal/refine"
	"github.com/veritaslab/scribe/internal/report"
	"github.com/veritaslab/scribe/internal/retrypolicy"
	"github.com/veritaslab/scribe/internal/search"
	"github.com/veritaslab/scribe/internal/sections"
	"github.com/veritaslab/scribe/internal/session"
	"github.com/veritaslab/scribe/internal/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := buildLogger(cfg.Logging)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.Search.PerCallTimeout + 5*time.Second}

	// Registry construction order is source priority for dedup
	// collisions: earlier wins.
	registry := collectors.NewSourceRegistry(
		collectors.NewTavilyCollector(cfg.Search.TavilyAPIKey, httpClient, logger),
		collectors.NewArxivCollector(httpClient, logger),
		collectors.NewNewsAPICollector(cfg.Search.NewsAPIKey, httpClient, logger),
	)

	llmClient := llm.NewHTTPClient(cfg.LLM.ServiceURL, cfg.LLM.Timeout, logger)

	executor := search.NewExecutor(registry, retrypolicy.Default, logger)
	evaluator := quality.NewEvaluator(llmClient, logger)
	generator := querygen.NewGenerator(llmClient, cfg.LLM.Timeout, logger)
	loop := refine.NewLoop(generator, executor, evaluator, logger)
	builder := outline.NewBuilder(llmClient, logger)
	assembler := report.NewAssembler(llmClient, logger)
	emitter := streaming.NewEmitter(cfg.Streaming.RingCapacity, cfg.Streaming.SubscriberBuffer)

	classifier, err := intent.LoadClassifier(cfg.Rules.IntentRulesPath, logger)
	if err != nil {
		logger.Fatal("Failed to load intent rules", zap.Error(err))
	}

	styles, err := sections.LoadStyles(cfg.Rules.StylesPath)
	if err != nil {
		logger.Warn("Styles file unavailable, using built-in templates", zap.Error(err))
		styles = nil
	}
	writer := sections.NewGenerator(llmClient, styles, logger)

	startRuleWatcher(ctx, cfg, classifier, writer, logger)

	orch, err := orchestrator.New(classifier, loop, executor, builder, writer, assembler, emitter, cfg, logger)
	if err != nil {
		logger.Fatal("Invalid service wiring", zap.Error(err))
	}
	orch.WithEnricher(collectors.NewPageExtractor(httpClient))

	sessions, err := session.NewManager(cfg.Session.RedisAddr, cfg.Session.TTL, logger)
	if err != nil {
		logger.Fatal("Failed to connect session store", zap.Error(err))
	}
	orch.WithSessions(sessions)

	var archive *db.Archive
	if cfg.Archive.Enabled {
		archive, err = db.Open(cfg.Archive.Path, logger)
		if err != nil {
			logger.Fatal("Failed to open archive", zap.Error(err))
		}
		defer archive.Close()
		orch.WithArchive(archive)
		// Mirror every published event into the session timeline table.
		emitter.SetObserver(func(evt streaming.Event) {
			archive.RecordEvent(evt.SessionID, evt.Seq, evt.Type, evt.Stage, evt.Marshal())
		})
	}

	api := httpapi.NewServer(orch, emitter, sessions, logger)
	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
}

// startRuleWatcher hot-reloads intent rules and style templates.
func startRuleWatcher(ctx context.Context, cfg *config.Config, classifier *intent.Classifier, writer *sections.Generator, logger *zap.Logger) {
	watcher, err := config.NewWatcher(logger)
	if err != nil {
		logger.Warn("Rule watcher unavailable", zap.Error(err))
		return
	}
	if err := watcher.Watch(cfg.Rules.IntentRulesPath, func(path string) error {
		return classifier.Reload(path)
	}); err != nil {
		logger.Warn("Intent rules not watched", zap.Error(err))
	}
	if err := watcher.Watch(cfg.Rules.StylesPath, func(path string) error {
		styles, err := sections.LoadStyles(path)
		if err != nil {
			return err
		}
		writer.SetStyles(styles)
		return nil
	}); err != nil {
		logger.Warn("Styles not watched", zap.Error(err))
	}
	watcher.Start(ctx)
}

func buildLogger(cfg config.LoggingConfig) *zap.Logger {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zcfg.Level = level
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	if logger == nil {
		os.Exit(1)
	}
	return logger
}
