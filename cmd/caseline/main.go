package main

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"caseline/internal/adapt"
	"caseline/internal/catalog"
	"caseline/internal/cli"
	"caseline/internal/config"
	"caseline/internal/events"
	"caseline/internal/feedback"
	"caseline/internal/handlers"
	"caseline/internal/llm"
	"caseline/internal/logger"
	"caseline/internal/orchestrator"
	"caseline/internal/quality"
	"caseline/internal/retrieval"
	"caseline/internal/scheduler"
	"caseline/internal/store"
)

func main() {
	_ = godotenv.Load() // .env is optional; real env vars win anyway

	cfg, err := config.Load("caseline.yaml")
	if err != nil {
		log.Fatalf("Fatal Error: Could not load config: %v", err)
	}

	runLog, logFile, err := logger.New(cfg.LogPath)
	if err != nil {
		log.Fatalf("Fatal Error: Could not initialize logger: %v", err)
	}
	defer logFile.Close()

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Fatalf("Fatal Error: Could not initialize LLM client: %v", err)
	}

	reg := catalog.Default()
	if cfg.CatalogPath != "" {
		reg, err = catalog.Load(cfg.CatalogPath)
		if err != nil {
			log.Fatalf("Fatal Error: Could not load catalog: %v", err)
		}
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("Fatal Error: Could not open store: %v", err)
	}
	defer st.Close()

	index := retrieval.NewIndex()
	for _, doc := range cfg.Documents {
		if err := ingest(index, doc); err != nil {
			runLog.Printf("[Main] skipping document %s: %v", doc.ID, err)
		}
	}
	runLog.Printf("[Main] indexed %d document(s)", index.Len())

	bus := events.NewBus()
	gate := feedback.NewGate(bus, feedback.Fallback(cfg.Scheduler.FeedbackFallback))
	patterns := adapt.NewPatternTracker(st)
	defer patterns.Close()

	env := &scheduler.Environment{
		Inference: client,
		Retriever: index,
		Store:     st,
		Events:    bus,
		Gate:      gate,
		Limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst),
		Log:       runLog,
	}

	eval := quality.New(client, quality.DefaultWeights(), 0, 10*time.Second)
	engine := adapt.New(cfg.Adaptation, reg, patterns)
	orch := orchestrator.New(env, reg, handlers.Map(reg), eval, engine, scheduler.Config{
		Concurrency:     cfg.Scheduler.Concurrency,
		FeedbackTimeout: cfg.Scheduler.FeedbackTimeout(),
	}, st)

	cli.Execute(&cli.App{
		Orch:   orch,
		Client: client,
		Reg:    reg,
		Bus:    bus,
		Log:    runLog,
	})
}

func ingest(index *retrieval.Index, doc config.Document) error {
	if doc.HTML {
		f, err := os.Open(doc.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		return index.AddHTML(doc.ID, f)
	}
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		return err
	}
	index.AddDocument(doc.ID, string(data))
	return nil
}
