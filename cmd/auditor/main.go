package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/api"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/archive"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/config"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/orchestrator"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/report"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/retry"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/source"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/state"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/verdict"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config (falls back to environment)")
		serve      = flag.Bool("serve", false, "run the inspection API server instead of an audit run")
		reaudit    = flag.Bool("reaudit", false, "open a fresh audit round for a completed encounter")
		patientID  = flag.Int64("patient", 0, "patient ID of a single encounter to audit")
		fiscalYear = flag.Int("year", 0, "fiscal year of a single encounter to audit")
		caseNumber = flag.Int64("case", 0, "case number of a single encounter to audit")
		accountID  = flag.Int64("account", 0, "account ID of a single encounter to audit")
		windowHrs  = flag.Int("window", 0, "discovery window in hours (overrides config)")
	)
	flag.Parse()

	cfg := loadConfig(*configPath)
	if *windowHrs > 0 {
		cfg.Source.WindowHours = *windowHrs
	}

	states, err := state.Open(cfg.State.Path)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer states.Close()

	if *serve {
		runServer(cfg, states)
		return
	}

	id := encounter.Identity{
		PatientID:  *patientID,
		FiscalYear: *fiscalYear,
		CaseNumber: *caseNumber,
		AccountID:  *accountID,
	}
	if *reaudit && id.IsZero() {
		log.Fatal("Re-audit requires -patient, -year, -case and -account")
	}

	if err := runAudit(cfg, states, id, *reaudit); err != nil {
		log.Fatalf("Audit run failed: %v", err)
	}
}

func loadConfig(path string) *config.Config {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", path, err)
		}
		return cfg
	}
	return config.LoadFromEnv()
}

func runAudit(cfg *config.Config, states *state.Store, id encounter.Identity, reaudit bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutdown requested, draining in-flight audits...")
		cancel()
	}()
	if cfg.Orchestrator.RunTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, cfg.Orchestrator.RunTimeout)
		defer cancelTimeout()
	}

	src, err := source.New(ctx, cfg.Source)
	if err != nil {
		return fmt.Errorf("source store: %w", err)
	}
	defer src.Close()

	policy := retry.New(cfg.Verdict.MaxAttempts, cfg.Verdict.BackoffBase, cfg.Verdict.BackoffCap)
	aggregator := source.NewAggregator(src, policy, cfg.Source.ResultCeiling)
	scorer := verdict.NewClient(cfg.Verdict)

	orch := orchestrator.New(states, src, aggregator, scorer, nil, cfg.Orchestrator, cfg.Document.MaxBytes)

	writer, err := report.NewWriter(cfg.Report.OutputDir, orch.RunID())
	if err != nil {
		return fmt.Errorf("result writer: %w", err)
	}
	defer writer.Close()
	orch.SetWriter(writer)

	var summary *report.Summary
	switch {
	case reaudit:
		summary, err = orch.Reaudit(ctx, id)
	case !id.IsZero():
		summary, err = orch.RunEncounter(ctx, id)
	default:
		summary, err = orch.RunBatch(ctx, source.RecentWindow(time.Now(), cfg.Source.WindowHours))
	}
	if err != nil && summary == nil {
		return err
	}
	if err != nil {
		log.Printf("Run ended early: %v", err)
	}

	if cfg.Report.Email != nil {
		if err := report.NewNotifier(*cfg.Report.Email).Notify(summary); err != nil {
			log.Printf("Failed to send summary email: %v", err)
		}
	}

	if cfg.Archive.Enabled && summary.Completed+summary.Failed > 0 {
		if err := archiveResults(cfg, writer.Path()); err != nil {
			log.Printf("Failed to archive results: %v", err)
		}
	}
	return nil
}

func archiveResults(cfg *config.Config, resultsPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	uploader, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	_, err = uploader.Upload(ctx, resultsPath, time.Now())
	return err
}

func runServer(cfg *config.Config, states *state.Store) {
	server := api.NewServer(cfg.API, states)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Inspection API listening on port %d", cfg.API.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down inspection API...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
}
