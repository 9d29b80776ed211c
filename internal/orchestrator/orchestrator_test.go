package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/config"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/report"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/source"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/state"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/verdict"
)

type fakeDiscoverer struct {
	ids []encounter.Identity
}

func (f *fakeDiscoverer) Discover(ctx context.Context, w source.Window) ([]encounter.Identity, error) {
	return f.ids, nil
}

type fakeAggregator struct {
	calls atomic.Int32
	fail  error
}

func (f *fakeAggregator) Aggregate(ctx context.Context, id encounter.Identity) (*encounter.Document, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	return &encounter.Document{
		Identity: id,
		Notes: []encounter.ClinicalNote{{
			Timestamp: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
			Author:    "DRA. QUISPE",
			Category:  encounter.NoteInitialEvaluation,
			Narrative: "Paciente con dolor torácico opresivo.",
			Diagnoses: []encounter.Diagnosis{
				{Code: "I21.9", Description: "Infarto agudo de miocardio", Role: encounter.DiagnosisPrincipal},
			},
		}},
	}, nil
}

type fakeScorer struct {
	calls atomic.Int32
	fail  error
}

func (f *fakeScorer) Score(ctx context.Context, formattedRecord, systemInstructions string, id encounter.Identity, diagnosis string) (*verdict.Verdict, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	return &verdict.Verdict{
		Identity:        id,
		Diagnosis:       diagnosis,
		MeetsGuidelines: "Sí",
		QualityScore:    80,
		Model:           "primary-model",
		ScoredAt:        time.Now().UTC(),
	}, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	records []*report.Result
}

func (f *fakeWriter) Write(rec *report.Result) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return rec.ID, nil
}

func ident(caseNumber int64) encounter.Identity {
	return encounter.Identity{PatientID: 88001, FiscalYear: 2025, CaseNumber: caseNumber, AccountID: 4}
}

type fixture struct {
	states     *state.Store
	discoverer *fakeDiscoverer
	aggregator *fakeAggregator
	scorer     *fakeScorer
	writer     *fakeWriter
}

func newFixture(t *testing.T, ids ...encounter.Identity) *fixture {
	t.Helper()
	states, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { states.Close() })
	return &fixture{
		states:     states,
		discoverer: &fakeDiscoverer{ids: ids},
		aggregator: &fakeAggregator{},
		scorer:     &fakeScorer{},
		writer:     &fakeWriter{},
	}
}

func (f *fixture) orchestrator(cfg config.OrchestratorConfig) *Orchestrator {
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.MaxTotalAttempts == 0 {
		cfg.MaxTotalAttempts = 3
	}
	if cfg.StalenessThreshold == 0 {
		cfg.StalenessThreshold = 45 * time.Minute
	}
	return New(f.states, f.discoverer, f.aggregator, f.scorer, f.writer, cfg, 10*1024*1024)
}

func TestRunBatchAuditsDiscoveredEncounters(t *testing.T) {
	ids := []encounter.Identity{ident(153101), ident(153102), ident(153103)}
	f := newFixture(t, ids...)

	summary, err := f.orchestrator(config.OrchestratorConfig{}).RunBatch(context.Background(), source.RecentWindow(time.Now(), 24))
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if summary.Completed != 3 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Errorf("expected 3 completed, got %+v", summary)
	}
	if len(f.writer.records) != 3 {
		t.Errorf("expected 3 results written, got %d", len(f.writer.records))
	}

	for _, id := range ids {
		rec, err := f.states.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id.String(), err)
		}
		if rec.Status != state.StatusCompleted {
			t.Errorf("%s: expected completed, got %s", id.String(), rec.Status)
		}
		if rec.VerdictRef == "" {
			t.Errorf("%s: expected verdict reference", id.String())
		}
	}
}

func TestCompletedEncountersAreNotScoredAgain(t *testing.T) {
	id := ident(153107)
	f := newFixture(t, id)
	o := f.orchestrator(config.OrchestratorConfig{})

	if _, err := o.RunBatch(context.Background(), source.RecentWindow(time.Now(), 24)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := f.scorer.calls.Load()

	summary, err := f.orchestrator(config.OrchestratorConfig{}).RunBatch(context.Background(), source.RecentWindow(time.Now(), 24))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Skipped != 1 || summary.Completed != 0 {
		t.Errorf("expected completed encounter skipped, got %+v", summary)
	}
	if f.scorer.calls.Load() != before {
		t.Errorf("expected no second scoring call, got %d total", f.scorer.calls.Load())
	}
}

func TestMalformedVerdictFailsWithoutRetry(t *testing.T) {
	id := ident(153110)
	f := newFixture(t, id)
	f.scorer.fail = verdict.ErrMalformedVerdict

	summary, err := f.orchestrator(config.OrchestratorConfig{}).RunEncounter(context.Background(), id)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", summary)
	}
	if f.scorer.calls.Load() != 1 {
		t.Errorf("expected exactly 1 scoring call, got %d", f.scorer.calls.Load())
	}

	rec, err := f.states.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != state.StatusFailed {
		t.Errorf("expected failed, got %s", rec.Status)
	}
	if rec.LastError == "" {
		t.Error("expected the cause preserved in last_error")
	}
	if len(f.writer.records) != 0 {
		t.Error("no result may be written for a malformed verdict")
	}
}

func TestFailedEncounterRetriedUpToAttemptBound(t *testing.T) {
	id := ident(153111)
	f := newFixture(t, id)
	f.scorer.fail = verdict.ErrServiceUnavailable

	for i := 1; i <= 3; i++ {
		summary, err := f.orchestrator(config.OrchestratorConfig{MaxTotalAttempts: 3}).RunEncounter(context.Background(), id)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if summary.Failed != 1 {
			t.Fatalf("run %d: expected failure, got %+v", i, summary)
		}
	}

	rec, err := f.states.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", rec.Attempts)
	}

	// At the bound the encounter stays failed and is not picked up again.
	before := f.scorer.calls.Load()
	summary, err := f.orchestrator(config.OrchestratorConfig{MaxTotalAttempts: 3}).RunEncounter(context.Background(), id)
	if err != nil {
		t.Fatalf("run past bound: %v", err)
	}
	if summary.Skipped != 1 || summary.Failed != 0 {
		t.Errorf("expected skip at the attempt bound, got %+v", summary)
	}
	if f.scorer.calls.Load() != before {
		t.Errorf("expected no scoring past the bound, got %d total", f.scorer.calls.Load())
	}
}

func TestFailedEncountersJoinTheNextBatch(t *testing.T) {
	id := ident(153112)
	f := newFixture(t, id)
	f.scorer.fail = verdict.ErrServiceTimeout

	if _, err := f.orchestrator(config.OrchestratorConfig{}).RunBatch(context.Background(), source.RecentWindow(time.Now(), 24)); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The next batch discovers nothing new but still retries the failure.
	f.discoverer.ids = nil
	f.scorer.fail = nil
	summary, err := f.orchestrator(config.OrchestratorConfig{}).RunBatch(context.Background(), source.RecentWindow(time.Now(), 24))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Completed != 1 {
		t.Errorf("expected the failed encounter to complete on retry, got %+v", summary)
	}
}

func TestFreshInProgressIsNotStolen(t *testing.T) {
	id := ident(153113)
	f := newFixture(t, id)
	if err := f.states.EnsurePending(context.Background(), id); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	if _, err := f.states.Claim(context.Background(), id, state.ClaimOptions{RunID: "other-run", MaxAttempts: 3, Staleness: 45 * time.Minute}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	summary, err := f.orchestrator(config.OrchestratorConfig{}).RunEncounter(context.Background(), id)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("expected claim conflict skip, got %+v", summary)
	}
	if f.scorer.calls.Load() != 0 {
		t.Errorf("expected no scoring for a held encounter, got %d", f.scorer.calls.Load())
	}
}

func TestStaleInProgressIsReclaimedByTheNextBatch(t *testing.T) {
	id := ident(153114)
	f := newFixture(t, id)
	if err := f.states.EnsurePending(context.Background(), id); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	// A crashed run left the encounter in_progress.
	if _, err := f.states.Claim(context.Background(), id, state.ClaimOptions{RunID: "crashed-run", MaxAttempts: 3, Staleness: 45 * time.Minute}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	f.discoverer.ids = nil
	time.Sleep(1100 * time.Millisecond) // past the threshold below
	summary, err := f.orchestrator(config.OrchestratorConfig{StalenessThreshold: time.Second}).RunBatch(context.Background(), source.RecentWindow(time.Now(), 24))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Completed != 1 {
		t.Errorf("expected the stale encounter reclaimed and completed, got %+v", summary)
	}

	rec, err := f.states.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != state.StatusCompleted || rec.Attempts != 2 {
		t.Errorf("expected completed on attempt 2, got %s attempts=%d", rec.Status, rec.Attempts)
	}
}

func TestReauditOpensNewRoundAndPreservesHistory(t *testing.T) {
	id := ident(153115)
	f := newFixture(t, id)
	o := f.orchestrator(config.OrchestratorConfig{})

	if _, err := o.RunEncounter(context.Background(), id); err != nil {
		t.Fatalf("first audit: %v", err)
	}
	first, err := f.states.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	summary, err := f.orchestrator(config.OrchestratorConfig{}).Reaudit(context.Background(), id)
	if err != nil {
		t.Fatalf("reaudit: %v", err)
	}
	if summary.Completed != 1 {
		t.Errorf("expected re-audit to complete, got %+v", summary)
	}

	history, err := f.states.History(context.Background(), id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(history))
	}
	if history[0].VerdictRef != first.VerdictRef {
		t.Errorf("first round's verdict reference must be preserved")
	}
	if history[1].VerdictRef == "" || history[1].VerdictRef == first.VerdictRef {
		t.Errorf("second round needs its own verdict reference, got %q", history[1].VerdictRef)
	}
}

func TestAggregationFailureMarksEncounterFailed(t *testing.T) {
	id := ident(153116)
	f := newFixture(t, id)
	f.aggregator.fail = fmt.Errorf("section notes: %w", source.ErrSourceUnavailable)

	summary, err := f.orchestrator(config.OrchestratorConfig{}).RunEncounter(context.Background(), id)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected failure, got %+v", summary)
	}
	if f.scorer.calls.Load() != 0 {
		t.Error("a record that never aggregated must not be scored")
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Identity != id {
		t.Errorf("expected the failed identity in the summary, got %+v", summary.Failures)
	}
}

// blockingScorer parks until the run context is cancelled, simulating a
// reasoning call in flight when the operator stops the run.
type blockingScorer struct {
	started chan struct{}
}

func (b *blockingScorer) Score(ctx context.Context, formattedRecord, systemInstructions string, id encounter.Identity, diagnosis string) (*verdict.Verdict, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelledInFlightEncounterIsMarkedFailed(t *testing.T) {
	id := ident(153119)
	f := newFixture(t, id)
	if err := f.states.EnsurePending(context.Background(), id); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}

	scorer := &blockingScorer{started: make(chan struct{})}
	o := New(f.states, f.discoverer, f.aggregator, scorer, f.writer,
		config.OrchestratorConfig{Workers: 1, MaxTotalAttempts: 3, StalenessThreshold: 45 * time.Minute},
		10*1024*1024)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-scorer.started
		cancel()
	}()

	summary, err := o.process(ctx, []encounter.Identity{id})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected the in-flight encounter to fail, got %+v", summary)
	}

	// The record must reach failed, not strand in_progress until the
	// staleness threshold.
	rec, err := f.states.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != state.StatusFailed {
		t.Errorf("expected failed, got %s", rec.Status)
	}
	if rec.LastError == "" {
		t.Error("expected the cancellation cause in last_error")
	}
}

func TestCancelledRunStopsIntake(t *testing.T) {
	ids := []encounter.Identity{ident(153117), ident(153118)}
	f := newFixture(t, ids...)
	for _, id := range ids {
		if err := f.states.EnsurePending(context.Background(), id); err != nil {
			t.Fatalf("ensure pending: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := f.orchestrator(config.OrchestratorConfig{}).process(ctx, ids)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Completed != 0 {
		t.Errorf("expected no pipelines started, got %+v", summary)
	}

	// The untouched encounters stay claimable for the next run.
	for _, id := range ids {
		rec, err := f.states.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status != state.StatusPending {
			t.Errorf("%s: expected pending, got %s", id.String(), rec.Status)
		}
	}
}
