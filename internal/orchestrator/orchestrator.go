// Package orchestrator drives the audit pipeline: discover encounters,
// claim them in the state store, aggregate and format each clinical
// record, obtain a verdict and persist the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/config"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/document"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/report"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/source"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/state"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/verdict"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/workerpool"
)

// Discoverer lists encounter identities inside a discovery window.
type Discoverer interface {
	Discover(ctx context.Context, w source.Window) ([]encounter.Identity, error)
}

// Aggregator assembles the full clinical record for one encounter.
type Aggregator interface {
	Aggregate(ctx context.Context, id encounter.Identity) (*encounter.Document, error)
}

// Scorer obtains a structured verdict for a formatted clinical record.
type Scorer interface {
	Score(ctx context.Context, formattedRecord, systemInstructions string, id encounter.Identity, diagnosis string) (*verdict.Verdict, error)
}

// ResultWriter persists one result record and returns its reference.
type ResultWriter interface {
	Write(rec *report.Result) (string, error)
}

// Orchestrator runs audit pipelines over a bounded worker pool. Each
// encounter is processed by exactly one strictly sequential pipeline;
// concurrency exists only across encounters.
type Orchestrator struct {
	states     *state.Store
	discoverer Discoverer
	aggregator Aggregator
	scorer     Scorer
	writer     ResultWriter
	cfg        config.OrchestratorConfig
	docMax     int
	runID      string
	now        func() time.Time
}

// New assembles an orchestrator for a single run. The run ID tags every
// state transition made on this run's behalf.
func New(states *state.Store, d Discoverer, a Aggregator, s Scorer, w ResultWriter, cfg config.OrchestratorConfig, docMaxBytes int) *Orchestrator {
	return &Orchestrator{
		states:     states,
		discoverer: d,
		aggregator: a,
		scorer:     s,
		writer:     w,
		cfg:        cfg,
		docMax:     docMaxBytes,
		runID:      uuid.New().String(),
		now:        time.Now,
	}
}

// RunID returns the identifier tagging this run's state transitions.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// SetWriter installs the result writer. Writers are named after the run
// ID, so construction happens after the orchestrator exists and before
// the run starts.
func (o *Orchestrator) SetWriter(w ResultWriter) {
	o.writer = w
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeSkipped
)

// RunBatch audits every encounter discovered in the window, plus failed
// and stale leftovers from earlier runs. Cancellation stops intake;
// pipelines already running drain to completion.
func (o *Orchestrator) RunBatch(ctx context.Context, w source.Window) (*report.Summary, error) {
	ids, err := o.discoverer.Discover(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}
	log.Printf("orchestrator: run %s discovered %d encounters", o.runID, len(ids))

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id.Key()] = true
		if err := o.states.EnsurePending(ctx, id); err != nil {
			return nil, err
		}
	}

	// Leftovers from earlier runs: failed records below the attempt
	// bound and in_progress records whose run crashed.
	for _, pick := range []func() ([]*state.Record, error){
		func() ([]*state.Record, error) { return o.states.ListByStatus(ctx, state.StatusFailed) },
		func() ([]*state.Record, error) { return o.states.ListStale(ctx, o.cfg.StalenessThreshold) },
	} {
		recs, err := pick()
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if !seen[rec.Identity.Key()] {
				seen[rec.Identity.Key()] = true
				ids = append(ids, rec.Identity)
			}
		}
	}

	return o.process(ctx, ids)
}

// RunEncounter audits a single explicitly named encounter.
func (o *Orchestrator) RunEncounter(ctx context.Context, id encounter.Identity) (*report.Summary, error) {
	if err := o.states.EnsurePending(ctx, id); err != nil {
		return nil, err
	}
	return o.process(ctx, []encounter.Identity{id})
}

// Reaudit opens a fresh round for a completed encounter and audits it.
// The prior round's record and verdict reference stay untouched.
func (o *Orchestrator) Reaudit(ctx context.Context, id encounter.Identity) (*report.Summary, error) {
	rec, err := o.states.Get(ctx, id)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	if rec != nil && rec.Status == state.StatusCompleted {
		round, err := o.states.OpenRound(ctx, id)
		if err != nil {
			return nil, err
		}
		log.Printf("orchestrator: run %s opened round %d for %s", o.runID, round, id.String())
	} else if err := o.states.EnsurePending(ctx, id); err != nil {
		return nil, err
	}
	return o.process(ctx, []encounter.Identity{id})
}

func (o *Orchestrator) process(ctx context.Context, ids []encounter.Identity) (*report.Summary, error) {
	summary := &report.Summary{RunID: o.runID, StartedAt: o.now().UTC()}
	pool := workerpool.New(o.cfg.Workers, o.cfg.Workers*2)

	var mu sync.Mutex
	record := func(out outcome, id encounter.Identity, cause error) {
		mu.Lock()
		defer mu.Unlock()
		switch out {
		case outcomeCompleted:
			summary.Completed++
		case outcomeFailed:
			summary.Failed++
			summary.Failures = append(summary.Failures, report.Failure{
				Identity:  id,
				LastError: cause.Error(),
			})
		case outcomeSkipped:
			summary.Skipped++
		}
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		id := id
		err := pool.Submit(ctx, func() {
			out, cause := o.audit(ctx, id)
			record(out, id, cause)
		})
		if err != nil {
			// Cancelled mid-intake: the rest of the batch stays pending
			// for the next run.
			break
		}
	}

	pool.Wait()
	pool.Stop(30 * time.Second)
	summary.FinishedAt = o.now().UTC()

	log.Printf("orchestrator: run %s finished: %d completed, %d failed, %d skipped",
		o.runID, summary.Completed, summary.Failed, summary.Skipped)
	return summary, ctx.Err()
}

// audit runs the sequential pipeline for one encounter. The claim is
// the only gate: losing it means another writer owns the encounter or
// no work is owed.
func (o *Orchestrator) audit(ctx context.Context, id encounter.Identity) (outcome, error) {
	_, err := o.states.Claim(ctx, id, state.ClaimOptions{
		RunID:       o.runID,
		MaxAttempts: o.cfg.MaxTotalAttempts,
		Staleness:   o.cfg.StalenessThreshold,
	})
	switch {
	case errors.Is(err, state.ErrAlreadyCompleted):
		return outcomeSkipped, nil
	case errors.Is(err, state.ErrStateConflict):
		log.Printf("orchestrator: %s claimed elsewhere, skipping", id.String())
		return outcomeSkipped, nil
	case errors.Is(err, state.ErrAttemptsExhausted):
		log.Printf("orchestrator: %s exhausted its attempts, skipping", id.String())
		return outcomeSkipped, nil
	case err != nil:
		log.Printf("orchestrator: %s claim failed: %v", id.String(), err)
		return outcomeSkipped, err
	}

	doc, err := o.aggregator.Aggregate(ctx, id)
	if err != nil {
		return o.fail(ctx, id, fmt.Errorf("aggregation failed: %w", err))
	}
	aggregatedAt := o.now()

	formatted, err := document.Format(doc, o.docMax)
	if err != nil {
		return o.fail(ctx, id, fmt.Errorf("formatting failed: %w", err))
	}

	v, err := o.scorer.Score(ctx, formatted, verdict.SystemInstructions, id, doc.PrimaryDiagnosis())
	if err != nil {
		return o.fail(ctx, id, fmt.Errorf("scoring failed: %w", err))
	}

	rec := report.NewResult(o.runID, id, v, doc.Counts(), aggregatedAt)
	ref, err := o.writer.Write(rec)
	if err != nil {
		return o.fail(ctx, id, fmt.Errorf("result write failed: %w", err))
	}

	if err := o.states.Complete(ctx, id, o.runID, ref); err != nil {
		return o.fail(ctx, id, fmt.Errorf("completion failed: %w", err))
	}
	log.Printf("orchestrator: %s completed with score %d", id.String(), v.QualityScore)
	return outcomeCompleted, nil
}

func (o *Orchestrator) fail(ctx context.Context, id encounter.Identity, cause error) (outcome, error) {
	log.Printf("orchestrator: %s failed: %v", id.String(), cause)
	// The pipeline often lands here because the run context was
	// cancelled; the terminal write must still go through or the record
	// strands in_progress until the staleness threshold.
	if err := o.states.Fail(context.WithoutCancel(ctx), id, o.runID, cause.Error()); err != nil {
		log.Printf("orchestrator: %s could not be marked failed: %v", id.String(), err)
	}
	return outcomeFailed, cause
}
