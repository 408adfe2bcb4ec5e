// Package consolidate implements the dual-process Consolidator:
// a fast statistical clustering pass over the raw Event stream (System-1)
// and a slow, optional validator pass (System-2), emitting Patterns and
// Procedures and feeding the Arbiter.
package consolidate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"memoryengine/internal/arbiter"
	"memoryengine/internal/config"
	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
	"memoryengine/internal/record"
	"memoryengine/internal/store"
	"memoryengine/internal/validator"
)

// Strategy selects the consolidation trade-off. Strategies differ only in
// the minimum cluster size and whether the validator is consulted.
type Strategy string

const (
	StrategyFast     Strategy = "fast"
	StrategyBalanced Strategy = "balanced"
	StrategyQuality  Strategy = "quality"
)

// maxConcurrentValidations caps in-flight validator calls per run.
const maxConcurrentValidations = 4

// RunReport summarizes one Consolidator pass; it mirrors the persisted
// ConsolidationRun row.
type RunReport struct {
	RunID             string
	ProjectID         string
	Strategy          Strategy
	Scored            int
	Emitted           int
	ProceduresDerived int
	ConflictsResolved int
	WindowsClosed     int
	ValidatorSkipped  bool
	Duration          time.Duration
	PatternIDs        []string
}

// Consolidator compresses raw Events into Patterns and Procedures.
type Consolidator struct {
	store *store.RecordStore
	arb   *arbiter.Arbiter
	val   validator.Validator // nil disables System-2
	cfg   config.ConsolidatorConfig

	valSem *semaphore.Weighted
}

// New builds a Consolidator. val may be nil.
func New(s *store.RecordStore, arb *arbiter.Arbiter, val validator.Validator, cfg config.ConsolidatorConfig) *Consolidator {
	return &Consolidator{
		store:  s,
		arb:    arb,
		val:    val,
		cfg:    cfg,
		valSem: semaphore.NewWeighted(maxConcurrentValidations),
	}
}

func (c *Consolidator) minClusterSize(strategy Strategy) int {
	if strategy == StrategyQuality {
		return c.cfg.MinClusterSizeSlow
	}
	return c.cfg.MinClusterSizeFast
}

func (c *Consolidator) wantsValidation(strategy Strategy) bool {
	return strategy != StrategyFast && c.val != nil
}

// Consolidate runs one full pass for a project. maxPatterns <= 0
// means unlimited. Each cluster's emission is one transaction; cancellation
// takes effect at cluster boundaries only.
func (c *Consolidator) Consolidate(ctx context.Context, projectID string, strategy Strategy, maxPatterns int) (*RunReport, error) {
	const op = "Consolidator.Consolidate"
	if projectID == "" {
		return nil, engerr.Invariantf(op, fmt.Errorf("project_id is required"))
	}
	switch strategy {
	case StrategyFast, StrategyBalanced, StrategyQuality:
	case "":
		strategy = StrategyBalanced
	default:
		return nil, engerr.Invariantf(op, fmt.Errorf("unknown strategy %q", strategy))
	}

	started := time.Now()
	runID, err := c.store.StartConsolidationRun(ctx, projectID, string(strategy))
	if err != nil {
		return nil, err
	}
	logging.Consolidate("run %s started (project=%s, strategy=%s)", runID, projectID, strategy)
	logging.AuditWithProject(projectID).ConsolidationRun(logging.AuditConsolidationStart, string(strategy), 0, true)

	report := &RunReport{RunID: runID, ProjectID: projectID, Strategy: strategy}

	// 1. Sample the cohort: active Events inside the lookback window.
	since := time.Now().UTC().Add(-c.cfg.GetLookbackWindow())
	cohort, err := c.store.ScopeEvents(ctx, projectID, []record.Lifecycle{record.LifecycleActive}, since)
	if err != nil {
		return nil, err
	}

	// 2–3. Cluster and score (System-1, pure statistics).
	clusters := buildClusters(cohort, c.cfg.GetTemporalGap(), c.minClusterSize(strategy))
	report.Scored = len(clusters)

	// 4–7. Validate, emit, derive, sweep — one cluster at a time, yielding
	// between clusters.
	for _, cl := range clusters {
		if err := ctx.Err(); err != nil {
			logging.ConsolidateWarn("run %s cancelled after %d/%d clusters", runID, report.Emitted, len(clusters))
			break
		}
		if maxPatterns > 0 && report.Emitted >= maxPatterns {
			break
		}

		p, ok, err := c.processCluster(ctx, projectID, strategy, cl, report)
		if err != nil {
			logging.ConsolidateWarn("cluster %s failed: %v", cl.signature, err)
			continue
		}
		if !ok {
			continue
		}

		report.Emitted++
		report.PatternIDs = append(report.PatternIDs, p.ID)

		if p.PatternType == record.PatternTypeWorkflow && p.Support > c.cfg.ProcedureSupport {
			if err := c.deriveProcedure(ctx, projectID, p, cl); err != nil {
				logging.ConsolidateWarn("procedure derivation from pattern %s failed: %v", p.ID, err)
			} else {
				report.ProceduresDerived++
			}
		}
	}

	// Close the cohort: expired reconsolidation windows flip back to
	// active before the contradiction pass looks at the set.
	closed, err := c.arb.CloseExpiredWindows(ctx, projectID)
	if err != nil {
		logging.ConsolidateWarn("window close failed: %v", err)
	}
	report.WindowsClosed = closed

	// 8. Contradiction pass over the refreshed set.
	resolutions, err := c.arb.ResolveContradictions(ctx, projectID, arbiter.PolicyAuto)
	if err != nil {
		logging.ConsolidateWarn("contradiction pass failed: %v", err)
	}
	report.ConflictsResolved = len(resolutions)

	// 9. Summarize.
	report.Duration = time.Since(started)
	if err := c.store.FinishConsolidationRun(ctx, runID, report.Scored, report.Emitted, report.ConflictsResolved, report.Duration); err != nil {
		logging.ConsolidateWarn("finishing run %s failed: %v", runID, err)
	}
	logging.Consolidate("run %s finished: scored=%d emitted=%d procedures=%d conflicts=%d in %v",
		runID, report.Scored, report.Emitted, report.ProceduresDerived, report.ConflictsResolved, report.Duration)
	logging.AuditWithProject(projectID).ConsolidationRun(logging.AuditConsolidationComplete, string(strategy), report.Duration.Milliseconds(), true)
	return report, nil
}

// processCluster scores, optionally validates, and emits one cluster.
// Returns ok=false when the cluster was rejected (validator or policy), with
// no side effects.
func (c *Consolidator) processCluster(ctx context.Context, projectID string, strategy Strategy, cl *cluster, report *RunReport) (*record.Pattern, bool, error) {
	confidence := float64(cl.support()) / (float64(cl.support()) + c.cfg.LaplacePrior)
	content := verbalizeCluster(cl)

	confAfter := confidence
	inBand := confidence >= c.cfg.ValidationBandLow && confidence <= c.cfg.ValidationBandHigh
	if inBand && c.wantsValidation(strategy) {
		judgement, err := c.validateCluster(ctx, cl, confidence)
		if err != nil {
			// Validator unavailability is absorbed: keep the
			// pre-validation confidence and note it on the run.
			logging.ConsolidateWarn("validator unavailable for %s, using pre-validation confidence: %v", cl.signature, err)
			report.ValidatorSkipped = true
		} else {
			switch judgement.Verdict {
			case validator.VerdictReject:
				logging.ConsolidateDebug("cluster %s rejected by validator: %s", cl.signature, judgement.Reason)
				return nil, false, nil
			case validator.VerdictMutate:
				// Mutations may narrow the pattern text but never touch
				// source_event_ids.
				if judgement.MutatedText != "" {
					content = judgement.MutatedText
				}
				confAfter = judgement.Confidence
			case validator.VerdictAccept:
				confAfter = judgement.Confidence
			}
		}
	}

	p := &record.Pattern{
		Envelope: record.Envelope{
			ProjectID:    projectID,
			Confidence:   confAfter,
			EvidenceType: record.EvidenceDeduced,
			Importance:   confAfter,
			Tags:         []string{"consolidated"},
		},
		PatternType:                classifyPattern(cl),
		Content:                    content,
		SourceEventIDs:             cl.sourceIDs(),
		Support:                    cl.support(),
		ConfidenceBeforeValidation: confidence,
		ConfidenceAfterValidation:  confAfter,
	}

	if _, err := c.store.EmitPattern(ctx, p); err != nil {
		return nil, false, err
	}
	logging.AuditWithProject(projectID).ConsolidationRun(logging.AuditConsolidationEmit, string(strategy), 0, true)
	return p, true, nil
}

func (c *Consolidator) validateCluster(ctx context.Context, cl *cluster, confidence float64) (validator.Judgement, error) {
	if err := c.valSem.Acquire(ctx, 1); err != nil {
		return validator.Judgement{}, err
	}
	defer c.valSem.Release(1)

	contents := make([]string, len(cl.events))
	for i, e := range cl.events {
		contents[i] = e.Content
	}
	return c.val.ValidateCluster(ctx, validator.ClusterSample{
		Signature:     cl.signature,
		EventContents: contents,
		Confidence:    confidence,
	})
}

// deriveProcedure verbalizes a workflow Pattern's Event sequence into a
// Procedure. The Procedure outlives the Pattern; its
// source_id records the origin.
func (c *Consolidator) deriveProcedure(ctx context.Context, projectID string, p *record.Pattern, cl *cluster) error {
	steps := make([]string, len(cl.events))
	for i, e := range cl.events {
		steps[i] = e.Content
	}
	sourceID := p.ID
	proc := &record.Procedure{
		Envelope: record.Envelope{
			ProjectID:    projectID,
			Confidence:   p.Confidence,
			EvidenceType: record.EvidenceLearned,
			SourceID:     &sourceID,
			Importance:   p.Importance,
			Tags:         []string{"derived"},
		},
		Name:        "workflow " + cl.signature,
		Category:    "workflow",
		Steps:       steps,
		SuccessRate: cl.successFraction(),
	}
	_, err := c.store.InsertProcedure(ctx, proc)
	return err
}

// verbalizeCluster renders the cluster as pattern text: the signature plus
// the first and last event contents as anchors.
func verbalizeCluster(cl *cluster) string {
	var b strings.Builder
	b.WriteString(cl.signature)
	first := cl.events[0].Content
	last := cl.events[len(cl.events)-1].Content
	if first != "" {
		b.WriteString(": starts with \"")
		b.WriteString(truncate(first, 80))
		b.WriteString("\"")
	}
	if last != "" && last != first {
		b.WriteString(", ends with \"")
		b.WriteString(truncate(last, 80))
		b.WriteString("\"")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
