package arbiter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"memoryengine/internal/logging"
	"memoryengine/internal/record"
	"memoryengine/internal/substrate"
)

// Policy selects a resolution strategy.
type Policy string

const (
	PolicyAuto               Policy = "auto"
	PolicyKeepLatest         Policy = "keep_latest"
	PolicyKeepHighestQuality Policy = "keep_highest_quality"
	PolicyInhibitBoth        Policy = "inhibit_both"
)

// Class names the recognized contradiction classes.
type Class string

const (
	ClassOutcome   Class = "outcome"
	ClassAssertion Class = "assertion"
)

// Contradiction is one detected pair.
type Contradiction struct {
	Kind     record.Kind
	Class    Class
	AID, BID string
	Severity float64
}

// Resolution records what the Arbiter did about one Contradiction. WinnerID
// and LoserID are empty when the strategy was inhibit_both.
type Resolution struct {
	Contradiction
	Strategy Policy
	WinnerID string
	LoserID  string
}

// nearTie is the survivor-score margin below which auto falls back to
// inhibit_both.
const nearTie = 0.02

// ResolveContradictions runs one full detection + resolution pass over the
// project's active records. The pass terminates: every detected
// pair loses at least one active member, so a finite record set reaches a
// state with no two active records in a recognized contradiction.
func (a *Arbiter) ResolveContradictions(ctx context.Context, projectID string, policy Policy) ([]Resolution, error) {
	timer := logging.StartTimer(logging.CategoryArbiter, "ResolveContradictions")
	defer timer.Stop()

	if policy == "" {
		policy = PolicyAuto
	}

	var resolutions []Resolution

	outcome, err := a.detectOutcomeContradictions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	assertion, err := a.detectAssertionContradictions(ctx, projectID)
	if err != nil {
		return nil, err
	}

	for _, c := range append(outcome, assertion...) {
		res, err := a.resolve(ctx, c, policy)
		if err != nil {
			logging.ArbiterWarn("resolution of %s/%s vs %s failed: %v", c.Kind, c.AID, c.BID, err)
			continue
		}
		if res != nil {
			resolutions = append(resolutions, *res)
		}
	}

	if len(resolutions) > 0 {
		logging.Arbiter("resolved %d contradictions (project=%s, policy=%s)", len(resolutions), projectID, policy)
	}
	return resolutions, nil
}

// detectOutcomeContradictions finds pairs of active Events with matching
// context but opposite outcome.
func (a *Arbiter) detectOutcomeContradictions(ctx context.Context, projectID string) ([]Contradiction, error) {
	events, err := a.store.ScopeEvents(ctx, projectID, []record.Lifecycle{record.LifecycleActive}, time.Time{})
	if err != nil {
		return nil, err
	}

	var out []Contradiction
	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			ei, ej := events[i], events[j]
			if !oppositeOutcome(ei.Outcome, ej.Outcome) {
				continue
			}
			if !contextMatches(ei.Context, ej.Context) {
				continue
			}
			out = append(out, Contradiction{
				Kind:     record.KindEvent,
				Class:    ClassOutcome,
				AID:      ei.ID,
				BID:      ej.ID,
				Severity: a.severity(ei.Confidence, ei.EvidenceQuality, ej.Confidence, ej.EvidenceQuality, ei.CreatedAt, ej.CreatedAt),
			})
		}
	}
	return out, nil
}

// detectAssertionContradictions finds pairs of active Facts (and Pattern
// texts) whose contents are near-identical apart from a negation flip.
func (a *Arbiter) detectAssertionContradictions(ctx context.Context, projectID string) ([]Contradiction, error) {
	facts, err := a.store.ScopeFacts(ctx, projectID, []record.Lifecycle{record.LifecycleActive})
	if err != nil {
		return nil, err
	}

	type assertion struct {
		kind       record.Kind
		id         string
		content    string
		embedding  []float32
		confidence float64
		quality    float64
		createdAt  time.Time
	}

	var assertions []assertion
	for _, f := range facts {
		assertions = append(assertions, assertion{
			kind: record.KindFact, id: f.ID, content: f.Content, embedding: f.Embedding,
			confidence: f.Confidence, quality: f.EvidenceQuality, createdAt: f.CreatedAt,
		})
	}
	patterns, err := a.store.ScopePatterns(ctx, projectID, []record.Lifecycle{record.LifecycleActive})
	if err != nil {
		return nil, err
	}
	for _, p := range patterns {
		if p.Content == "" {
			continue
		}
		assertions = append(assertions, assertion{
			kind: record.KindPattern, id: p.ID, content: p.Content,
			confidence: p.Confidence, quality: p.EvidenceQuality, createdAt: p.CreatedAt,
		})
	}
	sort.Slice(assertions, func(i, j int) bool {
		if !assertions[i].createdAt.Equal(assertions[j].createdAt) {
			return assertions[i].createdAt.Before(assertions[j].createdAt)
		}
		return assertions[i].id < assertions[j].id
	})

	var out []Contradiction
	for i := 0; i < len(assertions); i++ {
		for j := i + 1; j < len(assertions); j++ {
			ai, aj := assertions[i], assertions[j]
			if ai.kind != aj.kind {
				continue
			}

			sim := a.contentSimilarity(ai.embedding, aj.embedding, ai.content, aj.content)
			if sim < a.cfg.SimilarityThreshold {
				continue
			}

			negI, negJ := negationFlag(ai.content), negationFlag(aj.content)
			contradicts := negI != negJ
			if !contradicts && ai.content != aj.content && a.val != nil {
				// Hard case: near-identical vectors, no lexical negation
				// marker. Escalate to the validator.
				v, err := a.val.JudgeContradiction(ctx, ai.content, aj.content)
				if err != nil {
					logging.ArbiterWarn("validator contradiction judgement failed: %v", err)
					continue
				}
				contradicts = v
			}
			if !contradicts {
				continue
			}

			out = append(out, Contradiction{
				Kind:     ai.kind,
				Class:    ClassAssertion,
				AID:      ai.id,
				BID:      aj.id,
				Severity: a.severity(ai.confidence, ai.quality, aj.confidence, aj.quality, ai.createdAt, aj.createdAt),
			})
			logging.Audit().Contradiction(logging.AuditContradictionFound, string(ai.kind), "", true)
		}
	}
	return out, nil
}

// resolve applies the selected strategy to one pair. Returns nil if either
// record already left the active state (resolved transitively by an earlier
// pair this pass).
func (a *Arbiter) resolve(ctx context.Context, c Contradiction, policy Policy) (*Resolution, error) {
	aConf, aQual, aCreated, aOutcome, aActive, err := a.loadScoring(ctx, c.Kind, c.AID)
	if err != nil {
		return nil, err
	}
	bConf, bQual, bCreated, bOutcome, bActive, err := a.loadScoring(ctx, c.Kind, c.BID)
	if err != nil {
		return nil, err
	}
	if !aActive || !bActive {
		return nil, nil
	}

	strategy := policy
	if strategy == PolicyKeepLatest && absDuration(aCreated.Sub(bCreated)) < a.cfg.GetKeepLatestMinGap() {
		strategy = PolicyAuto
	}
	if strategy == PolicyKeepHighestQuality && math.Abs(aQual-bQual) <= a.cfg.QualityGap {
		strategy = PolicyAuto
	}
	if strategy == PolicyAuto && c.Severity >= a.cfg.SeverityBandLow && c.Severity <= a.cfg.SeverityBandHigh {
		strategy = PolicyInhibitBoth
	}

	var winner, loser string
	switch strategy {
	case PolicyAuto:
		scoreA := 0.3*outcomeScore(aOutcome) + 0.4*aConf + 0.3*aQual
		scoreB := 0.3*outcomeScore(bOutcome) + 0.4*bConf + 0.3*bQual
		if math.Abs(scoreA-scoreB) < nearTie {
			strategy = PolicyInhibitBoth
		} else if scoreA > scoreB {
			winner, loser = c.AID, c.BID
		} else {
			winner, loser = c.BID, c.AID
		}
	case PolicyKeepLatest:
		if aCreated.After(bCreated) {
			winner, loser = c.AID, c.BID
		} else {
			winner, loser = c.BID, c.AID
		}
	case PolicyKeepHighestQuality:
		if aQual > bQual {
			winner, loser = c.AID, c.BID
		} else {
			winner, loser = c.BID, c.AID
		}
	}

	res := &Resolution{Contradiction: c, Strategy: strategy}
	reason := fmt.Sprintf("contradiction class=%s severity=%.2f", c.Class, c.Severity)

	if strategy == PolicyInhibitBoth {
		for _, id := range []string{c.AID, c.BID} {
			if err := a.store.Transition(ctx, c.Kind, id, record.LifecycleNeedsReview, reason); err != nil {
				return nil, err
			}
		}
		logging.Arbiter("inhibited both %s/%s and %s (severity=%.2f)", c.Kind, c.AID, c.BID, c.Severity)
	} else {
		if err := a.store.Supersede(ctx, c.Kind, loser, winner, reason); err != nil {
			return nil, err
		}
		res.WinnerID, res.LoserID = winner, loser
		logging.Arbiter("%s %s superseded by %s (strategy=%s)", c.Kind, loser, winner, strategy)
	}
	logging.Audit().Contradiction(logging.AuditContradictionResolve, string(c.Kind), string(strategy), true)
	return res, nil
}

// loadScoring pulls the fields survivor scoring needs for one record.
func (a *Arbiter) loadScoring(ctx context.Context, kind record.Kind, id string) (conf, qual float64, created time.Time, outcome record.Outcome, active bool, err error) {
	switch kind {
	case record.KindEvent:
		e, gerr := a.store.GetEvent(ctx, id)
		if gerr != nil {
			err = gerr
			return
		}
		return e.Confidence, e.EvidenceQuality, e.CreatedAt, e.Outcome, e.Lifecycle == record.LifecycleActive, nil
	case record.KindFact:
		f, gerr := a.store.GetFact(ctx, id)
		if gerr != nil {
			err = gerr
			return
		}
		return f.Confidence, f.EvidenceQuality, f.CreatedAt, "", f.Lifecycle == record.LifecycleActive, nil
	case record.KindPattern:
		p, gerr := a.store.GetPattern(ctx, id)
		if gerr != nil {
			err = gerr
			return
		}
		return p.Confidence, p.EvidenceQuality, p.CreatedAt, "", p.Lifecycle == record.LifecycleActive, nil
	default:
		err = fmt.Errorf("unsupported contradiction kind %q", kind)
		return
	}
}

// severity = mean(confidence, evidence_quality) * time_decay over the pair,
// where time_decay = exp(-age_oldest / horizon).
func (a *Arbiter) severity(confA, qualA, confB, qualB float64, createdA, createdB time.Time) float64 {
	oldest := createdA
	if createdB.Before(oldest) {
		oldest = createdB
	}
	decay := math.Exp(-time.Since(oldest).Seconds() / a.cfg.GetDecayHorizon().Seconds())
	return (confA + qualA + confB + qualB) / 4 * decay
}

// outcomeScore maps Event outcomes onto the auto survivor score. Non-Event
// records carry no outcome and score neutrally.
func outcomeScore(o record.Outcome) float64 {
	switch o {
	case record.OutcomeSuccess:
		return 1.0
	case record.OutcomePartial:
		return 0.6
	case record.OutcomeOngoing:
		return 0.5
	case record.OutcomeFailure:
		return 0.3
	default:
		return 0.5
	}
}

func oppositeOutcome(a, b record.Outcome) bool {
	return (a == record.OutcomeSuccess && b == record.OutcomeFailure) ||
		(a == record.OutcomeFailure && b == record.OutcomeSuccess)
}

// contextMatches reports whether two Event contexts describe the same
// situation: both non-empty and every key present in both carries the same
// value, with at least one shared key.
func contextMatches(a, b map[string]string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	shared := 0
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			continue
		}
		if va != vb {
			return false
		}
		shared++
	}
	return shared > 0
}

// contentSimilarity prefers embedding cosine when both sides carry vectors
// and falls back to token Jaccard on the normalized texts.
func (a *Arbiter) contentSimilarity(embA, embB []float32, textA, textB string) float64 {
	if len(embA) > 0 && len(embA) == len(embB) {
		return substrate.CosineSimilarity(embA, embB)
	}
	return jaccard(normalizeAssertion(textA), normalizeAssertion(textB))
}

// negationMarkers are the simple lexical markers the negation heuristic
// recognizes. Hard cases escalate to the validator.
var negationMarkers = []string{
	"not", "no", "never", "none", "cannot", "can't", "doesn't", "don't",
	"isn't", "aren't", "wasn't", "weren't", "won't", "without",
}

func negationFlag(text string) bool {
	for _, tok := range tokenize(text) {
		for _, m := range negationMarkers {
			if tok == m {
				return true
			}
		}
	}
	return false
}

// normalizeAssertion lowercases, tokenizes, and strips negation markers so
// that "X uses Y" and "X does not use Y" normalize close together.
func normalizeAssertion(text string) []string {
	var out []string
	for _, tok := range tokenize(text) {
		neg := false
		for _, m := range negationMarkers {
			if tok == m {
				neg = true
				break
			}
		}
		if !neg {
			out = append(out, tok)
		}
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	inter := 0
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		if setB[t] {
			continue
		}
		setB[t] = true
		if setA[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
