package consolidate

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"memoryengine/internal/record"
)

// cluster is one candidate Pattern before scoring: a chain of Events that
// share a composite key and sit within the temporal gap of one another.
type cluster struct {
	key       string
	signature string
	events    []*record.Event
}

func (c *cluster) support() int { return len(c.events) }

func (c *cluster) earliest() time.Time { return c.events[0].CreatedAt }

func (c *cluster) sourceIDs() []string {
	ids := make([]string, len(c.events))
	for i, e := range c.events {
		ids[i] = e.ID
	}
	return ids
}

func (c *cluster) successFraction() float64 {
	n := 0
	for _, e := range c.events {
		if e.Outcome == record.OutcomeSuccess {
			n++
		}
	}
	return float64(n) / float64(len(c.events))
}

// eventType classifies an Event for clustering. Callers that know the type
// record it in context["event_type"]; otherwise it is derived from the
// code-aware fields.
func eventType(e *record.Event) string {
	if t := e.Context["event_type"]; t != "" {
		return t
	}
	switch {
	case e.TestName != "":
		return "test"
	case e.Diff != "":
		return "edit"
	case e.ErrorType != "":
		return "error"
	case e.FilePath != "":
		return "file"
	default:
		return "generic"
	}
}

// clusterKey is the composite grouping key: event type
// plus normalized context — the directory prefix of the working location and
// the task id. Temporal proximity splits groups into chains afterwards.
func clusterKey(e *record.Event) string {
	dir := ""
	if cwd := e.Context["cwd"]; cwd != "" {
		dir = path.Dir(path.Join(cwd, "."))
	} else if file := e.Context["file"]; file != "" {
		dir = path.Dir(file)
	} else if e.FilePath != "" {
		dir = path.Dir(e.FilePath)
	}
	return eventType(e) + "|" + dir + "|" + e.Context["task"]
}

// buildClusters groups the cohort by composite key, splits each group into
// temporal chains, computes signatures, and discards chains below minSize.
// Pure statistics: no external calls (System-1). The returned slice is in
// deterministic order (signature, then earliest created_at) so Pattern ids
// and provenance are reproducible across reruns.
func buildClusters(cohort []*record.Event, gap time.Duration, minSize int) []*cluster {
	groups := make(map[string][]*record.Event)
	for _, e := range cohort {
		k := clusterKey(e)
		groups[k] = append(groups[k], e)
	}

	var out []*cluster
	for key, events := range groups {
		sort.Slice(events, func(i, j int) bool {
			if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
				return events[i].CreatedAt.Before(events[j].CreatedAt)
			}
			return events[i].ID < events[j].ID
		})

		chain := []*record.Event{events[0]}
		flush := func() {
			if len(chain) >= minSize {
				c := &cluster{key: key, events: chain}
				c.signature = signature(chain)
				out = append(out, c)
			}
		}
		for _, e := range events[1:] {
			if e.CreatedAt.Sub(chain[len(chain)-1].CreatedAt) > gap {
				flush()
				chain = []*record.Event{e}
				continue
			}
			chain = append(chain, e)
		}
		flush()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].signature != out[j].signature {
			return out[i].signature < out[j].signature
		}
		return out[i].earliest().Before(out[j].earliest())
	})
	return out
}

// signature is the sequence of event types plus the dominant outcome.
// Consecutive repeats compress ("edit edit edit" -> "edit*3") so long
// uniform chains stay readable as pattern text.
func signature(events []*record.Event) string {
	var parts []string
	i := 0
	for i < len(events) {
		t := eventType(events[i])
		j := i
		for j < len(events) && eventType(events[j]) == t {
			j++
		}
		if n := j - i; n > 1 {
			parts = append(parts, t+"*"+strconv.Itoa(n))
		} else {
			parts = append(parts, t)
		}
		i = j
	}
	return strings.Join(parts, "->") + ":" + string(dominantOutcome(events))
}

func dominantOutcome(events []*record.Event) record.Outcome {
	counts := make(map[record.Outcome]int)
	for _, e := range events {
		counts[e.Outcome]++
	}
	best := record.OutcomeOngoing
	bestN := -1
	for _, o := range []record.Outcome{record.OutcomeSuccess, record.OutcomeFailure, record.OutcomePartial, record.OutcomeOngoing} {
		if counts[o] > bestN {
			best = o
			bestN = counts[o]
		}
	}
	return best
}

// classifyPattern picks the Pattern type from the cluster's shape:
// uniform-type successful chains are workflows, failure-dominant chains are
// anti-patterns, failure-then-success chains are outcome transitions, and
// everything else is a plain event sequence.
func classifyPattern(c *cluster) record.PatternType {
	uniform := true
	first := eventType(c.events[0])
	for _, e := range c.events[1:] {
		if eventType(e) != first {
			uniform = false
			break
		}
	}

	sawFailure := false
	for _, e := range c.events {
		if e.Outcome == record.OutcomeFailure {
			sawFailure = true
		} else if sawFailure && e.Outcome == record.OutcomeSuccess {
			return record.PatternTypeOutcomeTransition
		}
	}

	switch dominantOutcome(c.events) {
	case record.OutcomeFailure:
		return record.PatternTypeAntiPattern
	case record.OutcomeSuccess:
		if uniform {
			return record.PatternTypeWorkflow
		}
		return record.PatternTypeEventSequence
	default:
		return record.PatternTypeEventSequence
	}
}
