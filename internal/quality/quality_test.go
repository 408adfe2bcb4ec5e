package quality

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryengine/internal/record"
	"memoryengine/internal/store"
	"memoryengine/internal/substrate"
)

func testTracker(t *testing.T, cap int) (*Tracker, *store.RecordStore) {
	t.Helper()
	h, err := substrate.Connect(substrate.DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	s := store.New(h, nil)
	return New(s, cap), s
}

// P8: the working set never exceeds N.
func TestWorkingSetCap(t *testing.T) {
	tr, _ := testTracker(t, 3)

	for i := 0; i < 10; i++ {
		err := tr.Attend("P", record.KindFact, string(rune('a'+i)), float64(i)/10)
		require.NoError(t, err)
		assert.LessOrEqual(t, tr.WorkingSetSize("P"), 3)
	}
	assert.Equal(t, 3, tr.WorkingSetSize("P"))
}

func TestWorkingSetEvictsLowestImportance(t *testing.T) {
	tr, _ := testTracker(t, 2)

	require.NoError(t, tr.Attend("P", record.KindFact, "low", 0.1))
	require.NoError(t, tr.Attend("P", record.KindFact, "high", 0.9))
	require.NoError(t, tr.Attend("P", record.KindPattern, "mid", 0.5))

	// "low" was evicted, leaving {high, mid}; releasing "high" leaves one member.
	tr.Release("P", record.KindFact, "high")
	assert.Equal(t, 1, tr.WorkingSetSize("P"))
}

func TestAttendRejectsNonAttendableKinds(t *testing.T) {
	tr, _ := testTracker(t, 3)
	err := tr.Attend("P", record.KindEvent, "e1", 0.5)
	require.Error(t, err)
}

func TestAttendSameRecordTwiceIsRefresh(t *testing.T) {
	tr, _ := testTracker(t, 3)
	require.NoError(t, tr.Attend("P", record.KindFact, "f1", 0.5))
	require.NoError(t, tr.Attend("P", record.KindFact, "f1", 0.7))
	assert.Equal(t, 1, tr.WorkingSetSize("P"))
}

func TestCognitiveLoad(t *testing.T) {
	tr, s := testTracker(t, 4)
	ctx := context.Background()

	id, err := s.InsertFact(ctx, &record.Fact{
		Envelope: record.Envelope{ProjectID: "P", Confidence: 0.5},
		Content:  "labile soon",
	})
	require.NoError(t, err)
	_, _, err = s.Activate(ctx, record.KindFact, id)
	require.NoError(t, err)

	require.NoError(t, tr.Attend("P", record.KindFact, id, 0.5))

	load, err := tr.Load(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 1, load.LabileCount)
	assert.Equal(t, 1, load.AttendedCount)
	assert.Equal(t, 4, load.Cap)
	assert.InDelta(t, 0.5, load.Load, 1e-9)
}

func TestExpertiseByDomain(t *testing.T) {
	tr, s := testTracker(t, 7)
	ctx := context.Background()

	_, err := s.InsertFact(ctx, &record.Fact{
		Envelope: record.Envelope{ProjectID: "P", EvidenceType: record.EvidenceLearned, Tags: []string{"go"}},
		Content:  "goroutines are cheap",
	})
	require.NoError(t, err)
	_, err = s.InsertFact(ctx, &record.Fact{
		Envelope: record.Envelope{ProjectID: "P", EvidenceType: record.EvidenceObserved, Tags: []string{"go"}},
		Content:  "not learned, excluded",
	})
	require.NoError(t, err)

	expertise, err := tr.ExpertiseByDomain(ctx, "P")
	require.NoError(t, err)
	require.Contains(t, expertise, "go")
	// learned base quality
	assert.InDelta(t, 0.8, expertise["go"], 1e-9)
}

func TestQualityHistogram(t *testing.T) {
	tr, s := testTracker(t, 7)
	ctx := context.Background()

	for _, et := range []record.EvidenceType{record.EvidenceObserved, record.EvidenceHypothetical} {
		_, err := s.InsertFact(ctx, &record.Fact{
			Envelope: record.Envelope{ProjectID: "P", EvidenceType: et},
			Content:  "histogram subject",
		})
		require.NoError(t, err)
	}

	buckets, err := tr.QualityHistogram(ctx, "P", record.KindFact)
	require.NoError(t, err)
	require.Len(t, buckets, 10)

	total := 0
	for _, b := range buckets {
		total += b.Count
	}
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, buckets[3].Count) // hypothetical at 0.3
	assert.Equal(t, 1, buckets[9].Count) // observed at 0.9
}
