package contextstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestTierAssignment(t *testing.T) {
	tests := []struct {
		name     string
		finding  Finding
		expected Tier
	}{
		{
			name:     "auto-fixable with fix applied goes to auto_fixed",
			finding:  Finding{Severity: SeverityWarning, AutoFixable: true, Context: map[string]any{"fix_applied": true}},
			expected: TierAutoFixed,
		},
		{
			name:     "error severity goes to immediate",
			finding:  Finding{Severity: SeverityError},
			expected: TierImmediate,
		},
		{
			name:     "blocking non-error goes to immediate",
			finding:  Finding{Severity: SeverityInfo, Blocking: true},
			expected: TierImmediate,
		},
		{
			name:     "warning goes to relevant",
			finding:  Finding{Severity: SeverityWarning},
			expected: TierRelevant,
		},
		{
			name:     "info goes to relevant",
			finding:  Finding{Severity: SeverityInfo},
			expected: TierRelevant,
		},
		{
			name:     "hint goes to background",
			finding:  Finding{Severity: SeverityHint},
			expected: TierBackground,
		},
		{
			name:     "auto-fixable without fix applied still follows severity",
			finding:  Finding{Severity: SeverityHint, AutoFixable: true},
			expected: TierBackground,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, assignTier(tt.finding))
		})
	}
}

func TestScoreFindingClampedAndAdjusted(t *testing.T) {
	base := Finding{Severity: SeverityError}
	assert.InDelta(t, 0.85, scoreFinding(base, false, 0), 1e-9, "error + non-fixable bonus")

	blocking := Finding{Severity: SeverityHint, Blocking: true}
	score := scoreFinding(blocking, false, 0)
	assert.InDelta(t, 0.35, score, 1e-9)

	spammed := Finding{Severity: SeverityError}
	score = scoreFinding(spammed, false, 6)
	assert.InDelta(t, 0.75, score, 1e-9, "anti-spam clamp subtracts 0.10")

	touched := Finding{Severity: SeverityHint, AutoFixable: true}
	score = scoreFinding(touched, true, 0)
	assert.LessOrEqual(t, score, 1.0)
	assert.GreaterOrEqual(t, score, 0.0)
}

// TestAddFindingClampsSixthOfSameTriple exercises the anti-spam clamp
// through real ingestion rather than a hardcoded sameTripleCount, since
// spec.md's boundary is stated in terms of the Nth finding added, not the
// count passed to scoreFinding directly: the 6th finding sharing an
// (agent, file, category) triple is the first one clamped, because
// countTriple counts the 5 that came before it.
func TestAddFindingClampsSixthOfSameTriple(t *testing.T) {
	s := openTestStore(t)

	for i := 1; i <= 6; i++ {
		f := Finding{
			ID:       fmt.Sprintf("F%d", i),
			Agent:    "linter",
			File:     "main.py",
			Category: "lint_F401",
			Severity: SeverityError,
			Message:  "unused import",
		}
		require.NoError(t, s.AddFinding(f))
	}

	tier := s.ReadTier(TierImmediate)
	require.Len(t, tier, 6)

	byID := make(map[string]Finding, len(tier))
	for _, f := range tier {
		byID[f.ID] = f
	}

	for i := 1; i <= 5; i++ {
		f := byID[fmt.Sprintf("F%d", i)]
		assert.InDelta(t, 0.85, f.RelevanceScore, 1e-9, "finding %d of 6 should not be clamped", i)
	}
	sixth := byID["F6"]
	assert.InDelta(t, 0.75, sixth.RelevanceScore, 1e-9, "6th finding of the same triple should be clamped")
}

func TestAddFindingPersistsTierAndIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	f := Finding{
		ID:        "F401",
		Agent:     "linter",
		Timestamp: time.Now(),
		File:      "main.py",
		Severity:  SeverityError,
		Category:  "lint_F401",
		Message:   "unused import",
	}
	require.NoError(t, s.AddFinding(f))

	tier := s.ReadTier(TierImmediate)
	require.Len(t, tier, 1)
	assert.Equal(t, "F401", tier[0].ID)
	assert.Contains(t, tier[0].Context, "first_seen")

	raw, err := os.ReadFile(filepath.Join(dir, "immediate.json"))
	require.NoError(t, err)
	var tf tierFile
	require.NoError(t, json.Unmarshal(raw, &tf))
	assert.Equal(t, 1, tf.Count)

	idx := s.ReadIndex()
	assert.Equal(t, 1, idx.Tiers[TierImmediate].Count)
	assert.Equal(t, 0, idx.Tiers[TierRelevant].Count)
}

// TestIndexJSONUsesStableExternalSchema asserts the persisted index.json
// matches the flat, asymmetric shape external tools (editors, CLI, git
// hooks) read directly: top-level check_now/mention_if_relevant/
// deferred/auto_fixed keys, with only check_now carrying the full
// severity_breakdown/files/preview detail.
func TestIndexJSONUsesStableExternalSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AddFinding(Finding{
		ID: "F1", Agent: "linter", File: "src/sample.py",
		Severity: SeverityError, Category: "syntax", Message: "syntax error",
	}))
	require.NoError(t, s.AddFinding(Finding{
		ID: "F2", Agent: "linter", File: "src/sample.py",
		Severity: SeverityWarning, Category: "lint_F401", Message: "unused import",
	}))

	raw, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "last_updated")
	assert.Contains(t, doc, "check_now")
	assert.Contains(t, doc, "mention_if_relevant")
	assert.Contains(t, doc, "deferred")
	assert.Contains(t, doc, "auto_fixed")
	assert.NotContains(t, doc, "tiers")

	var checkNow fullTierJSON
	require.NoError(t, json.Unmarshal(doc["check_now"], &checkNow))
	assert.Equal(t, 1, checkNow.Count)
	assert.Equal(t, 1, checkNow.SeverityBreakdown[SeverityError])
	assert.Equal(t, []string{"src/sample.py"}, checkNow.Files)
	assert.NotEmpty(t, checkNow.Preview)

	var mentionIfRelevant briefTierJSON
	require.NoError(t, json.Unmarshal(doc["mention_if_relevant"], &mentionIfRelevant))
	assert.Equal(t, 1, mentionIfRelevant.Count)
	assert.NotEmpty(t, mentionIfRelevant.Summary)

	var reloaded Index
	require.NoError(t, json.Unmarshal(raw, &reloaded))
	assert.Equal(t, 1, reloaded.Tiers[TierImmediate].Count)
	assert.Equal(t, 1, reloaded.Tiers[TierRelevant].Count)
}

// TestAddFindingGeneratesIDWhenBlank covers the uuid fallback: a caller
// with no stable identity to derive (unlike the built-in adapters, which
// always set one from tool/file/line/category/rule_code) still gets a
// usable, unique Finding.ID rather than colliding with every other
// ID-less finding from the same agent/file/category.
func TestAddFindingGeneratesIDWhenBlank(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AddFinding(Finding{
		Agent: "adhoc", File: "a.py", Category: "lint_X",
		Severity: SeverityWarning, Message: "first",
	}))
	require.NoError(t, s.AddFinding(Finding{
		Agent: "adhoc", File: "a.py", Category: "lint_X",
		Severity: SeverityWarning, Message: "second",
	}))

	tier := s.ReadTier(TierRelevant)
	require.Len(t, tier, 2, "distinct blank-ID findings must not collide onto one identity")
	assert.NotEmpty(t, tier[0].ID)
	assert.NotEmpty(t, tier[1].ID)
	assert.NotEqual(t, tier[0].ID, tier[1].ID)
}

func TestAddFindingDedupUpdatesInPlace(t *testing.T) {
	s := openTestStore(t)

	first := Finding{
		ID: "dup", Agent: "linter", File: "a.py", Category: "lint_X",
		Severity: SeverityWarning, Message: "first message", Timestamp: time.Now(),
	}
	require.NoError(t, s.AddFinding(first))

	originalFirstSeen := s.ReadTier(TierRelevant)[0].Context["first_seen"]

	second := first
	second.Message = "updated message"
	second.Timestamp = first.Timestamp.Add(time.Minute)
	require.NoError(t, s.AddFinding(second))

	tier := s.ReadTier(TierRelevant)
	require.Len(t, tier, 1, "re-ingesting the same identity must update in place, not duplicate")
	assert.Equal(t, "updated message", tier[0].Message)
	assert.Equal(t, originalFirstSeen, tier[0].Context["first_seen"], "first_seen must be preserved across updates")
}

func TestAddFindingMovesAcrossTiersOnSeverityChange(t *testing.T) {
	s := openTestStore(t)

	f := Finding{
		ID: "moving", Agent: "linter", File: "a.py", Category: "lint_X",
		Severity: SeverityWarning, Message: "warn", Timestamp: time.Now(),
	}
	require.NoError(t, s.AddFinding(f))
	require.Len(t, s.ReadTier(TierRelevant), 1)

	f.Severity = SeverityError
	require.NoError(t, s.AddFinding(f))

	assert.Len(t, s.ReadTier(TierRelevant), 0, "finding must be removed from its old tier")
	assert.Len(t, s.ReadTier(TierImmediate), 1, "finding must appear in its new tier")
}

func TestCleanupOldFindingsPrunesByAge(t *testing.T) {
	s := openTestStore(t)

	old := Finding{
		ID: "old", Agent: "linter", File: "a.py", Category: "lint_X",
		Severity: SeverityError, Message: "stale", Timestamp: time.Now().Add(-10 * 24 * time.Hour),
	}
	fresh := Finding{
		ID: "fresh", Agent: "linter", File: "b.py", Category: "lint_X",
		Severity: SeverityError, Message: "new", Timestamp: time.Now(),
	}
	require.NoError(t, s.AddFinding(old))
	require.NoError(t, s.AddFinding(fresh))
	require.Len(t, s.ReadTier(TierImmediate), 2)

	require.NoError(t, s.CleanupOldFindings(7*24*time.Hour))

	tier := s.ReadTier(TierImmediate)
	require.Len(t, tier, 1)
	assert.Equal(t, "fresh", tier[0].ID)
}

func TestLoadQuarantinesCorruptTierFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "immediate.json"), []byte("{not valid json"), 0o644))

	s, err := Open(dir, nil, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	assert.Empty(t, s.ReadTier(TierImmediate))

	matches, err := filepath.Glob(filepath.Join(dir, "immediate.json.corrupt.*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "corrupt tier file should be quarantined, not silently dropped")
}

func TestAddFindingRejectsInvalidSeverity(t *testing.T) {
	s := openTestStore(t)
	err := s.AddFinding(Finding{ID: "x", Agent: "a", File: "f.py", Severity: "catastrophic"})
	assert.Error(t, err)
}
