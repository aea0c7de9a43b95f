package contextstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/devloop-dev/devloop/pkg/dlerrors"
)

// TierSummary is the per-tier aggregate surfaced through the index.
type TierSummary struct {
	Count             int              `json:"count"`
	SeverityBreakdown map[Severity]int `json:"severity_breakdown"`
	FilesTouched      []string         `json:"files_touched"`
	Preview           string           `json:"preview"`
}

// Index is the aggregated summary derived from the four tier files.
// Consumers read the index first to decide whether a tier file is worth
// opening. In memory it's keyed by Tier for convenient lookup by every
// internal caller (the metrics poller, the status CLI); on disk it
// marshals to the flat, asymmetric shape spec.md §6 declares stable —
// top-level check_now/mention_if_relevant/deferred/auto_fixed keys, with
// only check_now (the immediate tier) carrying the full
// severity_breakdown/files/preview detail external tools filter on.
type Index struct {
	LastUpdated time.Time
	Tiers       map[Tier]TierSummary
}

// fullTierJSON is check_now's on-disk shape.
type fullTierJSON struct {
	Count             int              `json:"count"`
	SeverityBreakdown map[Severity]int `json:"severity_breakdown"`
	Files             []string         `json:"files"`
	Preview           string           `json:"preview"`
}

// briefTierJSON is mention_if_relevant/deferred/auto_fixed's on-disk shape.
type briefTierJSON struct {
	Count   int    `json:"count"`
	Summary string `json:"summary"`
}

type indexJSON struct {
	LastUpdated       time.Time     `json:"last_updated"`
	CheckNow          fullTierJSON  `json:"check_now"`
	MentionIfRelevant briefTierJSON `json:"mention_if_relevant"`
	Deferred          briefTierJSON `json:"deferred"`
	AutoFixed         briefTierJSON `json:"auto_fixed"`
}

func (idx Index) MarshalJSON() ([]byte, error) {
	summary := func(tier Tier) TierSummary { return idx.Tiers[tier] }

	immediate := summary(TierImmediate)
	out := indexJSON{
		LastUpdated: idx.LastUpdated,
		CheckNow: fullTierJSON{
			Count:             immediate.Count,
			SeverityBreakdown: immediate.SeverityBreakdown,
			Files:             immediate.FilesTouched,
			Preview:           immediate.Preview,
		},
		MentionIfRelevant: briefTierJSON{Count: summary(TierRelevant).Count, Summary: summary(TierRelevant).Preview},
		Deferred:          briefTierJSON{Count: summary(TierBackground).Count, Summary: summary(TierBackground).Preview},
		AutoFixed:         briefTierJSON{Count: summary(TierAutoFixed).Count, Summary: summary(TierAutoFixed).Preview},
	}
	return json.Marshal(out)
}

func (idx *Index) UnmarshalJSON(data []byte) error {
	var in indexJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return dlerrors.CorruptState("index.json", fmt.Errorf("decode index: %w", err))
	}

	idx.LastUpdated = in.LastUpdated
	idx.Tiers = map[Tier]TierSummary{
		TierImmediate: {
			Count:             in.CheckNow.Count,
			SeverityBreakdown: in.CheckNow.SeverityBreakdown,
			FilesTouched:      in.CheckNow.Files,
			Preview:           in.CheckNow.Preview,
		},
		TierRelevant:   {Count: in.MentionIfRelevant.Count, Preview: in.MentionIfRelevant.Summary},
		TierBackground: {Count: in.Deferred.Count, Preview: in.Deferred.Summary},
		TierAutoFixed:  {Count: in.AutoFixed.Count, Preview: in.AutoFixed.Summary},
	}
	return nil
}

func buildIndex(tiers map[Tier][]Finding) Index {
	idx := Index{
		LastUpdated: time.Now(),
		Tiers:       make(map[Tier]TierSummary, len(allTiers)),
	}

	for _, tier := range allTiers {
		findings := tiers[tier]
		summary := TierSummary{
			SeverityBreakdown: make(map[Severity]int),
		}
		filesSeen := make(map[string]bool)

		for _, f := range findings {
			summary.Count++
			summary.SeverityBreakdown[f.Severity]++
			if !filesSeen[f.File] {
				filesSeen[f.File] = true
				summary.FilesTouched = append(summary.FilesTouched, f.File)
			}
		}
		sort.Strings(summary.FilesTouched)
		summary.Preview = previewFor(findings)

		idx.Tiers[tier] = summary
	}

	return idx
}

func previewFor(findings []Finding) string {
	if len(findings) == 0 {
		return "no findings"
	}
	head := findings[0]
	if len(findings) == 1 {
		return fmt.Sprintf("%s: %s", head.File, head.Message)
	}
	return fmt.Sprintf("%s: %s (+%d more)", head.File, head.Message, len(findings)-1)
}
