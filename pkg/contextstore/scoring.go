package contextstore

import "time"

const recentTouchWindow = 10 * time.Minute

// severityBase is the starting relevance score before adjustments.
var severityBase = map[Severity]float64{
	SeverityError:   0.8,
	SeverityWarning: 0.5,
	SeverityInfo:    0.3,
	SeverityHint:    0.15,
}

// scoreFinding computes the relevance score for f. touchedRecently reports
// whether f.File was observed in a file:* event within the last ten
// minutes; sameTripleCount is the number of other findings already stored
// under the same (agent, file, category) triple.
func scoreFinding(f Finding, touchedRecently bool, sameTripleCount int) float64 {
	score := severityBase[f.Severity]

	if f.Blocking {
		score += 0.15
	}
	if touchedRecently {
		score += 0.10
	}
	if !f.AutoFixable {
		score += 0.05
	}
	if sameTripleCount >= 5 {
		score -= 0.10
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
