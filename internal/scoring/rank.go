package scoring

import "sort"

// PrefsLookup resolves a user's preferences; nil means none stored.
type PrefsLookup func(userID string) *Preferences

// Best returns the index of the highest-scoring candidate at or above
// minScore, or -1. Equal scores keep the earlier candidate, so callers pass
// candidates in fairness order.
func (e *Engine) Best(self Candidate, candidates []Candidate, prefs PrefsLookup, minScore float64) (int, MatchScore) {
	best, bestScore := -1, MatchScore{}
	selfPrefs := prefs(self.UserID)
	for i, c := range candidates {
		if c.UserID == self.UserID {
			continue
		}
		s := e.Score(self, c, selfPrefs, prefs(c.UserID))
		if s.Total < minScore {
			continue
		}
		if best == -1 || s.Total > bestScore.Total {
			best, bestScore = i, s
		}
	}
	return best, bestScore
}

// Ranked is one scored candidate.
type Ranked struct {
	Candidate Candidate
	Score     MatchScore
}

// Rank scores every candidate and returns those at or above minScore,
// best first. Ties keep input order.
func (e *Engine) Rank(self Candidate, candidates []Candidate, prefs PrefsLookup, minScore float64) []Ranked {
	selfPrefs := prefs(self.UserID)
	out := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		if c.UserID == self.UserID {
			continue
		}
		s := e.Score(self, c, selfPrefs, prefs(c.UserID))
		if s.Total >= minScore {
			out = append(out, Ranked{Candidate: c, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score.Total > out[j].Score.Total })
	return out
}
