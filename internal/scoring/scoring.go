// Package scoring computes the weighted compatibility score of two queue
// candidates. Everything here is pure: no I/O, no clocks, no randomness.
package scoring

import (
	"strings"

	"github.com/oggyb/muzz-live/internal/config"
)

// AlgorithmVersion is stamped on every MatchAttempt.
const AlgorithmVersion = "v1"

const (
	neutral         = 0.5
	ageDecayYears   = 10.0
	defaultRadiusKm = 50.0
)

// Candidate is the profile snapshot a user joins the queue with.
type Candidate struct {
	UserID    string
	Intent    string
	Gender    string
	Age       *int
	Lat       *float64
	Lon       *float64
	Interests []string
	Languages []string
	Ethnicity *string
	Premium   bool
}

// Preferences is the scoring view of MatchingPreferences. A nil *Preferences
// means the user never stored any and is treated as "no constraints".
type Preferences struct {
	MinAge              int
	MaxAge              int
	MaxRadiusKm         float64
	Genders             []string
	Interests           []string
	RelationshipIntents []string
	Ethnicities         []string
	FamilyPlans         []string
	Religion            []string
	Education           []string
	Political           []string
	Exercise            []string
	Smoking             []string
	Drinking            []string
}

// MatchScore holds the twelve sub-scores, the premium bonus and the total.
type MatchScore struct {
	Total              float64 `json:"total_score"`
	Age                float64 `json:"age_score"`
	Location           float64 `json:"location_score"`
	Interest           float64 `json:"interest_score"`
	Language           float64 `json:"language_score"`
	Ethnicity          float64 `json:"ethnicity_score"`
	GenderCompat       float64 `json:"gender_compat_score"`
	RelationshipIntent float64 `json:"relationship_intent_score"`
	FamilyPlans        float64 `json:"family_plans_score"`
	Religion           float64 `json:"religion_score"`
	Education          float64 `json:"education_score"`
	Political          float64 `json:"political_score"`
	Lifestyle          float64 `json:"lifestyle_score"`
	PremiumBonus       float64 `json:"premium_bonus"`
}

// Engine scores pairs with a fixed set of weights.
type Engine struct {
	weights      config.Weights
	premiumBonus float64
}

// NewEngine builds an engine. premiumBonus is the bonus when both users are premium.
func NewEngine(weights config.Weights, premiumBonus float64) *Engine {
	return &Engine{weights: weights, premiumBonus: clamp01(premiumBonus)}
}

// Score is symmetric in (a, pa) ↔ (b, pb) and deterministic.
func (e *Engine) Score(a, b Candidate, pa, pb *Preferences) MatchScore {
	pa, pb = orEmpty(pa), orEmpty(pb)

	s := MatchScore{
		Age:                ageScore(a, b, pa, pb),
		Location:           locationScore(a, b, pa, pb),
		Interest:           interestScore(a, b, pa, pb),
		Language:           languageScore(a.Languages, b.Languages),
		Ethnicity:          ethnicityScore(a, b, pa, pb),
		GenderCompat:       genderScore(a, b, pa, pb),
		RelationshipIntent: intentScore(a, b, pa, pb),
		FamilyPlans:        overlap(pa.FamilyPlans, pb.FamilyPlans),
		Religion:           overlap(pa.Religion, pb.Religion),
		Education:          overlap(pa.Education, pb.Education),
		Political:          overlap(pa.Political, pb.Political),
		Lifestyle: (overlap(pa.Exercise, pb.Exercise) +
			overlap(pa.Smoking, pb.Smoking) +
			overlap(pa.Drinking, pb.Drinking)) / 3,
	}

	premium := 0
	if a.Premium {
		premium++
	}
	if b.Premium {
		premium++
	}
	s.PremiumBonus = e.premiumBonus * float64(premium) / 2

	w := e.weights
	total := w.Age*s.Age +
		w.Location*s.Location +
		w.Interest*s.Interest +
		w.Language*s.Language +
		w.Ethnicity*s.Ethnicity +
		w.GenderCompat*s.GenderCompat +
		w.RelationshipIntent*s.RelationshipIntent +
		w.FamilyPlans*s.FamilyPlans +
		w.Religion*s.Religion +
		w.Education*s.Education +
		w.Political*s.Political +
		w.Lifestyle*s.Lifestyle +
		s.PremiumBonus
	s.Total = clamp01(total)
	return s
}

func orEmpty(p *Preferences) *Preferences {
	if p == nil {
		return &Preferences{}
	}
	return p
}

func ageScore(a, b Candidate, pa, pb *Preferences) float64 {
	if a.Age == nil || b.Age == nil {
		return neutral
	}
	return min(ageFit(*b.Age, pa), ageFit(*a.Age, pb))
}

// ageFit is 1 inside [min,max] and decays linearly to 0 at ageDecayYears outside.
func ageFit(age int, p *Preferences) float64 {
	lo, hi := p.MinAge, p.MaxAge
	if lo <= 0 && hi <= 0 {
		return 1
	}
	if hi <= 0 {
		hi = age
	}
	var d int
	switch {
	case age < lo:
		d = lo - age
	case age > hi:
		d = age - hi
	default:
		return 1
	}
	return clamp01(1 - float64(d)/ageDecayYears)
}

func locationScore(a, b Candidate, pa, pb *Preferences) float64 {
	if a.Lat == nil || a.Lon == nil || b.Lat == nil || b.Lon == nil {
		return neutral
	}
	radius := min(radiusOf(pa), radiusOf(pb))
	return clamp01(1 - HaversineKm(*a.Lat, *a.Lon, *b.Lat, *b.Lon)/radius)
}

func radiusOf(p *Preferences) float64 {
	if p.MaxRadiusKm > 0 {
		return p.MaxRadiusKm
	}
	return defaultRadiusKm
}

func interestScore(a, b Candidate, pa, pb *Preferences) float64 {
	ia, ib := a.Interests, b.Interests
	if len(ia) == 0 {
		ia = pa.Interests
	}
	if len(ib) == 0 {
		ib = pb.Interests
	}
	sa, sb := toSet(ia), toSet(ib)
	denom := max(1, min(len(sa), len(sb)))
	return clamp01(float64(intersect(sa, sb)) / float64(denom))
}

func languageScore(a, b []string) float64 {
	if intersect(toSet(a), toSet(b)) > 0 {
		return 1
	}
	return 0
}

func ethnicityScore(a, b Candidate, pa, pb *Preferences) float64 {
	return (ethnicityFit(b.Ethnicity, pa) + ethnicityFit(a.Ethnicity, pb)) / 2
}

func ethnicityFit(eth *string, p *Preferences) float64 {
	if len(p.Ethnicities) == 0 {
		return 1
	}
	if eth != nil && contains(p.Ethnicities, *eth) {
		return 1
	}
	return 0
}

func genderScore(a, b Candidate, pa, pb *Preferences) float64 {
	okA := len(pa.Genders) == 0 || contains(pa.Genders, b.Gender)
	okB := len(pb.Genders) == 0 || contains(pb.Genders, a.Gender)
	if okA && okB {
		return 1
	}
	return 0
}

func intentScore(a, b Candidate, pa, pb *Preferences) float64 {
	if a.Intent != "" && strings.EqualFold(a.Intent, b.Intent) {
		return 1
	}
	if intersect(toSet(allowedIntents(a, pa)), toSet(allowedIntents(b, pb))) > 0 {
		return neutral
	}
	return 0
}

func allowedIntents(c Candidate, p *Preferences) []string {
	if len(p.RelationshipIntents) > 0 {
		return p.RelationshipIntents
	}
	if c.Intent == "" {
		return nil
	}
	return []string{c.Intent}
}

// overlap is |A∩B| / min(|A|,|B|), or neutral when either side is empty.
func overlap(a, b []string) float64 {
	sa, sb := toSet(a), toSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return neutral
	}
	return clamp01(float64(intersect(sa, sb)) / float64(min(len(sa), len(sb))))
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			out[it] = struct{}{}
		}
	}
	return out
}

func intersect(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if strings.EqualFold(it, v) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
