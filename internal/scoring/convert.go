package scoring

import "github.com/oggyb/muzz-live/internal/db"

// FromEntry builds a Candidate from a queue row. Premium comes from elsewhere.
func FromEntry(e *db.QueueEntry) Candidate {
	return Candidate{
		UserID:    e.UserID,
		Intent:    e.Intent,
		Gender:    e.Gender,
		Age:       e.Age,
		Lat:       e.Lat,
		Lon:       e.Lon,
		Interests: e.Interests,
		Languages: e.Languages,
		Ethnicity: e.Ethnicity,
	}
}

// FromModel converts stored preferences; nil stays nil.
func FromModel(p *db.MatchingPreferences) *Preferences {
	if p == nil {
		return nil
	}
	return &Preferences{
		MinAge:              p.MinAge,
		MaxAge:              p.MaxAge,
		MaxRadiusKm:         p.MaxRadiusKm,
		Genders:             p.PreferredGenders,
		Interests:           p.PreferredInterests,
		RelationshipIntents: p.PreferredRelationshipIntents,
		Ethnicities:         p.PreferredEthnicities,
		FamilyPlans:         p.FamilyPlans,
		Religion:            p.Religion,
		Education:           p.Education,
		Political:           p.PoliticalViews,
		Exercise:            p.Exercise,
		Smoking:             p.Smoking,
		Drinking:            p.Drinking,
	}
}

// ApplyTo copies the score breakdown onto an attempt row.
func (s MatchScore) ApplyTo(a *db.MatchAttempt) {
	a.TotalScore = s.Total
	a.AgeScore = s.Age
	a.LocationScore = s.Location
	a.InterestScore = s.Interest
	a.LanguageScore = s.Language
	a.EthnicityScore = s.Ethnicity
	a.GenderCompatScore = s.GenderCompat
	a.RelationshipIntentScore = s.RelationshipIntent
	a.FamilyPlansScore = s.FamilyPlans
	a.ReligionScore = s.Religion
	a.EducationScore = s.Education
	a.PoliticalScore = s.Political
	a.LifestyleScore = s.Lifestyle
	a.PremiumBonus = s.PremiumBonus
	a.AlgorithmVersion = AlgorithmVersion
}
