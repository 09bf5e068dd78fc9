package preferences

import (
	"slices"
	"strconv"
	"strings"

	"github.com/oggyb/muzz-live/internal/db"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
)

const (
	defaultMinAge   = 18
	defaultMaxAge   = 65
	defaultRadiusKm = 50.0
)

// Genders and Intents are the accepted enum values.
var (
	Genders = []string{"MAN", "WOMAN", "NONBINARY"}
	Intents = []string{"CASUAL", "FRIENDS", "SERIOUS", "NETWORKING"}
)

// genderLabels maps UI labels (lower-cased) to enum sets. An empty set means "any".
var genderLabels = map[string][]string{
	"men":        {"MAN"},
	"man":        {"MAN"},
	"male":       {"MAN"},
	"women":      {"WOMAN"},
	"woman":      {"WOMAN"},
	"female":     {"WOMAN"},
	"non-binary": {"NONBINARY"},
	"nonbinary":  {"NONBINARY"},
	"everyone":   {},
	"any":        {},
	"all":        {},
}

// Normalize turns a heterogeneous preference payload into a row.
//
// Field precedence:
//   - age: range.{min,max} → preferred{Min,Max}Age → {min,max}Age → {ageMin,ageMax} → 18..65
//   - radius: maxDistance → maxRadius → 50 km
//   - interests: interests → preferredInterests
//   - genders: preferredGenders array (filtered to the enum) → label
//     (preferredGenders / interestedIn / genderPreference as a string)
func Normalize(userID string, raw map[string]any) (*db.MatchingPreferences, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, svcErr.Validation("user_id is required")
	}
	if raw == nil {
		raw = map[string]any{}
	}

	p := &db.MatchingPreferences{UserID: userID}

	var err error
	if p.MinAge, p.MaxAge, err = ageRange(raw); err != nil {
		return nil, err
	}

	p.MaxRadiusKm = defaultRadiusKm
	for _, key := range []string{"maxDistance", "maxRadius"} {
		if v, ok, err := number(raw, key); err != nil {
			return nil, err
		} else if ok {
			if v <= 0 {
				return nil, svcErr.Validation("%s must be positive", key)
			}
			p.MaxRadiusKm = v
			break
		}
	}

	p.PreferredInterests = firstList(raw, "interests", "preferredInterests")

	if p.PreferredGenders, err = genders(raw); err != nil {
		return nil, err
	}

	intents := firstList(raw, "preferredRelationshipIntents", "relationshipIntents")
	for i, it := range intents {
		up := strings.ToUpper(it)
		if !slices.Contains(Intents, up) {
			return nil, svcErr.Validation("unknown relationship intent %q", it)
		}
		intents[i] = up
	}
	p.PreferredRelationshipIntents = intents

	p.PreferredEthnicities = firstList(raw, "preferredEthnicities", "ethnicities")
	p.FamilyPlans = firstList(raw, "familyPlans")
	p.Religion = firstList(raw, "religion", "religions")
	p.Education = firstList(raw, "education", "educationLevels")
	p.PoliticalViews = firstList(raw, "politicalViews", "political")
	p.Exercise = firstList(raw, "exercise", "exerciseHabits")
	p.Smoking = firstList(raw, "smoking", "smokingHabits")
	p.Drinking = firstList(raw, "drinking", "drinkingHabits")
	return p, nil
}

// ValidGender reports whether g is an enum member; ValidIntent likewise.
func ValidGender(g string) bool { return slices.Contains(Genders, g) }
func ValidIntent(i string) bool { return slices.Contains(Intents, i) }

func ageRange(raw map[string]any) (int, int, error) {
	type source struct{ min, max func() (float64, bool, error) }

	fromMap := func(m map[string]any, key string) func() (float64, bool, error) {
		return func() (float64, bool, error) { return number(m, key) }
	}
	rng, _ := raw["range"].(map[string]any)
	sources := []source{
		{fromMap(rng, "min"), fromMap(rng, "max")},
		{fromMap(raw, "preferredMinAge"), fromMap(raw, "preferredMaxAge")},
		{fromMap(raw, "minAge"), fromMap(raw, "maxAge")},
		{fromMap(raw, "ageMin"), fromMap(raw, "ageMax")},
	}

	lo, hi := float64(defaultMinAge), float64(defaultMaxAge)
	loSet, hiSet := false, false
	for _, s := range sources {
		if !loSet {
			v, ok, err := s.min()
			if err != nil {
				return 0, 0, err
			}
			if ok {
				lo, loSet = v, true
			}
		}
		if !hiSet {
			v, ok, err := s.max()
			if err != nil {
				return 0, 0, err
			}
			if ok {
				hi, hiSet = v, true
			}
		}
	}
	if lo < 0 || hi < 0 {
		return 0, 0, svcErr.Validation("age range must be non-negative")
	}
	if lo > hi {
		return 0, 0, svcErr.Validation("min age %d is above max age %d", int(lo), int(hi))
	}
	return int(lo), int(hi), nil
}

func genders(raw map[string]any) ([]string, error) {
	if arr, ok := raw["preferredGenders"].([]any); ok {
		out := []string{}
		for _, item := range arr {
			s, ok := item.(string)
			if !ok {
				continue
			}
			for _, g := range labelOrEnum(s) {
				if !slices.Contains(out, g) {
					out = append(out, g)
				}
			}
		}
		return out, nil
	}
	if arr, ok := raw["preferredGenders"].([]string); ok {
		anyArr := make([]any, len(arr))
		for i, s := range arr {
			anyArr[i] = s
		}
		return genders(map[string]any{"preferredGenders": anyArr})
	}

	for _, key := range []string{"preferredGenders", "interestedIn", "genderPreference"} {
		label, ok := raw[key].(string)
		if !ok || strings.TrimSpace(label) == "" {
			continue
		}
		set, known := genderLabels[strings.ToLower(strings.TrimSpace(label))]
		if !known {
			if up := strings.ToUpper(label); ValidGender(up) {
				return []string{up}, nil
			}
			return nil, svcErr.Validation("unknown gender preference %q", label)
		}
		return append([]string{}, set...), nil
	}
	return []string{}, nil
}

// labelOrEnum resolves an array element; unknown values resolve to nothing.
func labelOrEnum(s string) []string {
	s = strings.TrimSpace(s)
	if up := strings.ToUpper(s); ValidGender(up) {
		return []string{up}
	}
	if set, ok := genderLabels[strings.ToLower(s)]; ok {
		return set
	}
	return nil
}

func number(m map[string]any, key string) (float64, bool, error) {
	if m == nil {
		return 0, false, nil
	}
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case string:
		if strings.TrimSpace(n) == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false, svcErr.Validation("%s must be a number", key)
		}
		return f, true, nil
	}
	return 0, false, svcErr.Validation("%s must be a number, got %T", key, v)
}

// firstList returns the first key holding a non-empty string list (or a
// single string), trimmed and de-duplicated.
func firstList(raw map[string]any, keys ...string) []string {
	for _, key := range keys {
		var items []string
		switch v := raw[key].(type) {
		case []any:
			for _, it := range v {
				if s, ok := it.(string); ok {
					items = append(items, s)
				}
			}
		case []string:
			items = v
		case string:
			items = []string{v}
		}
		out := []string{}
		for _, s := range items {
			s = strings.TrimSpace(s)
			if s != "" && !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{}
}
