package visual

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Likelihood is the classifier's ordinal confidence that an image belongs to a
// category. Higher values are more likely.
type Likelihood int

const (
	Unknown Likelihood = iota
	VeryUnlikely
	Unlikely
	Possible
	Likely
	VeryLikely
)

var likelihoodNames = []string{
	"UNKNOWN",
	"VERY_UNLIKELY",
	"UNLIKELY",
	"POSSIBLE",
	"LIKELY",
	"VERY_LIKELY",
}

var AllLikelihoods = []Likelihood{Unknown, VeryUnlikely, Unlikely, Possible, Likely, VeryLikely}

func (l Likelihood) String() string {
	if l < Unknown || l > VeryLikely {
		return fmt.Sprintf("Likelihood(%d)", int(l))
	}
	return likelihoodNames[l]
}

// ParseLikelihood accepts the classifier's enum names case-insensitively,
// with either '_' or '-' as separator ("VERY_LIKELY", "very-likely").
func ParseLikelihood(raw string) (Likelihood, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_"))
	for i, name := range likelihoodNames {
		if name == norm {
			return Likelihood(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown likelihood level: %q", raw)
}

func (l Likelihood) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Unrecognized levels decode as Unknown.
func (l *Likelihood) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseLikelihood(s)
	if err != nil {
		v = Unknown
	}
	*l = v
	return nil
}

type Category string

const (
	CategoryAdult    Category = "adult"
	CategoryViolence Category = "violence"
	CategoryRacy     Category = "racy"
	CategoryMedical  Category = "medical"
	CategorySpoof    Category = "spoof"
)

var AllCategories = []Category{CategoryAdult, CategoryViolence, CategoryRacy, CategoryMedical, CategorySpoof}

// Scores holds one likelihood per category. Missing categories are Unknown.
type Scores map[Category]Likelihood

func (s Scores) Get(c Category) Likelihood {
	return s[c]
}

// Uniform builds scores with every category at the same level.
func Uniform(l Likelihood) Scores {
	out := make(Scores, len(AllCategories))
	for _, c := range AllCategories {
		out[c] = l
	}
	return out
}
