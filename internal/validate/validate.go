package validate

import (
	"fmt"
	"strings"
)

// Reason identifies why a field value was rejected.
type Reason string

const (
	ReasonMissingSymptoms    Reason = "missing_symptoms"
	ReasonInvalidOnset       Reason = "invalid_onset"
	ReasonInvalidExposure    Reason = "invalid_exposure"
	ReasonMissingLocation    Reason = "missing_location"
	ReasonInvalidCoordinates Reason = "invalid_coordinates"
)

// FieldError is a validation rejection carrying a machine-readable reason.
type FieldError struct {
	Reason Reason
	Detail string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Reason, e.Detail)
}

// MaxOnsetDays bounds how far back a symptom onset may be reported.
const MaxOnsetDays = 90

// temporal phrases the extractor sometimes returns inside the symptom
// list; they describe onset, not a symptom.
var temporalPhrases = []string{
	"today", "yesterday", "last week", "last night", "this morning",
	"a few days ago", "days ago",
}

func isTemporalPhrase(s string) bool {
	low := strings.ToLower(s)
	for _, p := range temporalPhrases {
		if low == p || strings.HasSuffix(low, p) && len(strings.Fields(low)) <= 4 {
			return true
		}
	}
	return false
}

// Symptoms normalizes a symptom list: trims whitespace, drops blanks and
// bare temporal phrases. Empty result is a rejection.
func Symptoms(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" || isTemporalPhrase(s) {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, &FieldError{Reason: ReasonMissingSymptoms, Detail: "no symptoms recognized"}
	}
	return out, nil
}

// OnsetDays checks the days-since-onset value.
func OnsetDays(days int) error {
	if days < 0 || days > MaxOnsetDays {
		return &FieldError{
			Reason: ReasonInvalidOnset,
			Detail: fmt.Sprintf("onset must be between 0 and %d days", MaxOnsetDays),
		}
	}
	return nil
}

var unknownLocationPhrases = []string{
	"i don't know", "i dont know", "dont know", "don't know", "no idea",
	"not sure", "unsure", "unknown", "no clue", "idk",
}

// IsUnknownLocation reports whether the text is an explicit "don't know"
// answer, which skips exposure collection rather than re-prompting.
func IsUnknownLocation(text string) bool {
	low := strings.ToLower(strings.TrimSpace(text))
	for _, p := range unknownLocationPhrases {
		if low == p {
			return true
		}
	}
	return false
}

// ExposureLocation normalizes an exposure location name.
func ExposureLocation(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &FieldError{Reason: ReasonInvalidExposure, Detail: "empty exposure location"}
	}
	return name, nil
}

// ExposureDaysAgo checks the days-since-exposure value.
func ExposureDaysAgo(days int) error {
	if days < 0 || days > MaxOnsetDays {
		return &FieldError{
			Reason: ReasonInvalidExposure,
			Detail: fmt.Sprintf("exposure must be between 0 and %d days ago", MaxOnsetDays),
		}
	}
	return nil
}

// CurrentLocationName checks a collected current-location description.
func CurrentLocationName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &FieldError{Reason: ReasonMissingLocation, Detail: "empty location"}
	}
	return name, nil
}

// Coordinates checks a latitude/longitude pair.
func Coordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return &FieldError{
			Reason: ReasonInvalidCoordinates,
			Detail: fmt.Sprintf("coordinates out of range: %f, %f", lat, lon),
		}
	}
	return nil
}
