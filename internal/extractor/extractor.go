// Package extractor turns free-form user messages into structured intake
// fields by prompting an LLM and parsing its JSON reply.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/earlysignal/intake/models"
	"github.com/earlysignal/intake/provider"
)

// FieldKind names the field an extraction call targets.
type FieldKind string

const (
	KindSymptomsOnset   FieldKind = "symptoms_and_onset"
	KindDiagnosis       FieldKind = "diagnosis"
	KindExposure        FieldKind = "exposure"
	KindCurrentLocation FieldKind = "current_location"
)

// FailureReason classifies why an extraction produced nothing usable.
type FailureReason string

const (
	ReasonTimeout    FailureReason = "timeout"
	ReasonUnparsable FailureReason = "unparsable"
	ReasonEmpty      FailureReason = "empty"
)

// Failure is a recoverable extraction miss. The dialogue re-prompts the
// user rather than failing the turn.
type Failure struct {
	Kind   FieldKind
	Reason FailureReason
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("extraction failed for %s (%s): %v", f.Kind, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Context carries what the session already knows, so the model merges
// new input with earlier partial answers instead of starting over.
type Context struct {
	Symptoms                []string
	OnsetDays               *int
	PartialExposureLocation string
	PartialExposureDays     *int
	CityState               string
	ClarifierContext        []models.QA
	History                 []models.Message
	ForceFinal              bool
}

// SymptomsOnset is the parsed result of a symptom-collection turn.
type SymptomsOnset struct {
	Symptoms  []string `json:"symptoms"`
	OnsetDays *int     `json:"onset_days"`
}

// Exposure is the parsed result of an exposure-collection turn.
type Exposure struct {
	Location string `json:"location"`
	DaysAgo  *int   `json:"days_ago"`
	Unknown  bool   `json:"unknown"`
}

// DiagnosisResult is the model's preliminary diagnosis, or a clarifying
// question when confidence is still too low.
type DiagnosisResult struct {
	FinalDiagnosis     string  `json:"final_diagnosis"`
	IllnessCategory    string  `json:"illness_category"`
	Confidence         float64 `json:"confidence"`
	Reasoning          string  `json:"reasoning"`
	ClarifyingQuestion string  `json:"clarifying_question"`
}

// Extractor prompts the configured LLM and parses structured fields out
// of the reply.
type Extractor struct {
	llm     provider.Provider
	timeout time.Duration
	logger  *log.Logger
}

func New(llm provider.Provider, timeout time.Duration) *Extractor {
	return &Extractor{
		llm:     llm,
		timeout: timeout,
		logger:  log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags),
	}
}

func (e *Extractor) complete(ctx context.Context, kind FieldKind, system, user string, history []models.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msgs := make([]models.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, models.Message{Role: "user", Content: user})

	raw, err := e.llm.Complete(ctx, system, msgs)
	if err != nil {
		reason := ReasonUnparsable
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		return "", &Failure{Kind: kind, Reason: reason, Err: err}
	}
	if strings.TrimSpace(raw) == "" {
		return "", &Failure{Kind: kind, Reason: ReasonEmpty, Err: errors.New("blank model reply")}
	}
	return raw, nil
}

func (e *Extractor) parse(kind FieldKind, raw string, v interface{}) error {
	jsonText, err := extractJSON(raw)
	if err != nil {
		return &Failure{Kind: kind, Reason: ReasonUnparsable, Err: err}
	}
	if err := json.Unmarshal([]byte(jsonText), v); err != nil {
		return &Failure{Kind: kind, Reason: ReasonUnparsable, Err: err}
	}
	return nil
}

var daysAgoRe = regexp.MustCompile(`(?i)^\s*(\d{1,3})\s*(days?\s*(ago)?)?\s*$`)

// ParseDaysAnswer handles direct answers to "how many days ago" questions
// without a model round trip. ok is false when the text needs the LLM.
func ParseDaysAnswer(text string) (days int, ok bool) {
	low := strings.ToLower(strings.TrimSpace(text))
	switch low {
	case "today":
		return 0, true
	case "yesterday":
		return 1, true
	}
	if m := daysAgoRe.FindStringSubmatch(low); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

const symptomsSystemPrompt = `You extract structured symptom data from a health intake conversation.
Given the user's latest message and any previously collected fields, respond ONLY with JSON:
{"symptoms": ["list", "of", "symptoms"], "onset_days": <integer days since symptoms began, or null if not stated>}
Rules:
- Merge with previously collected data; never drop symptoms the user already reported.
- symptoms holds symptom descriptions only, never time expressions.
- onset_days is a whole number of days (today = 0, yesterday = 1).
Do not include any other text.`

// ExtractSymptomsOnset parses symptoms and onset from a user turn,
// merging with already-collected partials.
func (e *Extractor) ExtractSymptomsOnset(ctx context.Context, userText string, ec Context) (SymptomsOnset, error) {
	// A bare day count is a direct answer to the onset follow-up.
	if len(ec.Symptoms) > 0 && ec.OnsetDays == nil {
		if days, ok := ParseDaysAnswer(userText); ok {
			return SymptomsOnset{Symptoms: ec.Symptoms, OnsetDays: &days}, nil
		}
	}

	user := fmt.Sprintf("Previously collected: symptoms=%s onset_days=%s\nUser message: %s",
		jsonish(ec.Symptoms), intish(ec.OnsetDays), userText)
	raw, err := e.complete(ctx, KindSymptomsOnset, symptomsSystemPrompt, user, ec.History)
	if err != nil {
		return SymptomsOnset{}, err
	}
	var out SymptomsOnset
	if err := e.parse(KindSymptomsOnset, raw, &out); err != nil {
		return SymptomsOnset{}, err
	}
	out.Symptoms = mergeSymptoms(ec.Symptoms, out.Symptoms)
	if out.OnsetDays == nil {
		out.OnsetDays = ec.OnsetDays
	}
	return out, nil
}

const diagnosisSystemPrompt = `You are a cautious preliminary-diagnosis assistant for a public health intake service.
Given reported symptoms, onset, and any clarifying answers, respond ONLY with JSON:
{"final_diagnosis": "most likely condition",
 "illness_category": "airborne|foodborne|waterborne|insect-borne|direct_contact|other",
 "confidence": <0.0-1.0>,
 "reasoning": "one or two sentences",
 "clarifying_question": "one question that would most improve confidence, or empty string"}
Rules:
- This is a preliminary signal for outbreak detection, not medical advice.
- If confident enough, leave clarifying_question empty.
Do not include any other text.`

// Diagnose produces a preliminary diagnosis from everything collected so
// far. With ForceFinal set the model must commit to its best guess.
func (e *Extractor) Diagnose(ctx context.Context, ec Context) (DiagnosisResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Symptoms: %s\n", jsonish(ec.Symptoms))
	fmt.Fprintf(&b, "Days since onset: %s\n", intish(ec.OnsetDays))
	for _, qa := range ec.ClarifierContext {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", qa.Question, qa.Answer)
	}
	if ec.ForceFinal {
		b.WriteString("No further questions are allowed. Give your best final diagnosis now and leave clarifying_question empty.\n")
	}

	raw, err := e.complete(ctx, KindDiagnosis, diagnosisSystemPrompt, b.String(), nil)
	if err != nil {
		return DiagnosisResult{}, err
	}
	var out DiagnosisResult
	if err := e.parse(KindDiagnosis, raw, &out); err != nil {
		return DiagnosisResult{}, err
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	if strings.TrimSpace(out.FinalDiagnosis) == "" {
		return DiagnosisResult{}, &Failure{Kind: KindDiagnosis, Reason: ReasonEmpty, Err: errors.New("no diagnosis in reply")}
	}
	return out, nil
}

const exposureSystemPrompt = `You extract exposure details from a health intake conversation.
Given the user's latest message and any previously collected fields, respond ONLY with JSON:
{"location": "place where the user thinks they were exposed, or empty string",
 "days_ago": <integer days since the suspected exposure, or null>,
 "unknown": <true only if the user explicitly says they do not know where they were exposed>}
Rules:
- Merge with previously collected data.
- days_ago is a whole number of days (today = 0, yesterday = 1).
Do not include any other text.`

// ExtractExposure parses a suspected exposure location and timing.
func (e *Extractor) ExtractExposure(ctx context.Context, userText string, ec Context) (Exposure, error) {
	if ec.PartialExposureLocation != "" && ec.PartialExposureDays == nil {
		if days, ok := ParseDaysAnswer(userText); ok {
			return Exposure{Location: ec.PartialExposureLocation, DaysAgo: &days}, nil
		}
	}

	user := fmt.Sprintf("Previously collected: location=%q days_ago=%s\nUser message: %s",
		ec.PartialExposureLocation, intish(ec.PartialExposureDays), userText)
	raw, err := e.complete(ctx, KindExposure, exposureSystemPrompt, user, ec.History)
	if err != nil {
		return Exposure{}, err
	}
	var out Exposure
	if err := e.parse(KindExposure, raw, &out); err != nil {
		return Exposure{}, err
	}
	if out.Location == "" {
		out.Location = ec.PartialExposureLocation
	}
	if out.DaysAgo == nil {
		out.DaysAgo = ec.PartialExposureDays
	}
	return out, nil
}

const locationSystemPrompt = `You extract a location name from a health intake conversation.
Respond ONLY with JSON: {"location": "the place the user named, or empty string"}
The user may give a city and state, or a specific venue or landmark. Return exactly what they named, cleaned up.
Do not include any other text.`

// ExtractLocation pulls a place name out of a location-collection turn.
func (e *Extractor) ExtractLocation(ctx context.Context, userText string, ec Context) (string, error) {
	user := userText
	if ec.CityState != "" {
		user = fmt.Sprintf("The user is in %s. They were asked for a more specific place.\nUser message: %s", ec.CityState, userText)
	}
	raw, err := e.complete(ctx, KindCurrentLocation, locationSystemPrompt, user, ec.History)
	if err != nil {
		return "", err
	}
	var out struct {
		Location string `json:"location"`
	}
	if err := e.parse(KindCurrentLocation, raw, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Location), nil
}

func mergeSymptoms(old, fresh []string) []string {
	seen := make(map[string]struct{}, len(old)+len(fresh))
	var out []string
	for _, s := range append(append([]string{}, old...), fresh...) {
		key := strings.ToLower(strings.TrimSpace(s))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func jsonish(ss []string) string {
	if len(ss) == 0 {
		return "none"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func intish(p *int) string {
	if p == nil {
		return "unknown"
	}
	return strconv.Itoa(*p)
}
