package models

import "time"

// IllnessCategory is the coarse transmission-mode tag attached to a
// diagnosis. It selects, among other things, the aggregator's spatial
// radius and the alerting flags persisted with a report.
type IllnessCategory string

const (
	CategoryAirborne      IllnessCategory = "airborne"
	CategoryFoodborne     IllnessCategory = "foodborne"
	CategoryWaterborne    IllnessCategory = "waterborne"
	CategoryInsectBorne   IllnessCategory = "insect-borne"
	CategoryDirectContact IllnessCategory = "direct_contact"
	CategoryOther         IllnessCategory = "other"
)

// ParseIllnessCategory normalizes a free-form category string; anything
// unrecognized collapses to CategoryOther.
func ParseIllnessCategory(s string) IllnessCategory {
	switch IllnessCategory(s) {
	case CategoryAirborne, CategoryFoodborne, CategoryWaterborne,
		CategoryInsectBorne, CategoryDirectContact, CategoryOther:
		return IllnessCategory(s)
	default:
		return CategoryOther
	}
}

// Contagious reports whether the category implies person-to-person spread.
func (c IllnessCategory) Contagious() bool { return c == CategoryAirborne }

// Alertable reports whether reports in this category feed outbreak alerting.
func (c IllnessCategory) Alertable() bool {
	switch c {
	case CategoryAirborne, CategoryFoodborne, CategoryWaterborne, CategoryInsectBorne:
		return true
	}
	return false
}

// State identifies where a session sits in the intake dialogue.
type State string

const (
	StateSymptomCollection  State = "symptom_collection"
	StateDiagnosis          State = "diagnosis"
	StateExposureCollection State = "exposure_collection"
	StateLocationCollection State = "location_collection"
	StateBQSubmission       State = "bq_submission"
	StateCareAdvice         State = "care_advice"
	StateEnd                State = "end"
)

var stateOrder = map[State]int{
	StateSymptomCollection:  0,
	StateDiagnosis:          1,
	StateExposureCollection: 2,
	StateLocationCollection: 3,
	StateBQSubmission:       4,
	StateCareAdvice:         5,
	StateEnd:                6,
}

// Index returns the position of the state in the fixed forward sequence.
// Unknown states report -1.
func (s State) Index() int {
	if i, ok := stateOrder[s]; ok {
		return i
	}
	return -1
}

// Message is one entry of the rolling conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QA is a clarifying question together with the user's answer.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Location is a named point, optionally geocoded.
type Location struct {
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Category  string   `json:"category,omitempty"` // urban, suburban, rural
}

// Diagnosis is the preliminary diagnosis derived during the DIAGNOSIS state.
type Diagnosis struct {
	FinalDiagnosis   string          `json:"final_diagnosis"`
	IllnessCategory  IllnessCategory `json:"illness_category"`
	Confidence       float64         `json:"confidence"`
	Reasoning        string          `json:"reasoning,omitempty"`
	ClusterValidated bool            `json:"cluster_validated"`
}

// MaxHistoryMessages caps the persisted transcript length.
const MaxHistoryMessages = 50

// Session is one user's end-to-end intake conversation. It is mutated
// turn by turn by the dialogue engine and becomes immutable once
// FinalReportSubmitted is set.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`

	State         State  `json:"state"`
	AwaitingField string `json:"awaiting_field,omitempty"`

	Symptoms  []string `json:"symptoms,omitempty"`
	OnsetDays *int     `json:"onset_days,omitempty"`

	Diagnosis        *Diagnosis `json:"diagnosis,omitempty"`
	ClarifyingAsked  int        `json:"clarifying_questions_asked"`
	ClarifierContext []QA       `json:"clarifier_context,omitempty"`

	ExposureLocation  string   `json:"exposure_location,omitempty"`
	ExposureLatitude  *float64 `json:"exposure_latitude,omitempty"`
	ExposureLongitude *float64 `json:"exposure_longitude,omitempty"`
	ExposureDaysAgo   *int     `json:"exposure_days_ago,omitempty"`

	// Partially collected fields, carried across turns so the user is
	// never re-asked for what they already provided.
	PartialExposureLocation string `json:"partial_exposure_location,omitempty"`
	PartialExposureDays     *int   `json:"partial_exposure_days,omitempty"`
	LocationCityState       string `json:"location_city_state,omitempty"`

	CurrentLocation *Location `json:"current_location,omitempty"`

	ClusterValidated     bool `json:"cluster_validated"`
	FinalReportSubmitted bool `json:"final_report_submitted"`

	History []Message `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a fresh session positioned at symptom collection.
func NewSession(id, userID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		UserID:    userID,
		State:     StateSymptomCollection,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the session can no longer be mutated.
func (s *Session) Terminal() bool { return s.FinalReportSubmitted }

// AppendHistory records a transcript entry, dropping the oldest entries
// beyond MaxHistoryMessages.
func (s *Session) AppendHistory(role, content string) {
	if content == "" {
		return
	}
	s.History = append(s.History, Message{Role: role, Content: content})
	if n := len(s.History); n > MaxHistoryMessages {
		s.History = s.History[n-MaxHistoryMessages:]
	}
}

// Report is the immutable record persisted at submission.
type Report struct {
	ReportID   string    `json:"report_id"`
	UserID     string    `json:"user_id"`
	ReportedAt time.Time `json:"report_timestamp"`

	SymptomText string `json:"symptom_text"`
	OnsetDays   int    `json:"days_since_symptom_onset"`

	FinalDiagnosis   string          `json:"final_diagnosis"`
	IllnessCategory  IllnessCategory `json:"illness_category"`
	Confidence       float64         `json:"confidence"`
	Reasoning        string          `json:"reasoning,omitempty"`
	ClusterValidated bool            `json:"cluster_validated"`

	ExposureLocationName string   `json:"exposure_location_name,omitempty"`
	ExposureLatitude     *float64 `json:"exposure_latitude,omitempty"`
	ExposureLongitude    *float64 `json:"exposure_longitude,omitempty"`
	ExposureDaysAgo      *int     `json:"days_since_exposure,omitempty"`

	CurrentLocationName string  `json:"current_location_name"`
	CurrentLatitude     float64 `json:"current_latitude"`
	CurrentLongitude    float64 `json:"current_longitude"`
	LocationCategory    string  `json:"location_category,omitempty"`

	TractID        string `json:"tract_id"`
	ContagiousFlag bool   `json:"contagious_flag"`
	AlertableFlag  bool   `json:"alertable_flag"`
}

// TurnRequest is one inbound user message for a session.
type TurnRequest struct {
	SessionID        string   `json:"session_id"`
	UserInput        string   `json:"user_input"`
	UserID           string   `json:"user_id,omitempty"`
	CurrentLatitude  *float64 `json:"current_latitude,omitempty"`
	CurrentLongitude *float64 `json:"current_longitude,omitempty"`
}

// ClusterValidation carries the user-facing outbreak alert, when one fired.
type ClusterValidation struct {
	ConsoleOutput string `json:"console_output"`
}

// CareAdvice is the static guidance returned at the end of a dialogue.
type CareAdvice struct {
	SelfCareTips   []string `json:"self_care_tips"`
	WhenToSeekHelp string   `json:"when_to_seek_help"`
}

// ReportSummary is the caller-visible slice of a submitted report.
type ReportSummary struct {
	ReportID             string `json:"report_id"`
	CurrentLocationName  string `json:"current_location_name"`
	ExposureLocationName string `json:"exposure_location_name,omitempty"`
}

// TurnResponse is the engine's answer to one TurnRequest. Optional fields
// are present only on the turn that produced them.
type TurnResponse struct {
	SessionID         string             `json:"session_id"`
	ConsoleOutput     string             `json:"console_output,omitempty"`
	Diagnosis         *Diagnosis         `json:"diagnosis,omitempty"`
	ClusterValidation *ClusterValidation `json:"cluster_validation,omitempty"`
	CareAdvice        *CareAdvice        `json:"care_advice,omitempty"`
	Report            *ReportSummary     `json:"report,omitempty"`
	ReportSaved       *bool              `json:"report_saved,omitempty"`
	Warning           string             `json:"warning,omitempty"`
}
