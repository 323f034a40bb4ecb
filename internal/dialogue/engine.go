// Package dialogue drives the intake conversation: one extraction,
// validation, and transition cycle per inbound user message.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/earlysignal/intake/internal/care"
	"github.com/earlysignal/intake/internal/cluster"
	"github.com/earlysignal/intake/internal/extractor"
	"github.com/earlysignal/intake/internal/geo"
	"github.com/earlysignal/intake/internal/validate"
	"github.com/earlysignal/intake/models"
	"github.com/earlysignal/intake/session"
)

// FieldExtractor is the LLM-backed field extraction boundary.
type FieldExtractor interface {
	ExtractSymptomsOnset(ctx context.Context, userText string, ec extractor.Context) (extractor.SymptomsOnset, error)
	Diagnose(ctx context.Context, ec extractor.Context) (extractor.DiagnosisResult, error)
	ExtractExposure(ctx context.Context, userText string, ec extractor.Context) (extractor.Exposure, error)
	ExtractLocation(ctx context.Context, userText string, ec extractor.Context) (string, error)
}

// ClusterValidator corroborates a diagnosis against nearby reports.
type ClusterValidator interface {
	Validate(ctx context.Context, diag models.Diagnosis, lat, lon *float64) cluster.Outcome
}

// ReportWriter persists finalized reports.
type ReportWriter interface {
	InsertReport(ctx context.Context, r *models.Report) error
}

// MaxClarifyingQuestions caps diagnosis follow-ups per session.
const MaxClarifyingQuestions = 3

const (
	promptIntro          = "Please describe your symptoms to begin."
	promptSymptomsRetry  = "I couldn't identify any symptoms in that. Could you describe how you're feeling?"
	promptOnset          = "How many days ago did your symptoms start?"
	promptOnsetRetry     = "Please give the number of days since your symptoms started (0 for today, up to 90)."
	promptExposure       = "Where do you think you were exposed? If you don't know, just say so."
	promptExposureDays   = "How many days ago do you think you were exposed?"
	promptCityState      = "What city and state are you in right now?"
	promptVenue          = "Is there a specific place or landmark near you? This helps track where illness may be spreading."
	promptLocationRetry  = "I couldn't find that location. Could you tell me your city and state again?"
	promptTrouble        = "Sorry, I had trouble understanding that. Could you rephrase?"
	msgSubmitted         = "Thank you. Your report has been submitted and will help protect your community. Here is some guidance while you recover."
	msgAlreadySubmitted  = "This report has already been submitted. Please start a new session to file another report."
	warnReportNotSaved   = "Your report may not have been saved. Please try again later."
	fallbackDiagnosis    = "Unknown (insufficient data)"
)

// Engine is the per-session dialogue orchestrator.
type Engine struct {
	sessions  session.Store
	extract   FieldExtractor
	validator ClusterValidator
	reports   ReportWriter
	geocoder  geo.Geocoder

	confidenceThreshold float64

	locks  *sessionLocks
	logger *log.Logger
}

func NewEngine(sessions session.Store, fe FieldExtractor, cv ClusterValidator, rw ReportWriter, gc geo.Geocoder, confidenceThreshold float64) *Engine {
	return &Engine{
		sessions:            sessions,
		extract:             fe,
		validator:           cv,
		reports:             rw,
		geocoder:            gc,
		confidenceThreshold: confidenceThreshold,
		locks:               newSessionLocks(),
		logger:              log.New(log.Writer(), "[DIALOGUE] ", log.LstdFlags),
	}
}

// HandleTurn processes one inbound user message and returns the reply.
// Turns for the same session id are serialized; the session mutation is
// saved once, atomically, at the end of the turn.
func (e *Engine) HandleTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResponse, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	e.locks.lock(sessionID)
	defer e.locks.unlock(sessionID)

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		sess = models.NewSession(sessionID, req.UserID)
	}

	resp := &models.TurnResponse{SessionID: sessionID}
	if sess.Terminal() {
		resp.ConsoleOutput = msgAlreadySubmitted
		return resp, nil
	}

	turnsTotal.WithLabelValues(string(sess.State)).Inc()

	e.prefillGPS(ctx, sess, req)
	if input := strings.TrimSpace(req.UserInput); input != "" {
		sess.AppendHistory("user", input)
	}

	switch sess.State {
	case models.StateSymptomCollection:
		e.handleSymptoms(ctx, sess, req.UserInput, resp)
	case models.StateDiagnosis:
		e.handleClarifierAnswer(ctx, sess, req.UserInput, resp)
	case models.StateExposureCollection:
		e.handleExposure(ctx, sess, req.UserInput, resp)
	case models.StateLocationCollection:
		e.handleLocation(ctx, sess, req.UserInput, resp)
	default:
		resp.ConsoleOutput = promptTrouble
	}

	if resp.ConsoleOutput != "" {
		sess.AppendHistory("assistant", resp.ConsoleOutput)
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return resp, nil
}

// prefillGPS validates device coordinates sent with the request and, the
// first time they appear, reverse-geocodes them into the session's
// current location so no location questions are needed later.
func (e *Engine) prefillGPS(ctx context.Context, sess *models.Session, req models.TurnRequest) {
	if sess.CurrentLocation != nil || req.CurrentLatitude == nil || req.CurrentLongitude == nil {
		return
	}
	lat, lon := *req.CurrentLatitude, *req.CurrentLongitude
	if err := validate.Coordinates(lat, lon); err != nil {
		e.logger.Printf("session %s: ignoring device coordinates: %v", sess.ID, err)
		return
	}
	name := "Current location"
	if addr, err := e.geocoder.ReverseGeocode(ctx, geo.Point{Latitude: lat, Longitude: lon}); err == nil {
		name = addr
	}
	sess.CurrentLocation = &models.Location{Name: name, Latitude: &lat, Longitude: &lon}
}

func (e *Engine) handleSymptoms(ctx context.Context, sess *models.Session, input string, resp *models.TurnResponse) {
	if strings.TrimSpace(input) == "" {
		resp.ConsoleOutput = promptIntro
		return
	}

	got, err := e.extract.ExtractSymptomsOnset(ctx, input, e.extractionContext(sess))
	if err != nil {
		e.noteExtractionFailure(sess, err)
		resp.ConsoleOutput = promptSymptomsRetry
		return
	}

	symptoms, verr := validate.Symptoms(got.Symptoms)
	if verr != nil {
		if got.OnsetDays != nil && validate.OnsetDays(*got.OnsetDays) == nil {
			// onset without symptoms; remember it and keep asking
			sess.OnsetDays = got.OnsetDays
		}
		resp.ConsoleOutput = promptSymptomsRetry
		return
	}
	sess.Symptoms = symptoms

	if got.OnsetDays == nil {
		resp.ConsoleOutput = promptOnset
		return
	}
	if err := validate.OnsetDays(*got.OnsetDays); err != nil {
		resp.ConsoleOutput = promptOnsetRetry
		return
	}
	sess.OnsetDays = got.OnsetDays

	sess.State = models.StateDiagnosis
	e.runDiagnosis(ctx, sess, resp)
}

// handleClarifierAnswer records the user's answer to the pending
// clarifying question and re-runs the diagnosis.
func (e *Engine) handleClarifierAnswer(ctx context.Context, sess *models.Session, input string, resp *models.TurnResponse) {
	if n := len(sess.ClarifierContext); n > 0 && sess.ClarifierContext[n-1].Answer == "" {
		sess.ClarifierContext[n-1].Answer = strings.TrimSpace(input)
	}
	e.runDiagnosis(ctx, sess, resp)
}

// runDiagnosis asks the model for a preliminary diagnosis, and either
// issues a clarifying question (under the cap) or accepts the result,
// runs cluster validation once, and advances to exposure collection.
func (e *Engine) runDiagnosis(ctx context.Context, sess *models.Session, resp *models.TurnResponse) {
	ec := e.extractionContext(sess)
	ec.ForceFinal = sess.ClarifyingAsked >= MaxClarifyingQuestions

	got, err := e.extract.Diagnose(ctx, ec)
	if err != nil {
		e.noteExtractionFailure(sess, err)
		if !ec.ForceFinal {
			resp.ConsoleOutput = promptTrouble
			return
		}
		// The cap is spent and the model still failed; commit to a
		// best-effort placeholder rather than stalling the dialogue.
		got = extractor.DiagnosisResult{
			FinalDiagnosis:  fallbackDiagnosis,
			IllnessCategory: string(models.CategoryOther),
			Confidence:      0,
			Reasoning:       "Could not derive a diagnosis from the information provided.",
		}
	}

	if !ec.ForceFinal && got.Confidence < e.confidenceThreshold && strings.TrimSpace(got.ClarifyingQuestion) != "" {
		sess.ClarifyingAsked++
		sess.ClarifierContext = append(sess.ClarifierContext, models.QA{Question: got.ClarifyingQuestion})
		resp.ConsoleOutput = got.ClarifyingQuestion
		return
	}

	diag := models.Diagnosis{
		FinalDiagnosis:  got.FinalDiagnosis,
		IllnessCategory: models.ParseIllnessCategory(got.IllnessCategory),
		Confidence:      got.Confidence,
		Reasoning:       got.Reasoning,
	}

	var lat, lon *float64
	if sess.CurrentLocation != nil {
		lat, lon = sess.CurrentLocation.Latitude, sess.CurrentLocation.Longitude
	}
	outcome := e.validator.Validate(ctx, diag, lat, lon)
	diag.Confidence = outcome.RevisedConfidence
	diag.ClusterValidated = outcome.ClusterValidated
	sess.ClusterValidated = outcome.ClusterValidated
	clusterValidations.WithLabelValues(strconv.FormatBool(outcome.ClusterValidated)).Inc()

	sess.Diagnosis = &diag
	sess.State = models.StateExposureCollection

	resp.Diagnosis = &diag
	if outcome.Message != "" {
		resp.ClusterValidation = &models.ClusterValidation{ConsoleOutput: outcome.Message}
	}
	resp.ConsoleOutput = fmt.Sprintf("Based on what you've described, this looks like %s (%.0f%% confidence). %s",
		diag.FinalDiagnosis, diag.Confidence*100, promptExposure)
}

func (e *Engine) handleExposure(ctx context.Context, sess *models.Session, input string, resp *models.TurnResponse) {
	if validate.IsUnknownLocation(input) {
		sess.State = models.StateLocationCollection
		e.enterLocationCollection(ctx, sess, resp)
		return
	}

	got, err := e.extract.ExtractExposure(ctx, input, e.extractionContext(sess))
	if err != nil {
		e.noteExtractionFailure(sess, err)
		resp.ConsoleOutput = promptExposure
		return
	}
	if got.Unknown {
		sess.State = models.StateLocationCollection
		e.enterLocationCollection(ctx, sess, resp)
		return
	}

	loc, verr := validate.ExposureLocation(got.Location)
	if verr != nil {
		if got.DaysAgo != nil && validate.ExposureDaysAgo(*got.DaysAgo) == nil {
			// timing without a place; remember it and keep asking
			sess.PartialExposureDays = got.DaysAgo
		}
		resp.ConsoleOutput = promptExposure
		return
	}
	if got.DaysAgo == nil {
		got.DaysAgo = sess.PartialExposureDays
	}
	if got.DaysAgo == nil {
		sess.PartialExposureLocation = loc
		resp.ConsoleOutput = promptExposureDays
		return
	}
	if err := validate.ExposureDaysAgo(*got.DaysAgo); err != nil {
		sess.PartialExposureLocation = loc
		resp.ConsoleOutput = promptExposureDays
		return
	}

	sess.ExposureLocation = loc
	sess.ExposureDaysAgo = got.DaysAgo
	sess.PartialExposureLocation = ""
	sess.PartialExposureDays = nil

	var bias *geo.Point
	if sess.CurrentLocation != nil && sess.CurrentLocation.Latitude != nil && sess.CurrentLocation.Longitude != nil {
		bias = &geo.Point{Latitude: *sess.CurrentLocation.Latitude, Longitude: *sess.CurrentLocation.Longitude}
	}
	if p, addr, err := e.geocoder.Geocode(ctx, loc, bias); err == nil {
		sess.ExposureLatitude = &p.Latitude
		sess.ExposureLongitude = &p.Longitude
		if addr != "" {
			sess.ExposureLocation = addr
		}
	}

	sess.State = models.StateLocationCollection
	e.enterLocationCollection(ctx, sess, resp)
}

// enterLocationCollection asks for the user's whereabouts, or submits
// immediately when device coordinates already satisfied the requirement.
func (e *Engine) enterLocationCollection(ctx context.Context, sess *models.Session, resp *models.TurnResponse) {
	if sess.CurrentLocation != nil && sess.CurrentLocation.Latitude != nil && sess.CurrentLocation.Longitude != nil {
		sess.State = models.StateBQSubmission
		e.runSubmission(ctx, sess, resp)
		return
	}
	resp.ConsoleOutput = promptCityState
}

func (e *Engine) handleLocation(ctx context.Context, sess *models.Session, input string, resp *models.TurnResponse) {
	if sess.CurrentLocation != nil && sess.CurrentLocation.Latitude != nil && sess.CurrentLocation.Longitude != nil {
		sess.State = models.StateBQSubmission
		e.runSubmission(ctx, sess, resp)
		return
	}

	name, err := e.extract.ExtractLocation(ctx, input, e.extractionContext(sess))
	if err != nil {
		e.noteExtractionFailure(sess, err)
		name = strings.TrimSpace(input)
	}
	name, verr := validate.CurrentLocationName(name)
	if verr != nil {
		if sess.LocationCityState == "" {
			resp.ConsoleOutput = promptCityState
		} else {
			resp.ConsoleOutput = promptVenue
		}
		return
	}

	// Two-step collection: city/state first, then a nearby venue or
	// landmark for a more precise anchor.
	if sess.LocationCityState == "" {
		sess.LocationCityState = name
		resp.ConsoleOutput = promptVenue
		return
	}

	full := geo.CleanLocationString(name + ", " + sess.LocationCityState)
	p, addr, gerr := e.geocoder.Geocode(ctx, full, nil)
	if gerr != nil {
		// Venue lookup missed; the city/state alone is still a
		// usable anchor.
		p, addr, gerr = e.geocoder.Geocode(ctx, sess.LocationCityState, nil)
	}
	if gerr != nil {
		sess.LocationCityState = ""
		resp.ConsoleOutput = promptLocationRetry
		return
	}
	if err := validate.Coordinates(p.Latitude, p.Longitude); err != nil {
		sess.LocationCityState = ""
		resp.ConsoleOutput = promptLocationRetry
		return
	}
	if addr == "" {
		addr = full
	}
	sess.CurrentLocation = &models.Location{Name: addr, Latitude: &p.Latitude, Longitude: &p.Longitude}

	sess.State = models.StateBQSubmission
	e.runSubmission(ctx, sess, resp)
}

// runSubmission persists the report, attaches care advice, and closes
// the session. Persistence failure surfaces a warning but never blocks
// the rest of the conversation.
func (e *Engine) runSubmission(ctx context.Context, sess *models.Session, resp *models.TurnResponse) {
	report := buildReport(sess)

	saved := true
	if err := e.reports.InsertReport(ctx, report); err != nil {
		saved = false
		e.logger.Printf("session %s: report persistence failed: %v", sess.ID, err)
		reportsSubmitted.WithLabelValues("error").Inc()
		resp.Warning = warnReportNotSaved
	} else {
		reportsSubmitted.WithLabelValues("ok").Inc()
	}
	resp.ReportSaved = &saved
	resp.Report = &models.ReportSummary{
		ReportID:             report.ReportID,
		CurrentLocationName:  report.CurrentLocationName,
		ExposureLocationName: report.ExposureLocationName,
	}

	sess.State = models.StateCareAdvice
	advice := care.Advise(sess.Diagnosis.IllnessCategory)
	resp.CareAdvice = &advice
	resp.ConsoleOutput = msgSubmitted

	sess.State = models.StateEnd
	sess.FinalReportSubmitted = true
}

func buildReport(sess *models.Session) *models.Report {
	onset := 0
	if sess.OnsetDays != nil {
		onset = *sess.OnsetDays
	}
	r := &models.Report{
		ReportID:    uuid.NewString(),
		UserID:      sess.UserID,
		ReportedAt:  time.Now().UTC(),
		SymptomText: strings.Join(sess.Symptoms, ", "),
		OnsetDays:   onset,

		ExposureLocationName: sess.ExposureLocation,
		ExposureLatitude:     sess.ExposureLatitude,
		ExposureLongitude:    sess.ExposureLongitude,
		ExposureDaysAgo:      sess.ExposureDaysAgo,

		CurrentLocationName: sess.CurrentLocation.Name,
		CurrentLatitude:     *sess.CurrentLocation.Latitude,
		CurrentLongitude:    *sess.CurrentLocation.Longitude,
		LocationCategory:    sess.CurrentLocation.Category,
	}
	if d := sess.Diagnosis; d != nil {
		r.FinalDiagnosis = d.FinalDiagnosis
		r.IllnessCategory = d.IllnessCategory
		r.Confidence = d.Confidence
		r.Reasoning = d.Reasoning
		r.ClusterValidated = d.ClusterValidated
		r.ContagiousFlag = d.IllnessCategory.Contagious()
		r.AlertableFlag = d.IllnessCategory.Alertable()
	}
	return r
}

func (e *Engine) extractionContext(sess *models.Session) extractor.Context {
	return extractor.Context{
		Symptoms:                sess.Symptoms,
		OnsetDays:               sess.OnsetDays,
		PartialExposureLocation: sess.PartialExposureLocation,
		PartialExposureDays:     sess.PartialExposureDays,
		CityState:               sess.LocationCityState,
		ClarifierContext:        sess.ClarifierContext,
		History:                 sess.History,
	}
}

func (e *Engine) noteExtractionFailure(sess *models.Session, err error) {
	var fail *extractor.Failure
	reason := "unknown"
	if errors.As(err, &fail) {
		reason = string(fail.Reason)
	}
	extractionFailures.WithLabelValues(reason).Inc()
	e.logger.Printf("session %s: extraction failed: %v", sess.ID, err)
}
