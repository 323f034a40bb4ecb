package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/earlysignal/intake/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db, hashKey: []byte("test-key")}, mock
}

func TestInsertReport(t *testing.T) {
	s, mock := newMockStore(t)

	lat, lon := 30.26, -97.74
	days := 2
	r := &models.Report{
		ReportID:             "11111111-2222-3333-4444-555555555555",
		UserID:               "user-1",
		ReportedAt:           time.Now().UTC(),
		SymptomText:          "nausea, vomiting",
		OnsetDays:            1,
		FinalDiagnosis:       "Norovirus",
		IllnessCategory:      models.CategoryFoodborne,
		Confidence:           0.85,
		ClusterValidated:     true,
		ExposureLocationName: "office cafeteria",
		ExposureLatitude:     &lat,
		ExposureLongitude:    &lon,
		ExposureDaysAgo:      &days,
		CurrentLocationName:  "Austin, TX",
		CurrentLatitude:      30.2672,
		CurrentLongitude:     -97.7431,
		TractID:              DeriveTractID(30.2672, -97.7431),
		AlertableFlag:        true,
	}

	mock.ExpectExec(`INSERT INTO reports`).
		WithArgs(
			r.ReportID, s.PseudonymizeUserID("user-1"), r.ReportedAt,
			r.SymptomText, r.OnsetDays,
			r.FinalDiagnosis, "foodborne", r.Confidence, "", true,
			sqlmock.AnyArg(), lat, lon, days, sqlmock.AnyArg(),
			r.CurrentLocationName, r.CurrentLatitude, r.CurrentLongitude, "POINT(-97.743100 30.267200)",
			sqlmock.AnyArg(), r.TractID, false, true,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.InsertReport(context.Background(), r); err != nil {
		t.Fatalf("InsertReport: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNeighborsNear(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Now().AddDate(0, 0, -14)

	mock.ExpectQuery(`SELECT final_diagnosis, reported_at\s+FROM reports`).
		WithArgs(30.0, -97.0, 8047.0, since).
		WillReturnRows(sqlmock.NewRows([]string{"final_diagnosis", "reported_at"}).
			AddRow("Norovirus", time.Now()).
			AddRow("Influenza", time.Now()))

	got, err := s.NeighborsNear(context.Background(), 30.0, -97.0, 8047.0, since)
	if err != nil {
		t.Fatalf("NeighborsNear: %v", err)
	}
	if len(got) != 2 || got[0].Diagnosis != "Norovirus" {
		t.Fatalf("unexpected neighbors: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNearbySummary(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Now().AddDate(0, 0, -7)

	mock.ExpectQuery(`SELECT final_diagnosis, illness_category, COUNT\(\*\), MAX\(reported_at\)`).
		WithArgs(30.0, -97.0, 5000.0, since).
		WillReturnRows(sqlmock.NewRows([]string{"final_diagnosis", "illness_category", "count", "latest_at"}).
			AddRow("Norovirus", "foodborne", 4, time.Now()))

	got, err := s.NearbySummary(context.Background(), 30.0, -97.0, 5000.0, since)
	if err != nil {
		t.Fatalf("NearbySummary: %v", err)
	}
	if len(got) != 1 || got[0].Count != 4 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestPseudonymizeUserID(t *testing.T) {
	s := &Store{hashKey: []byte("k1")}
	a := s.PseudonymizeUserID("user-1")
	if a == "" || a == "user-1" {
		t.Fatalf("raw id must not pass through: %q", a)
	}
	if b := s.PseudonymizeUserID("user-1"); b != a {
		t.Fatalf("pseudonymization must be stable: %q != %q", a, b)
	}
	if c := s.PseudonymizeUserID("user-2"); c == a {
		t.Fatalf("distinct users must not collide")
	}
	other := &Store{hashKey: []byte("k2")}
	if d := other.PseudonymizeUserID("user-1"); d == a {
		t.Fatalf("different keys must produce different ids")
	}
	if s.PseudonymizeUserID("") != "" {
		t.Fatalf("anonymous reports keep an empty user id")
	}
}

func TestDeriveTractID(t *testing.T) {
	a := DeriveTractID(30.2672, -97.7431)
	if a != DeriveTractID(30.2679, -97.7439) {
		t.Fatalf("nearby points should share a cell")
	}
	if a == DeriveTractID(30.30, -97.7431) {
		t.Fatalf("distant points should not share a cell")
	}
	if a == "" {
		t.Fatalf("tract id must not be empty")
	}
}

func TestInsertReportDerivesTractID(t *testing.T) {
	s, mock := newMockStore(t)

	expLat, expLon := 30.26, -97.74
	r := &models.Report{
		ReportID:            "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		UserID:              "user-2",
		ReportedAt:          time.Now().UTC(),
		SymptomText:         "cough, fever",
		FinalDiagnosis:      "Influenza",
		IllnessCategory:     models.CategoryAirborne,
		Confidence:          0.8,
		ExposureLatitude:    &expLat,
		ExposureLongitude:   &expLon,
		CurrentLocationName: "Austin, TX",
		CurrentLatitude:     30.2672,
		CurrentLongitude:    -97.7431,
		ContagiousFlag:      true,
		AlertableFlag:       true,
	}

	// exposure coordinates win when present
	mock.ExpectExec(`INSERT INTO reports`).
		WithArgs(
			r.ReportID, sqlmock.AnyArg(), r.ReportedAt,
			r.SymptomText, 0,
			r.FinalDiagnosis, "airborne", r.Confidence, "", false,
			sqlmock.AnyArg(), expLat, expLon, nil, sqlmock.AnyArg(),
			r.CurrentLocationName, r.CurrentLatitude, r.CurrentLongitude, sqlmock.AnyArg(),
			sqlmock.AnyArg(), DeriveTractID(expLat, expLon), true, true,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.InsertReport(context.Background(), r); err != nil {
		t.Fatalf("InsertReport: %v", err)
	}

	r.ReportID = "ffffffff-0000-1111-2222-333333333333"
	r.ExposureLatitude = nil
	r.ExposureLongitude = nil
	mock.ExpectExec(`INSERT INTO reports`).
		WithArgs(
			r.ReportID, sqlmock.AnyArg(), r.ReportedAt,
			r.SymptomText, 0,
			r.FinalDiagnosis, "airborne", r.Confidence, "", false,
			sqlmock.AnyArg(), nil, nil, nil, sqlmock.AnyArg(),
			r.CurrentLocationName, r.CurrentLatitude, r.CurrentLongitude, sqlmock.AnyArg(),
			sqlmock.AnyArg(), DeriveTractID(r.CurrentLatitude, r.CurrentLongitude), true, true,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.InsertReport(context.Background(), r); err != nil {
		t.Fatalf("InsertReport: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
