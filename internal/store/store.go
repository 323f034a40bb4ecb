// Package store persists submitted reports in Postgres and serves the
// spatial neighbor queries behind cluster validation.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/crypto/blake2b"

	"github.com/earlysignal/intake/internal/cluster"
	"github.com/earlysignal/intake/models"
)

type Store struct {
	DB      *sql.DB
	hashKey []byte
}

// NewWithDSN constructs the Store using an explicit Postgres DSN. hashKey
// keys the pseudonymization of user ids; reports from the same user hash
// to the same opaque id without the raw id ever being stored.
func NewWithDSN(ctx context.Context, dsn, hashKey string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db, hashKey: []byte(hashKey)}, nil
}

// PseudonymizeUserID maps a raw user id to a stable opaque identifier.
func (s *Store) PseudonymizeUserID(userID string) string {
	if userID == "" {
		return ""
	}
	h, err := blake2b.New256(s.hashKey)
	if err != nil {
		// only reachable with a key over 64 bytes
		h, _ = blake2b.New256(nil)
	}
	h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// DeriveTractID buckets a coordinate into a coarse ~1km grid cell id.
func DeriveTractID(lat, lon float64) string {
	return fmt.Sprintf("cell_%+08.2f_%+09.2f", snap(lat), snap(lon))
}

func snap(v float64) float64 {
	const step = 0.01
	cells := int(v / step)
	if v < 0 && v != float64(cells)*step {
		cells--
	}
	return float64(cells) * step
}

func point(lat, lon float64) string {
	return fmt.Sprintf("POINT(%f %f)", lon, lat)
}

// InsertReport writes one immutable report row. The report's UserID must
// already be the raw id; it is pseudonymized here. An empty TractID is
// derived from the exposure coordinates when present, else the current
// coordinates, matching the fallback used by the neighbor query.
func (s *Store) InsertReport(ctx context.Context, r *models.Report) error {
	var exposurePoint sql.NullString
	if r.ExposureLatitude != nil && r.ExposureLongitude != nil {
		exposurePoint = sql.NullString{String: point(*r.ExposureLatitude, *r.ExposureLongitude), Valid: true}
	}
	tract := r.TractID
	if tract == "" {
		lat, lon := r.CurrentLatitude, r.CurrentLongitude
		if r.ExposureLatitude != nil && r.ExposureLongitude != nil {
			lat, lon = *r.ExposureLatitude, *r.ExposureLongitude
		}
		tract = DeriveTractID(lat, lon)
	}
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO reports (
            report_id, user_id, reported_at,
            symptom_text, days_since_symptom_onset,
            final_diagnosis, illness_category, confidence, reasoning, cluster_validated,
            exposure_location_name, exposure_latitude, exposure_longitude, days_since_exposure, exposure_geopoint,
            current_location_name, current_latitude, current_longitude, current_geopoint,
            location_category, tract_id, contagious_flag, alertable_flag
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		r.ReportID, s.PseudonymizeUserID(r.UserID), r.ReportedAt,
		r.SymptomText, r.OnsetDays,
		r.FinalDiagnosis, string(r.IllnessCategory), r.Confidence, r.Reasoning, r.ClusterValidated,
		nullStr(r.ExposureLocationName), r.ExposureLatitude, r.ExposureLongitude, r.ExposureDaysAgo, exposurePoint,
		r.CurrentLocationName, r.CurrentLatitude, r.CurrentLongitude, point(r.CurrentLatitude, r.CurrentLongitude),
		nullStr(r.LocationCategory), tract, r.ContagiousFlag, r.AlertableFlag,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// haversine distance in meters, computed in SQL against each report's
// exposure coordinates when present, else its current coordinates.
const neighborQuery = `
        SELECT final_diagnosis, reported_at
        FROM reports
        WHERE reported_at >= $4
          AND 2 * 6371000 * asin(sqrt(
                power(sin(radians(COALESCE(exposure_latitude, current_latitude) - $1) / 2), 2) +
                cos(radians($1)) * cos(radians(COALESCE(exposure_latitude, current_latitude))) *
                power(sin(radians(COALESCE(exposure_longitude, current_longitude) - $2) / 2), 2)
              )) <= $3`

// NeighborsNear returns recent reports within radiusMeters of the given
// point, anchored on each report's exposure location when it has one.
func (s *Store) NeighborsNear(ctx context.Context, lat, lon, radiusMeters float64, since time.Time) ([]cluster.Neighbor, error) {
	rows, err := s.DB.QueryContext(ctx, neighborQuery, lat, lon, radiusMeters, since)
	if err != nil {
		return nil, fmt.Errorf("neighbor query: %w", err)
	}
	defer rows.Close()

	var out []cluster.Neighbor
	for rows.Next() {
		var n cluster.Neighbor
		if err := rows.Scan(&n.Diagnosis, &n.ReportedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// NearbyReport is one row of the grouped nearby-reports summary.
type NearbyReport struct {
	FinalDiagnosis  string    `json:"final_diagnosis"`
	IllnessCategory string    `json:"illness_category"`
	Count           int       `json:"count"`
	LatestAt        time.Time `json:"latest_at"`
}

// NearbySummary groups recent reports around a point by diagnosis.
func (s *Store) NearbySummary(ctx context.Context, lat, lon, radiusMeters float64, since time.Time) ([]NearbyReport, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT final_diagnosis, illness_category, COUNT(*), MAX(reported_at)
        FROM reports
        WHERE reported_at >= $4
          AND 2 * 6371000 * asin(sqrt(
                power(sin(radians(COALESCE(exposure_latitude, current_latitude) - $1) / 2), 2) +
                cos(radians($1)) * cos(radians(COALESCE(exposure_latitude, current_latitude))) *
                power(sin(radians(COALESCE(exposure_longitude, current_longitude) - $2) / 2), 2)
              )) <= $3
        GROUP BY final_diagnosis, illness_category
        ORDER BY COUNT(*) DESC`, lat, lon, radiusMeters, since)
	if err != nil {
		return nil, fmt.Errorf("nearby summary query: %w", err)
	}
	defer rows.Close()

	var out []NearbyReport
	for rows.Next() {
		var r NearbyReport
		if err := rows.Scan(&r.FinalDiagnosis, &r.IllnessCategory, &r.Count, &r.LatestAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
