// Package cluster corroborates a preliminary diagnosis against recent
// nearby reports and revises its confidence when a cluster agrees.
package cluster

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/earlysignal/intake/config"
	"github.com/earlysignal/intake/models"
)

// Neighbor is one nearby report considered by the aggregator.
type Neighbor struct {
	Diagnosis  string
	ReportedAt time.Time
}

// NeighborSource supplies recent reports within a radius of a point.
type NeighborSource interface {
	NeighborsNear(ctx context.Context, lat, lon, radiusMeters float64, since time.Time) ([]Neighbor, error)
}

// Outcome is the aggregator's verdict for one diagnosis.
type Outcome struct {
	OriginalConfidence float64
	RevisedConfidence  float64
	ClusterValidated   bool
	ConsensusRatio     float64
	NeighborCount      int
	Message            string
}

// Aggregator runs the collective wisdom check once per session.
type Aggregator struct {
	source NeighborSource
	cfg    config.ClusterConfig
	logger *log.Logger
}

func New(source NeighborSource, cfg config.ClusterConfig) *Aggregator {
	return &Aggregator{
		source: source,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[CLUSTER] ", log.LstdFlags),
	}
}

// Validate checks the diagnosis against nearby recent reports. The anchor
// coordinates may be nil when the user shared no location; that and any
// query failure degrade to the unvalidated outcome with the original
// confidence untouched.
func (a *Aggregator) Validate(ctx context.Context, diag models.Diagnosis, lat, lon *float64) Outcome {
	out := Outcome{
		OriginalConfidence: diag.Confidence,
		RevisedConfidence:  clamp(diag.Confidence),
	}
	if lat == nil || lon == nil {
		return out
	}

	radius := a.cfg.DefaultRadiusMeters
	if diag.IllnessCategory == models.CategoryAirborne {
		radius = a.cfg.AirborneRadiusMeters
	}
	since := time.Now().AddDate(0, 0, -a.cfg.LookbackDays)

	qctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()
	neighbors, err := a.source.NeighborsNear(qctx, *lat, *lon, radius, since)
	if err != nil {
		a.logger.Printf("neighbor query failed, skipping validation: %v", err)
		return out
	}

	out.NeighborCount = len(neighbors)
	if len(neighbors) == 0 {
		return out
	}

	matching := 0
	for _, n := range neighbors {
		if strings.EqualFold(strings.TrimSpace(n.Diagnosis), strings.TrimSpace(diag.FinalDiagnosis)) {
			matching++
		}
	}
	out.ConsensusRatio = float64(matching) / float64(len(neighbors))

	if out.ConsensusRatio < a.cfg.ConsensusThreshold || len(neighbors) < a.cfg.MinNeighbors {
		return out
	}

	out.ClusterValidated = true
	out.RevisedConfidence = clamp(max(diag.Confidence, a.boosted(len(neighbors), out.ConsensusRatio)))
	out.Message = fmt.Sprintf(
		"%d people nearby recently reported %s. Because others in your area are experiencing the same thing, confidence in this assessment has increased to %.0f%%. Since similar cases are appearing around you, it's important for public health tracking that we know where this may have started.",
		matching, diag.FinalDiagnosis, out.RevisedConfidence*100)
	return out
}

// boosted maps cluster evidence into the 80-90% confidence band,
// increasing with both neighbor count and consensus.
func (a *Aggregator) boosted(count int, ratio float64) float64 {
	n := float64(count)
	if n > 10 {
		n = 10
	}
	r := ratio
	if r < a.cfg.ConsensusThreshold {
		r = a.cfg.ConsensusThreshold
	}
	span := 1 - a.cfg.ConsensusThreshold
	if span <= 0 {
		span = 1
	}
	return 0.80 + 0.05*(n/10) + 0.05*((r-a.cfg.ConsensusThreshold)/span)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
