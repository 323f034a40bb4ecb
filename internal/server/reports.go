package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/earlysignal/intake/config"
	"github.com/earlysignal/intake/internal/store"
)

// NearbySource serves grouped report summaries around a point.
type NearbySource interface {
	NearbySummary(ctx context.Context, lat, lon, radiusMeters float64, since time.Time) ([]store.NearbyReport, error)
}

type ReportsHandler struct {
	Store   NearbySource
	Cluster config.ClusterConfig
}

func (h *ReportsHandler) Register(g *echo.Group) {
	g.GET("/reports/nearby", h.nearby)
}

func (h *ReportsHandler) nearby(c echo.Context) error {
	lat, err := strconv.ParseFloat(c.QueryParam("lat"), 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "lat required")
	}
	lon, err := strconv.ParseFloat(c.QueryParam("lon"), 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "lon required")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return echo.NewHTTPError(http.StatusBadRequest, "coordinates out of range")
	}

	radius := h.Cluster.DefaultRadiusMeters
	if v := c.QueryParam("radius_m"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid radius_m")
		}
	}
	days := h.Cluster.LookbackDays
	if v := c.QueryParam("days"); v != "" {
		days, err = strconv.Atoi(v)
		if err != nil || days <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid days")
		}
	}

	since := time.Now().AddDate(0, 0, -days)
	items, err := h.Store.NearbySummary(c.Request().Context(), lat, lon, radius, since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.NearbyReport{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"reports": items})
}
