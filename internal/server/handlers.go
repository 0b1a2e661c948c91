package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/grid"
	"github.com/xtxerr/oceangrid/internal/logging"
	"github.com/xtxerr/oceangrid/internal/query"
)

// =============================================================================
// Status
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"layers":   st.Layers,
		"loaded":   st.Loaded,
		"uptime_s": int64(st.Uptime.Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	layers := s.svc.Layers()
	writeJSON(w, http.StatusOK, map[string]any{
		"layers": layers,
		"count":  len(layers),
	})
}

// =============================================================================
// Layer data
// =============================================================================

type statsJSON struct {
	Min        jsonFloat `json:"min"`
	Max        jsonFloat `json:"max"`
	Mean       jsonFloat `json:"mean"`
	P50        jsonFloat `json:"p50"`
	P90        jsonFloat `json:"p90"`
	P99        jsonFloat `json:"p99"`
	CountValid int       `json:"count_valid"`
	CountTotal int       `json:"count_total"`
}

func toStatsJSON(st grid.Stats) statsJSON {
	return statsJSON{
		Min:        jsonFloat(st.Min),
		Max:        jsonFloat(st.Max),
		Mean:       jsonFloat(st.Mean),
		P50:        jsonFloat(st.P50),
		P90:        jsonFloat(st.P90),
		P99:        jsonFloat(st.P99),
		CountValid: st.CountValid,
		CountTotal: st.CountTotal,
	}
}

type layerDataJSON struct {
	Layer          string        `json:"layer"`
	Variable       string        `json:"variable"`
	Units          string        `json:"units,omitempty"`
	LongName       string        `json:"long_name,omitempty"`
	Shape          [2]int        `json:"shape"`
	Lat            []float64     `json:"lat"`
	Lon            []float64     `json:"lon"`
	Values         [][]jsonFloat `json:"values"`
	Stats          statsJSON     `json:"stats"`
	Bounds         grid.Bounds   `json:"bounds"`
	SamplingFactor int           `json:"sampling_factor"`
}

// handleLayerData serves a layer's values, downsampled to max_points unless
// sample=false.
func (s *Server) handleLayerData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	layer := r.PathValue("layer")

	sample, err := boolParam(r, "sample", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	maxPoints, err := intParam(r, "max_points", s.cfg.DefaultSamplePoints)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var g *grid.Grid
	if sample {
		g, _, err = s.svc.Sample(ctx, layer, maxPoints)
	} else {
		g, err = s.svc.Load(ctx, layer)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	nlat, nlon := g.Shape()
	values := make([][]jsonFloat, nlat)
	for i, row := range g.Values {
		out := make([]jsonFloat, len(row))
		for j, v := range row {
			out[j] = jsonFloat(v)
		}
		values[i] = out
	}

	writeJSON(w, http.StatusOK, layerDataJSON{
		Layer:          layer,
		Variable:       g.Variable,
		Units:          g.Units,
		LongName:       g.LongName,
		Shape:          [2]int{nlat, nlon},
		Lat:            g.Lat,
		Lon:            g.Lon,
		Values:         values,
		Stats:          toStatsJSON(g.Stats),
		Bounds:         g.Bounds,
		SamplingFactor: g.SamplingFactor,
	})
}

type axisJSON struct {
	Size  int     `json:"size"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Order string  `json:"order"`
}

type summaryJSON struct {
	Layer          string      `json:"layer"`
	Variable       string      `json:"variable"`
	Units          string      `json:"units,omitempty"`
	LongName       string      `json:"long_name,omitempty"`
	Lat            axisJSON    `json:"lat"`
	Lon            axisJSON    `json:"lon"`
	Stats          statsJSON   `json:"stats"`
	Bounds         grid.Bounds `json:"bounds"`
	SamplingFactor int         `json:"sampling_factor"`
}

func toSummaryJSON(sum query.Summary) summaryJSON {
	return summaryJSON{
		Layer:    sum.Name,
		Variable: sum.Variable,
		Units:    sum.Units,
		LongName: sum.LongName,
		Lat: axisJSON{
			Size:  sum.Lat.Size,
			Min:   sum.Lat.Min,
			Max:   sum.Lat.Max,
			Order: sum.Lat.Order.String(),
		},
		Lon: axisJSON{
			Size:  sum.Lon.Size,
			Min:   sum.Lon.Min,
			Max:   sum.Lon.Max,
			Order: sum.Lon.Order.String(),
		},
		Stats:          toStatsJSON(sum.Stats),
		Bounds:         sum.Bounds,
		SamplingFactor: sum.SamplingFactor,
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.summary(w, r, r.PathValue("layer"))
}

// handleMeta is the summary of ?layer= or the default layer.
func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	layer, err := s.layerParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.summary(w, r, layer)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request, layer string) {
	sum, err := s.svc.Summary(r.Context(), layer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryJSON(sum))
}

// =============================================================================
// Cells
// =============================================================================

const defaultCellThreshold = 0.1

type featureCollection struct {
	Type     string       `json:"type"`
	Features []feature    `json:"features"`
	Metadata cellMetadata `json:"metadata"`
}

type feature struct {
	Type       string         `json:"type"`
	Geometry   polygon        `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type polygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

type cellMetadata struct {
	Layer       string    `json:"layer"`
	Count       int       `json:"total_zones"`
	Available   int       `json:"total_available"`
	Threshold   float64   `json:"threshold"`
	MaxFeatures int       `json:"max_features"`
	GeneratedAt time.Time `json:"generated_at"`
}

// handleCells renders the cells above threshold as a GeoJSON
// FeatureCollection of rectangles, one per grid cell.
func (s *Server) handleCells(w http.ResponseWriter, r *http.Request) {
	layer := r.PathValue("layer")
	def := defaultCellThreshold
	threshold, err := floatParam(r, "threshold", &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	maxFeatures, err := intParam(r, "max_features", s.cfg.DefaultCells)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	set, err := s.svc.Cells(r.Context(), layer, threshold, maxFeatures)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	features := make([]feature, len(set.Cells))
	for k, c := range set.Cells {
		south, north := c.Lat-c.HalfResLat, c.Lat+c.HalfResLat
		west, east := c.Lon-c.HalfResLon, c.Lon+c.HalfResLon
		features[k] = feature{
			Type: "Feature",
			Geometry: polygon{
				Type: "Polygon",
				Coordinates: [][][2]float64{{
					{west, south}, {east, south}, {east, north}, {west, north}, {west, south},
				}},
			},
			Properties: map[string]any{
				"value":          c.Value,
				"latitude":       c.Lat,
				"longitude":      c.Lon,
				"interpretation": c.Label,
			},
		}
	}

	w.Header().Set("Content-Type", "application/geo+json")
	writeBody(w, http.StatusOK, featureCollection{
		Type:     "FeatureCollection",
		Features: features,
		Metadata: cellMetadata{
			Layer:       layer,
			Count:       len(features),
			Available:   set.Available,
			Threshold:   set.Threshold,
			MaxFeatures: set.MaxFeatures,
			GeneratedAt: time.Now().UTC(),
		},
	})
}

// =============================================================================
// Queries
// =============================================================================

type predictJSON struct {
	Layer          string         `json:"layer"`
	Lat            float64        `json:"lat"`
	Lon            float64        `json:"lon"`
	Value          jsonFloat      `json:"value"`
	Valid          bool           `json:"valid"`
	Snapped        bool           `json:"snapped"`
	NearestLat     float64        `json:"nearest_lat"`
	NearestLon     float64        `json:"nearest_lon"`
	GridIndices    map[string]int `json:"grid_indices"`
	Interpretation string         `json:"interpretation"`
	Class          int            `json:"class"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	layer, err := s.layerParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lat, err := floatParam(r, "lat", nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, err := floatParam(r, "lon", nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	raw, err := boolParam(r, "raw", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.svc.Predict(r.Context(), layer, lat, lon, query.PredictOptions{IncludeInvalid: raw})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, predictJSON{
		Layer:          layer,
		Lat:            p.Lat,
		Lon:            p.Lon,
		Value:          jsonFloat(p.Value),
		Valid:          p.Valid,
		Snapped:        p.Snapped,
		NearestLat:     p.MatchedLat,
		NearestLon:     p.MatchedLon,
		GridIndices:    map[string]int{"i": p.I, "j": p.J},
		Interpretation: p.Label,
		Class:          p.Ordinal,
	})
}

func (s *Server) handleHotspots(w http.ResponseWriter, r *http.Request) {
	layer, err := s.layerParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	def := s.svc.Engine().Limits().DefaultPercentile
	pct, err := floatParam(r, "percentile", &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.svc.Hotspots(r.Context(), layer, pct, query.HotspotOptions{Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hotspots := res.Hotspots
	if hotspots == nil {
		hotspots = []query.Hotspot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"layer":      layer,
		"percentile": res.Percentile,
		"threshold":  jsonFloat(res.Threshold),
		"total":      res.Total,
		"count":      len(hotspots),
		"hotspots":   hotspots,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	def := s.svc.Engine().Limits().DefaultPercentile
	pct, err := floatParam(r, "percentile", &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exp, err := s.svc.ExportHotspots(r.Context(), r.PathValue("layer"), pct)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"path":       exp.Path,
		"layer":      exp.Layer,
		"percentile": exp.Percentile,
		"threshold":  jsonFloat(exp.Threshold),
		"rows":       exp.Rows,
	})
}

// =============================================================================
// Parameters
// =============================================================================

func (s *Server) layerParam(r *http.Request) (string, error) {
	if l := r.URL.Query().Get("layer"); l != "" {
		return l, nil
	}
	if s.cfg.DefaultLayer != "" {
		return s.cfg.DefaultLayer, nil
	}
	return "", errors.NewInvalidParameter("layer", "is required")
}

// floatParam parses a float query parameter. A nil def makes it required.
func floatParam(r *http.Request, name string, def *float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		if def == nil {
			return 0, errors.NewInvalidParameter(name, "is required")
		}
		return *def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.NewInvalidParameter(name, "must be a finite number, got %q", raw)
	}
	return v, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewInvalidParameter(name, "must be an integer, got %q", raw)
	}
	return v, nil
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.NewInvalidParameter(name, "must be true or false, got %q", raw)
	}
	return v, nil
}

// =============================================================================
// Responses
// =============================================================================

// jsonFloat encodes NaN and infinities as null.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

type errorBody struct {
	Error errorJSON `json:"error"`
}

type errorJSON struct {
	Kind      errors.Kind `json:"kind"`
	Message   string      `json:"message"`
	Temporary bool        `json:"temporary"`
}

// statusOf maps an error to its HTTP status: unknown dataset 404, other
// request errors 400, temporary unavailability 503, everything else 500.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrUnknownDataset):
		return http.StatusNotFound
	case errors.IsClientError(err):
		return http.StatusBadRequest
	case errors.IsTemporary(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	temporary := status == http.StatusServiceUnavailable
	if temporary {
		w.Header().Set("Retry-After", "5")
	}
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request error",
			"path", r.URL.Path, "kind", errors.KindOf(err), "error", err)
	}
	writeJSON(w, status, errorBody{Error: errorJSON{
		Kind:      errors.KindOf(err),
		Message:   err.Error(),
		Temporary: temporary,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeBody(w, status, v)
}

// writeBody encodes v with whatever Content-Type is already set.
func writeBody(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response", "error", err)
	}
}
