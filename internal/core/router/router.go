package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/grid-select/internal/core/config"
	"github.com/mohammed-shakir/grid-select/internal/core/model"
	"github.com/mohammed-shakir/grid-select/internal/core/observability"
	"github.com/mohammed-shakir/grid-select/internal/dataset"
	"github.com/mohammed-shakir/grid-select/internal/export"
	h3mapper "github.com/mohammed-shakir/grid-select/internal/mapper/h3"
	"github.com/mohammed-shakir/grid-select/internal/pipeline"
	"github.com/mohammed-shakir/grid-select/internal/selection"
	"github.com/mohammed-shakir/grid-select/internal/view"
)

const (
	FormatJSON  = "json"
	FormatArrow = "arrow"

	arrowContentType = "application/vnd.apache.arrow.stream"
)

// Registry resolves the datasets served by the API.
type Registry interface {
	Get(name string) (dataset.Dataset, error)
	Names() []string
}

// Builder builds selected views.
type Builder interface {
	Build(ctx context.Context, name string, ds dataset.Dataset, cfg pipeline.Config) (*view.View, error)
}

// SelectRequest is a validated /datasets/{name}/select query.
type SelectRequest struct {
	Config pipeline.Config
	Fields []string
	Offset int
	Limit  int
	Format string
}

// Mount registers the dataset routes on r.
func Mount(r chi.Router, logger *slog.Logger, cfg config.Config, reg Registry, b Builder) {
	r.Get("/datasets", HandleListDatasets(logger, reg))
	r.Get("/datasets/{name}/select", HandleSelect(logger, cfg, reg, b))
}

func HandleListDatasets(logger *slog.Logger, reg Registry) http.HandlerFunc {
	type item struct {
		Name   string   `json:"name"`
		Points int      `json:"points"`
		Shape  []int    `json:"shape,omitempty"`
		Fields []string `json:"fields"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		names := reg.Names()
		out := make([]item, 0, len(names))
		for _, n := range names {
			ds, err := reg.Get(n)
			if err != nil {
				// removed between Names and Get
				continue
			}
			out = append(out, item{Name: n, Points: ds.PointCount(), Shape: shapeOf(ds), Fields: ds.FieldNames()})
		}
		writeJSON(r.Context(), logger, w, http.StatusOK, map[string]any{"datasets": out})
	}
}

// HandleSelect builds the requested selection of one dataset and returns a
// page of its points.
func HandleSelect(logger *slog.Logger, cfg config.Config, reg Registry, b Builder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := chi.URLParam(r, "name")

		req, warn, err := ParseSelectRequest(r, cfg.MaxPoints)
		if warn != "" {
			logger.WarnContext(ctx, warn, "dataset", name)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ds, err := reg.Get(name)
		if err != nil {
			writeError(ctx, logger, w, err)
			return
		}
		for _, f := range req.Fields {
			if !dataset.HasField(ds, f) {
				writeError(ctx, logger, w, fmt.Errorf("%w: %q", dataset.ErrFieldNotFound, f))
				return
			}
		}

		v, err := b.Build(ctx, name, ds, req.Config)
		if err != nil {
			writeError(ctx, logger, w, err)
			return
		}

		if req.Format == FormatArrow {
			writeArrow(ctx, logger, w, v, req)
			return
		}
		resp, err := page(name, req, v)
		observability.AddViewReads("page", len(resp.Points), err)
		if err != nil {
			writeError(ctx, logger, w, err)
			return
		}
		writeJSON(ctx, logger, w, http.StatusOK, resp)
	}
}

type pointJSON struct {
	Index         int                 `json:"index"`
	OriginalIndex int                 `json:"original_index"`
	Latitude      float64             `json:"latitude"`
	Longitude     float64             `json:"longitude"`
	Values        map[string]*float64 `json:"values,omitempty"`
}

type selectResponse struct {
	Dataset        string      `json:"dataset"`
	Fingerprint    string      `json:"fingerprint"`
	OriginalPoints int         `json:"original_points"`
	RetainedPoints int         `json:"retained_points"`
	Shape          []int       `json:"shape"`
	Offset         int         `json:"offset"`
	Limit          int         `json:"limit"`
	Points         []pointJSON `json:"points"`
}

func page(name string, req SelectRequest, v *view.View) (selectResponse, error) {
	resp := selectResponse{
		Dataset:        name,
		Fingerprint:    req.Config.Fingerprint(),
		OriginalPoints: v.Source().PointCount(),
		RetainedPoints: v.PointCount(),
		Shape:          shapeOf(v),
		Offset:         req.Offset,
		Limit:          req.Limit,
		Points:         []pointJSON{},
	}
	end := min(req.Offset+req.Limit, v.PointCount())
	for i := req.Offset; i < end; i++ {
		lat, lon, err := v.Coordinates(i)
		if err != nil {
			return resp, err
		}
		orig, err := v.OriginalIndex(i)
		if err != nil {
			return resp, err
		}
		p := pointJSON{Index: i, OriginalIndex: orig, Latitude: lat, Longitude: lon}
		if len(req.Fields) > 0 {
			p.Values = make(map[string]*float64, len(req.Fields))
			for _, f := range req.Fields {
				val, err := v.ReadField(f, i)
				if err != nil {
					return resp, err
				}
				p.Values[f] = nil
				if !math.IsNaN(val) {
					p.Values[f] = &val
				}
			}
		}
		resp.Points = append(resp.Points, p)
	}
	return resp, nil
}

func writeArrow(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, v *view.View, req SelectRequest) {
	rec, err := export.RecordRange(v, req.Fields, req.Offset, req.Limit, nil)
	if err != nil {
		writeError(ctx, logger, w, err)
		return
	}
	defer rec.Release()
	observability.AddViewReads("arrow", int(rec.NumRows()), nil)

	w.Header().Set("Content-Type", arrowContentType)
	w.Header().Set("X-Retained-Points", strconv.Itoa(v.PointCount()))
	if err := export.WriteIPC(w, rec); err != nil {
		// headers are gone; the client sees a truncated stream
		logger.WarnContext(ctx, "arrow stream write failed", "err", err)
	}
}

func shapeOf(ds dataset.Dataset) []int {
	if s, ok := ds.(dataset.Shaped); ok {
		if d0, d1, ok := s.GridShape(); ok {
			return []int{d0, d1}
		}
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dataset.ErrNotFound):
		return http.StatusNotFound
	case pipeline.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.ErrorContext(ctx, "select failed", "err", err)
		msg = "internal server error"
	}
	writeJSON(ctx, logger, w, status, map[string]string{"error": msg})
}

func writeJSON(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.DebugContext(ctx, "response encode failed", "err", err)
	}
}

// ParseSelectRequest validates the query parameters of a select request. The
// warning is non-empty when a parameter was adjusted rather than rejected.
func ParseSelectRequest(r *http.Request, maxPoints int) (SelectRequest, string, error) {
	var warn string
	q := r.URL.Query()
	req := SelectRequest{Format: FormatJSON, Limit: maxPoints}

	if raw := strings.TrimSpace(q.Get("thin")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return SelectRequest{}, "", invalid("thin", err)
		}
		req.Config.Thinning = &pipeline.ThinningConfig{N: n, Method: strings.TrimSpace(q.Get("thin_method"))}
	} else if q.Get("thin_method") != "" {
		return SelectRequest{}, "", invalid("thin_method", errors.New("requires thin"))
	}

	if raw := strings.TrimSpace(q.Get("area")); raw != "" {
		a, err := parseArea(raw)
		if err != nil {
			return SelectRequest{}, "", invalid("area", err)
		}
		req.Config.Area = &a
	}

	if raw := strings.TrimSpace(q.Get("mask")); raw != "" {
		m, err := parseMask(raw, q.Get("mask_op"), q.Get("mask_threshold"))
		if err != nil {
			return SelectRequest{}, "", invalid("mask", err)
		}
		req.Config.MaskFromDataset = &m
	}

	if raw := strings.TrimSpace(q.Get("trim")); raw != "" {
		spec, err := parseTrim(raw)
		if err != nil {
			return SelectRequest{}, "", invalid("trim", err)
		}
		req.Config.TrimEdge = &pipeline.TrimConfig{Spec: spec}
	}

	if raw := strings.TrimSpace(q.Get("fields")); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				req.Fields = append(req.Fields, f)
			}
		}
	}

	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return SelectRequest{}, "", invalid("offset", fmt.Errorf("must be a non-negative integer (got %q)", raw))
		}
		req.Offset = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return SelectRequest{}, "", invalid("limit", fmt.Errorf("must be a non-negative integer (got %q)", raw))
		}
		req.Limit = n
	}
	if maxPoints > 0 && req.Limit > maxPoints {
		warn = fmt.Sprintf("limit %d exceeds max %d; clamping", req.Limit, maxPoints)
		req.Limit = maxPoints
	}

	switch f := strings.ToLower(strings.TrimSpace(q.Get("format"))); f {
	case "", FormatJSON:
	case FormatArrow:
		req.Format = FormatArrow
	default:
		return SelectRequest{}, warn, invalid("format", fmt.Errorf("want json or arrow (got %q)", f))
	}
	return req, warn, nil
}

func invalid(param string, err error) error {
	return fmt.Errorf("%w: %s: %w", selection.ErrInvalidParameter, param, err)
}

// parseArea accepts "north,west,south,east", "dataset:<name>", "h3:<cell>"
// or "h3point:<lat>,<lon>,<res>".
func parseArea(raw string) (pipeline.AreaConfig, error) {
	if kind, val, ok := strings.Cut(raw, ":"); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			return pipeline.AreaConfig{}, fmt.Errorf("empty %s reference", kind)
		}
		switch kind {
		case "dataset":
			return pipeline.AreaConfig{Dataset: val}, nil
		case "h3":
			return pipeline.AreaConfig{Cell: val}, nil
		case "h3point":
			return parseCellAtPoint(val)
		default:
			return pipeline.AreaConfig{}, fmt.Errorf("unknown area source %q", kind)
		}
	}
	v, err := parseFloats(raw, 4)
	if err != nil {
		return pipeline.AreaConfig{}, fmt.Errorf("expected north,west,south,east: %w", err)
	}
	bb := model.BoundingBox{North: v[0], West: v[1], South: v[2], East: v[3]}
	if err := bb.Validate(); err != nil {
		return pipeline.AreaConfig{}, err
	}
	return pipeline.AreaConfig{Box: &bb}, nil
}

// parseCellAtPoint accepts "lat,lon,res" and selects the H3 cell holding
// that point.
func parseCellAtPoint(raw string) (pipeline.AreaConfig, error) {
	v, err := parseFloats(raw, 3)
	if err != nil {
		return pipeline.AreaConfig{}, fmt.Errorf("expected lat,lon,res: %w", err)
	}
	if v[2] != math.Trunc(v[2]) {
		return pipeline.AreaConfig{}, fmt.Errorf("h3 resolution %g is not an integer", v[2])
	}
	cell, err := h3mapper.CellForPoint(v[0], v[1], int(v[2]))
	if err != nil {
		return pipeline.AreaConfig{}, err
	}
	return pipeline.AreaConfig{Cell: cell}, nil
}

// parseMask accepts "<dataset>:<field>".
func parseMask(raw, op, threshold string) (pipeline.MaskConfig, error) {
	ds, field, ok := strings.Cut(raw, ":")
	ds, field = strings.TrimSpace(ds), strings.TrimSpace(field)
	if !ok || ds == "" || field == "" {
		return pipeline.MaskConfig{}, fmt.Errorf("expected <dataset>:<field> (got %q)", raw)
	}
	m := pipeline.MaskConfig{Dataset: ds, FieldName: field, Op: strings.TrimSpace(op)}
	if m.Op != "" && !(selection.Predicate{Op: m.Op}).Valid() {
		return pipeline.MaskConfig{}, fmt.Errorf("mask_op %q", m.Op)
	}
	if threshold = strings.TrimSpace(threshold); threshold != "" {
		f, err := parseFloat(threshold)
		if err != nil {
			return pipeline.MaskConfig{}, fmt.Errorf("mask_threshold: %w", err)
		}
		m.Threshold = f
	}
	return m, nil
}

// parseTrim accepts "m" or "lower0,upper0,lower1,upper1".
func parseTrim(raw string) (model.TrimSpec, error) {
	parts := strings.Split(raw, ",")
	vals := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return model.TrimSpec{}, fmt.Errorf("margin %d: %w", i, err)
		}
		vals[i] = n
	}
	switch len(vals) {
	case 1:
		return model.UniformTrim(vals[0]), nil
	case 4:
		return model.TrimSpec{Lower0: vals[0], Upper0: vals[1], Lower1: vals[2], Upper1: vals[3]}, nil
	default:
		return model.TrimSpec{}, fmt.Errorf("expected 1 or 4 margins, got %d", len(vals))
	}
}

func parseFloats(raw string, n int) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma-separated values, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := parseFloat(p)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %q", v)
	}
	return f, nil
}
