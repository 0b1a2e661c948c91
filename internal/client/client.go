// Package client provides a client for the gridd HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/service"
)

// =============================================================================
// Errors
// =============================================================================

// APIError is an error response from the server.
type APIError struct {
	Status    int
	Kind      errors.Kind
	Message   string
	Temporary bool
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL        string
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 2 * time.Minute,
	}
}

// Client talks to one gridd instance.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a new client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

// =============================================================================
// Responses
// =============================================================================

// Prediction is the /predict response. Value is nil for a missing cell.
type Prediction struct {
	Layer          string         `json:"layer"`
	Lat            float64        `json:"lat"`
	Lon            float64        `json:"lon"`
	Value          *float64       `json:"value"`
	Valid          bool           `json:"valid"`
	Snapped        bool           `json:"snapped"`
	NearestLat     float64        `json:"nearest_lat"`
	NearestLon     float64        `json:"nearest_lon"`
	GridIndices    map[string]int `json:"grid_indices"`
	Interpretation string         `json:"interpretation"`
	Class          int            `json:"class"`
}

// Hotspot is one ranked cell.
type Hotspot struct {
	Rank  int     `json:"rank"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Value float64 `json:"value"`
}

// Hotspots is the /hotspots response.
type Hotspots struct {
	Layer      string    `json:"layer"`
	Percentile float64   `json:"percentile"`
	Threshold  *float64  `json:"threshold"`
	Total      int       `json:"total"`
	Count      int       `json:"count"`
	Hotspots   []Hotspot `json:"hotspots"`
}

// Axis summarizes one coordinate axis.
type Axis struct {
	Size  int     `json:"size"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Order string  `json:"order"`
}

// Stats are layer statistics. Fields are nil when no cell is valid.
type Stats struct {
	Min        *float64 `json:"min"`
	Max        *float64 `json:"max"`
	Mean       *float64 `json:"mean"`
	P50        *float64 `json:"p50"`
	P90        *float64 `json:"p90"`
	P99        *float64 `json:"p99"`
	CountValid int      `json:"count_valid"`
	CountTotal int      `json:"count_total"`
}

// Summary is the /data/{layer}/summary response.
type Summary struct {
	Layer          string `json:"layer"`
	Variable       string `json:"variable"`
	Units          string `json:"units"`
	LongName       string `json:"long_name"`
	Lat            Axis   `json:"lat"`
	Lon            Axis   `json:"lon"`
	Stats          Stats  `json:"stats"`
	SamplingFactor int    `json:"sampling_factor"`
}

// Export is the /data/{layer}/export response.
type Export struct {
	Path       string   `json:"path"`
	Layer      string   `json:"layer"`
	Percentile float64  `json:"percentile"`
	Threshold  *float64 `json:"threshold"`
	Rows       int      `json:"rows"`
}

// =============================================================================
// Operations
// =============================================================================

// Layers lists the configured layers.
func (c *Client) Layers(ctx context.Context) ([]service.Layer, error) {
	var resp struct {
		Layers []service.Layer `json:"layers"`
	}
	if err := c.do(ctx, http.MethodGet, "/data/layers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Layers, nil
}

// Status returns the server status.
func (c *Client) Status(ctx context.Context) (service.Status, error) {
	var st service.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Predict looks up the value nearest to (lat, lon). An empty layer uses the
// server default.
func (c *Client) Predict(ctx context.Context, layer string, lat, lon float64, raw bool) (Prediction, error) {
	q := url.Values{}
	setLayer(q, layer)
	q.Set("lat", formatFloat(lat))
	q.Set("lon", formatFloat(lon))
	if raw {
		q.Set("raw", "true")
	}
	var p Prediction
	err := c.do(ctx, http.MethodGet, "/predict", q, &p)
	return p, err
}

// Hotspots ranks the cells at or above percentile. A zero limit returns
// every cell.
func (c *Client) Hotspots(ctx context.Context, layer string, percentile float64, limit int) (Hotspots, error) {
	q := url.Values{}
	setLayer(q, layer)
	q.Set("percentile", formatFloat(percentile))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var h Hotspots
	err := c.do(ctx, http.MethodGet, "/hotspots", q, &h)
	return h, err
}

// Summary describes a layer's axes and statistics.
func (c *Client) Summary(ctx context.Context, layer string) (Summary, error) {
	var s Summary
	err := c.do(ctx, http.MethodGet, "/data/"+url.PathEscape(layer)+"/summary", nil, &s)
	return s, err
}

// Export asks the server to write the hotspot archive for layer.
func (c *Client) Export(ctx context.Context, layer string, percentile float64) (Export, error) {
	q := url.Values{}
	q.Set("percentile", formatFloat(percentile))
	var e Export
	err := c.do(ctx, http.MethodPost, "/data/"+url.PathEscape(layer)+"/export", q, &e)
	return e, err
}

// =============================================================================
// Transport
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	var eb struct {
		Error struct {
			Kind      errors.Kind `json:"kind"`
			Message   string      `json:"message"`
			Temporary bool        `json:"temporary"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error.Message == "" {
		return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{
		Status:    status,
		Kind:      eb.Error.Kind,
		Message:   eb.Error.Message,
		Temporary: eb.Error.Temporary,
	}
}

func setLayer(q url.Values, layer string) {
	if layer != "" {
		q.Set("layer", layer)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
