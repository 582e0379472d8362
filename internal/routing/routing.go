// Package routing estimates the distance to the next visit. Estimates only
// pre-fill per-visit distances; the odometer stays authoritative.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"backend-salesrephub/internal/shared/geo"
)

type Source string

const (
	SourceRoute        Source = "route"
	SourceStraightLine Source = "straight_line"
	SourceCarried      Source = "carried"
)

// Estimate is never authoritative; Source says where Km came from.
type Estimate struct {
	Km     float64 `json:"km"`
	Source Source  `json:"source"`
}

var ErrNoRoute = errors.New("no route")

// Router is the external routing collaborator.
type Router interface {
	RouteMeters(ctx context.Context, from, to geo.Point) (float64, error)
}

// Client queries an OSRM-style service:
// GET {baseURL}/route?from=lat,lng&to=lat,lng -> {"distance": meters}.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

func (c *Client) RouteMeters(ctx context.Context, from, to geo.Point) (float64, error) {
	q := url.Values{}
	q.Set("from", fmt.Sprintf("%f,%f", from.Lat, from.Lng))
	q.Set("to", fmt.Sprintf("%f,%f", to.Lat, to.Lng))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/route?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, ErrNoRoute
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("routing service returned %d", resp.StatusCode)
	}

	var out struct {
		Distance *float64 `json:"distance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode route: %w", err)
	}
	if out.Distance == nil || *out.Distance < 0 {
		return 0, ErrNoRoute
	}
	return *out.Distance, nil
}

type Estimator struct {
	router  Router
	timeout time.Duration
	log     *slog.Logger
}

// NewEstimator builds an estimator; router may be nil, in which case every
// estimate is straight-line.
func NewEstimator(router Router, timeout time.Duration, log *slog.Logger) *Estimator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{router: router, timeout: timeout, log: log}
}

// Estimate returns the route distance in km, falling back to the
// straight-line distance. ok is false only when neither can be computed.
func (e *Estimator) Estimate(ctx context.Context, from, to geo.Point) (Estimate, bool) {
	straight, err := geo.Haversine(from, to)
	if err != nil {
		e.log.Warn("routing: invalid coordinates", "error", err)
		return Estimate{}, false
	}

	if e.router != nil {
		rctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		m, err := e.router.RouteMeters(rctx, from, to)
		if err == nil {
			return Estimate{Km: m / 1000, Source: SourceRoute}, true
		}
		e.log.Warn("routing: falling back to straight line", "error", err)
	}
	return Estimate{Km: straight / 1000, Source: SourceStraightLine}, true
}
