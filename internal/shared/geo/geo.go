package geo

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// EarthRadiusM is the mean Earth radius used for great-circle distances.
const EarthRadiusM = 6371000.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Position is a single location fix. It is never mutated after creation.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	AccuracyM float64   `json:"accuracy_m"`
	Timestamp time.Time `json:"timestamp"`
}

func (p Position) Point() Point {
	return Point{Lat: p.Lat, Lng: p.Lng}
}

// Validate rejects NaN, infinite and out-of-range coordinates.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: (%v, %v) out of range", ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	return nil
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}

	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h just past 1 for near-antipodal points
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusM * c, nil
}

func HaversineKm(lat1, lng1, lat2, lng2 float64) (float64, error) {
	m, err := Haversine(Point{Lat: lat1, Lng: lng1}, Point{Lat: lat2, Lng: lng2})
	if err != nil {
		return 0, err
	}
	return m / 1000, nil
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
