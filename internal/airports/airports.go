// Package airports holds the airport reference table and geo lookups.
package airports

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/crewmate/crewmate/internal/validate"
)

//go:embed airports.yaml
var embedded []byte

// EarthRadiusKm is the mean Earth radius used for distances.
const EarthRadiusKm = 6371.0

var ErrNotFound = errors.New("airport not found")

// Airport is one row of the reference table.
type Airport struct {
	IATA     string  `yaml:"iata" json:"iata"`
	ICAO     string  `yaml:"icao" json:"icao"`
	Name     string  `yaml:"name" json:"name"`
	City     string  `yaml:"city" json:"city"`
	Country  string  `yaml:"country" json:"country"`
	Lat      float64 `yaml:"lat" json:"lat"`
	Lon      float64 `yaml:"lon" json:"lon"`
	Timezone string  `yaml:"timezone" json:"timezone"`
}

// Distance is an airport paired with its distance from a point.
type Distance struct {
	Airport
	DistanceKm float64 `json:"distance_km"`
}

// Table is an immutable, indexed set of airports.
type Table struct {
	list   []Airport
	byIATA map[string]int
	byICAO map[string]int
}

// Parse decodes and validates a YAML airport list.
func Parse(data []byte) (*Table, error) {
	var list []Airport
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse airports: %w", err)
	}
	if len(list) == 0 {
		return nil, errors.New("airport list is empty")
	}

	t := &Table{
		list:   make([]Airport, 0, len(list)),
		byIATA: make(map[string]int, len(list)),
		byICAO: make(map[string]int, len(list)),
	}
	for i, a := range list {
		a.IATA = strings.ToUpper(strings.TrimSpace(a.IATA))
		a.ICAO = strings.ToUpper(strings.TrimSpace(a.ICAO))
		a.City = strings.TrimSpace(a.City)
		if len(a.IATA) != 3 {
			return nil, fmt.Errorf("airport %d: iata code %q must be 3 letters", i, a.IATA)
		}
		if a.City == "" {
			return nil, fmt.Errorf("airport %s: city is required", a.IATA)
		}
		if err := validate.Coordinates(a.Lat, a.Lon); err != nil {
			return nil, fmt.Errorf("airport %s: %w", a.IATA, err)
		}
		if _, dup := t.byIATA[a.IATA]; dup {
			return nil, fmt.Errorf("airport %s listed twice", a.IATA)
		}
		t.byIATA[a.IATA] = len(t.list)
		if a.ICAO != "" {
			t.byICAO[a.ICAO] = len(t.list)
		}
		t.list = append(t.list, a)
	}
	return t, nil
}

// Embedded returns the table compiled into the binary.
func Embedded() *Table {
	t, err := Parse(embedded)
	if err != nil {
		panic(err)
	}
	return t
}

// Len returns the number of airports.
func (t *Table) Len() int { return len(t.list) }

// Lookup finds an airport by IATA or ICAO code, case-insensitively.
func (t *Table) Lookup(code string) (Airport, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch len(code) {
	case 3:
		if i, ok := t.byIATA[code]; ok {
			return t.list[i], true
		}
	case 4:
		if i, ok := t.byICAO[code]; ok {
			return t.list[i], true
		}
	}
	return Airport{}, false
}

// CityAirports returns the IATA codes of every airport serving city.
func (t *Table) CityAirports(city string) []string {
	var codes []string
	for _, a := range t.list {
		if strings.EqualFold(a.City, city) {
			codes = append(codes, a.IATA)
		}
	}
	return codes
}

// Search returns airports whose code, city or name starts with query.
// Exact code matches come first, then results are ordered by city and code.
func (t *Table) Search(query string, limit int) []Airport {
	q := strings.ToLower(strings.TrimSpace(query))
	limit = validate.Clamp(limit, 10, 1, 50)
	if q == "" {
		return []Airport{}
	}

	type hit struct {
		a     Airport
		exact bool
	}
	var hits []hit
	for _, a := range t.list {
		iata, icao := strings.ToLower(a.IATA), strings.ToLower(a.ICAO)
		exact := q == iata || q == icao
		if exact || strings.HasPrefix(iata, q) || strings.HasPrefix(icao, q) ||
			hasWordPrefix(a.City, q) || hasWordPrefix(a.Name, q) {
			hits = append(hits, hit{a, exact})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].exact != hits[j].exact {
			return hits[i].exact
		}
		ci, cj := strings.ToLower(hits[i].a.City), strings.ToLower(hits[j].a.City)
		if ci != cj {
			return ci < cj
		}
		return hits[i].a.IATA < hits[j].a.IATA
	})

	out := make([]Airport, 0, min(limit, len(hits)))
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		out = append(out, h.a)
	}
	return out
}

// hasWordPrefix matches q against the start of s or of any word in s.
func hasWordPrefix(s, q string) bool {
	s = strings.ToLower(s)
	if strings.HasPrefix(s, q) {
		return true
	}
	for _, w := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '-' || r == '/' }) {
		if strings.HasPrefix(w, q) {
			return true
		}
	}
	return false
}

// Nearest returns the closest airport to the given point.
func (t *Table) Nearest(lat, lon float64) (Distance, error) {
	if err := validate.Coordinates(lat, lon); err != nil {
		return Distance{}, err
	}
	best := Distance{DistanceKm: math.Inf(1)}
	for _, a := range t.list {
		if d := Haversine(lat, lon, a.Lat, a.Lon); d < best.DistanceKm {
			best = Distance{Airport: a, DistanceKm: d}
		}
	}
	return best, nil
}

// WithinRadius returns airports within km of the point, closest first.
func (t *Table) WithinRadius(lat, lon, km float64) ([]Distance, error) {
	if err := validate.Coordinates(lat, lon); err != nil {
		return nil, err
	}
	if km <= 0 || km > 1000 {
		return nil, validate.Errorf("radius_km", "must be between 0 and 1000")
	}
	out := []Distance{}
	for _, a := range t.list {
		if d := Haversine(lat, lon, a.Lat, a.Lon); d <= km {
			out = append(out, Distance{Airport: a, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].IATA < out[j].IATA
	})
	return out, nil
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Store holds the current table and lets it be swapped atomically.
type Store struct {
	table atomic.Pointer[Table]
}

// NewStore creates a store serving t.
func NewStore(t *Table) *Store {
	s := &Store{}
	s.table.Store(t)
	return s
}

// Table returns the current table.
func (s *Store) Table() *Table { return s.table.Load() }

// Replace swaps in a new table.
func (s *Store) Replace(t *Table) { s.table.Store(t) }

func (s *Store) Lookup(code string) (Airport, bool) { return s.Table().Lookup(code) }

func (s *Store) CityAirports(city string) []string { return s.Table().CityAirports(city) }

func (s *Store) Search(query string, limit int) []Airport { return s.Table().Search(query, limit) }

func (s *Store) Nearest(lat, lon float64) (Distance, error) { return s.Table().Nearest(lat, lon) }

func (s *Store) WithinRadius(lat, lon, km float64) ([]Distance, error) {
	return s.Table().WithinRadius(lat, lon, km)
}
