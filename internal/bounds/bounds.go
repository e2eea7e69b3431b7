// Package bounds resolves named geographic boundaries from configuration.
// A boundary is either an axis-aligned bounding box or a closed polygon
// and is used to clip the raw map extract.
package bounds

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Definition is the raw YAML shape of a named boundary in config.yml.
// Either the four box coordinates or a polygon must be given.
type Definition struct {
	MinLat  *float64     `yaml:"min_lat"`
	MinLon  *float64     `yaml:"min_lon"`
	MaxLat  *float64     `yaml:"max_lat"`
	MaxLon  *float64     `yaml:"max_lon"`
	Polygon [][2]float64 `yaml:"polygon"` // lat, lon pairs, closed ring
}

// BoundingBox is an axis-aligned box in WGS84 degrees.
type BoundingBox struct {
	MinLat float64 `validate:"gte=-90,lte=90"`
	MinLon float64 `validate:"gte=-180,lte=180"`
	MaxLat float64 `validate:"gte=-90,lte=90"`
	MaxLon float64 `validate:"gte=-180,lte=180"`
}

// Point is a single polygon vertex.
type Point struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lon float64 `validate:"gte=-180,lte=180"`
}

// Boundary is a resolved, validated boundary. Exactly one of Box or
// Polygon is set.
type Boundary struct {
	Name    string
	Box     *BoundingBox
	Polygon []Point
}

// UnknownBoundsError is returned when a boundary name is absent from
// configuration.
type UnknownBoundsError struct {
	Name string
}

func (e *UnknownBoundsError) Error() string {
	return fmt.Sprintf("unknown bounds %q: not defined in configuration", e.Name)
}

// MalformedBoundsError is returned when a boundary definition has
// out-of-range coordinates, an inverted box or an open polygon.
type MalformedBoundsError struct {
	Name   string
	Reason string
}

func (e *MalformedBoundsError) Error() string {
	return fmt.Sprintf("malformed bounds %q: %s", e.Name, e.Reason)
}

// Registry resolves boundary names to validated Boundary values. It is
// built once per run from configuration and never mutated.
type Registry struct {
	defs        map[string]Definition
	defaultName string
	validate    *validator.Validate
}

// NewRegistry creates a registry over the configured boundary definitions.
func NewRegistry(defs map[string]Definition, defaultName string) *Registry {
	return &Registry{
		defs:        defs,
		defaultName: defaultName,
		validate:    validator.New(),
	}
}

// Resolve looks up a boundary by name and validates it. An empty name
// resolves the configured default.
func (r *Registry) Resolve(name string) (Boundary, error) {
	if name == "" {
		name = r.defaultName
	}
	def, ok := r.defs[name]
	if !ok {
		return Boundary{}, &UnknownBoundsError{Name: name}
	}

	if len(def.Polygon) > 0 {
		return r.resolvePolygon(name, def)
	}
	return r.resolveBox(name, def)
}

func (r *Registry) resolveBox(name string, def Definition) (Boundary, error) {
	if def.MinLat == nil || def.MinLon == nil || def.MaxLat == nil || def.MaxLon == nil {
		return Boundary{}, &MalformedBoundsError{Name: name, Reason: "missing box coordinates"}
	}
	box := BoundingBox{
		MinLat: *def.MinLat,
		MinLon: *def.MinLon,
		MaxLat: *def.MaxLat,
		MaxLon: *def.MaxLon,
	}
	if err := r.validate.Struct(box); err != nil {
		return Boundary{}, &MalformedBoundsError{Name: name, Reason: fmt.Sprintf("coordinates out of range: %v", err)}
	}
	if box.MinLat > box.MaxLat || box.MinLon > box.MaxLon {
		return Boundary{}, &MalformedBoundsError{Name: name, Reason: "min coordinate greater than max"}
	}
	return Boundary{Name: name, Box: &box}, nil
}

func (r *Registry) resolvePolygon(name string, def Definition) (Boundary, error) {
	if len(def.Polygon) < 4 {
		return Boundary{}, &MalformedBoundsError{Name: name, Reason: "polygon needs at least 4 points"}
	}
	ring := make([]Point, len(def.Polygon))
	for i, pair := range def.Polygon {
		p := Point{Lat: pair[0], Lon: pair[1]}
		if err := r.validate.Struct(p); err != nil {
			return Boundary{}, &MalformedBoundsError{Name: name, Reason: fmt.Sprintf("point %d out of range: %v", i, err)}
		}
		ring[i] = p
	}
	if ring[0] != ring[len(ring)-1] {
		return Boundary{}, &MalformedBoundsError{Name: name, Reason: "polygon ring is not closed"}
	}
	return Boundary{Name: name, Polygon: ring}, nil
}
