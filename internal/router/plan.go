// Package router decides what a turn should do: which workflow to run and on
// which place, or a direct answer when no capability applies.
package router

import (
	"context"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/geo"
	"github.com/opentalon/atlas/internal/places"
	"github.com/opentalon/atlas/internal/weather"
)

type Intent string

const (
	IntentWeather      Intent = "weather"
	IntentPlace        Intent = "place"
	IntentPlaceDetails Intent = "place_details"
	IntentAnswer       Intent = "answer"
)

// Plan is a reasoning decision. Exactly one of Place (with an Intent other
// than IntentAnswer) or Answer is meaningful.
type Plan struct {
	Intent Intent `json:"intent"`
	Place  string `json:"place,omitempty"`
	Query  string `json:"query,omitempty"`
	Answer string `json:"answer,omitempty"`
	// Coordinates are set when the user gave them literally; location
	// resolution is then unnecessary.
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	// Source names the reasoner that produced the plan.
	Source string `json:"source,omitempty"`
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p Plan) Invokes() bool {
	return p.Intent != IntentAnswer && p.Place != ""
}

type Input struct {
	Text         string
	SessionID    string
	Capabilities []capability.Descriptor
}

// Reasoner produces a Plan for one turn.
type Reasoner interface {
	Name() string
	Plan(ctx context.Context, in Input) (Plan, error)
}

// ToolIntents maps the capability a model targets to the workflow that
// reaches it.
var ToolIntents = map[string]Intent{
	geo.CapabilityName:     IntentPlace,
	weather.CapabilityName: IntentWeather,
	places.CapabilityName:  IntentPlaceDetails,
}
