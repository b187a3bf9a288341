package orchestrator

import (
	"fmt"
	"sort"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/geo"
	"github.com/opentalon/atlas/internal/places"
	"github.com/opentalon/atlas/internal/router"
	"github.com/opentalon/atlas/internal/weather"
)

const (
	TemplateWeatherForPlace = "weather-for-place"
	TemplatePlaceOnly       = "place-only"
	TemplatePlaceDetails    = "place-details"
)

// Fact names seeded from the plan.
const (
	FactPlaceName = "place_name"
	FactQuery     = "query"
	FactLatitude  = "latitude"
	FactLongitude = "longitude"
)

// Step is one stage of a workflow template. Inputs name the facts copied
// verbatim into the capability's arguments. A step whose Provides facts are
// all already known is skipped.
type Step struct {
	Capability string
	Inputs     []string
	Provides   []string
}

func (s Step) satisfied(st *WorkflowState) bool {
	if len(s.Provides) == 0 {
		return false
	}
	for _, name := range s.Provides {
		if _, ok := st.Fact(name); !ok {
			return false
		}
	}
	return true
}

// arguments copies the step's inputs out of the turn's facts. A missing
// input is a validation failure; nothing is substituted for it.
func (s Step) arguments(st *WorkflowState) (map[string]any, error) {
	args := make(map[string]any, len(s.Inputs))
	for _, name := range s.Inputs {
		v, ok := st.Fact(name)
		if !ok || v == nil {
			return nil, &capability.Error{
				Kind:       capability.KindValidation,
				Capability: s.Capability,
				Message:    fmt.Sprintf("cannot call %s: no %q from an earlier step", s.Capability, name),
			}
		}
		args[name] = v
	}
	return args, nil
}

// Template is an ordered workflow.
type Template struct {
	Name  string
	Steps []Step
}

// next returns the first step at or after the cursor that still has work to
// do, advancing the cursor past satisfied steps.
func (t *Template) next(st *WorkflowState) (Step, bool) {
	for st.cursor < len(t.Steps) {
		s := t.Steps[st.cursor]
		if !s.satisfied(st) {
			return s, true
		}
		st.cursor++
	}
	return Step{}, false
}

// remaining reports whether any step after the cursor still has work to do.
func (t *Template) remaining(st *WorkflowState) bool {
	for i := st.cursor; i < len(t.Steps); i++ {
		if !t.Steps[i].satisfied(st) {
			return true
		}
	}
	return false
}

func (t *Template) Capabilities() []string {
	names := make([]string, len(t.Steps))
	for i, s := range t.Steps {
		names[i] = s.Capability
	}
	return names
}

var locate = Step{
	Capability: geo.CapabilityName,
	Inputs:     []string{FactPlaceName},
	Provides:   []string{FactLatitude, FactLongitude},
}

func WeatherForPlace() *Template {
	return &Template{Name: TemplateWeatherForPlace, Steps: []Step{
		locate,
		{Capability: weather.CapabilityName, Inputs: []string{FactLatitude, FactLongitude}},
	}}
}

func PlaceOnly() *Template {
	return &Template{Name: TemplatePlaceOnly, Steps: []Step{locate}}
}

func PlaceDetails() *Template {
	return &Template{Name: TemplatePlaceDetails, Steps: []Step{
		locate,
		{Capability: places.CapabilityName, Inputs: []string{FactQuery, FactLatitude, FactLongitude}},
	}}
}

// Catalog maps plan intents to templates.
type Catalog map[router.Intent]*Template

func DefaultCatalog() Catalog {
	return Catalog{
		router.IntentWeather:      WeatherForPlace(),
		router.IntentPlace:        PlaceOnly(),
		router.IntentPlaceDetails: PlaceDetails(),
	}
}

func (c Catalog) For(intent router.Intent) (*Template, bool) {
	t, ok := c[intent]
	return t, ok
}

// Validate checks every template step names a registered capability.
func (c Catalog) Validate(reg *capability.Registry) error {
	intents := make([]string, 0, len(c))
	for intent := range c {
		intents = append(intents, string(intent))
	}
	sort.Strings(intents)
	for _, intent := range intents {
		t := c[router.Intent(intent)]
		for _, name := range t.Capabilities() {
			if !reg.Has(name) {
				return fmt.Errorf("template %s: capability %q is not registered", t.Name, name)
			}
		}
	}
	return nil
}
