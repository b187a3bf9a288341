package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

var defaultResponses = map[string]string{
	TemplateWeatherForPlace: `Weather in {{ .name | default .place_name }}` +
		`{{ with .admin1 }}, {{ . }}{{ end }}{{ with .country }}, {{ . }}{{ end }}: ` +
		`{{ .conditions }}, {{ .temperature | printf "%.1f" }}°C ` +
		`(feels like {{ .feelsLike | printf "%.1f" }}°C), ` +
		`humidity {{ .humidity | printf "%.0f" }}%, ` +
		`wind {{ .windSpeed | printf "%.1f" }} km/h` +
		`{{ if .windGust }} with gusts up to {{ .windGust | printf "%.1f" }} km/h{{ end }}.`,

	TemplatePlaceOnly: `{{ .name | default .place_name }}` +
		`{{ with .admin1 }}, {{ . }}{{ end }}{{ with .country }}, {{ . }}{{ end }}` +
		` is at latitude {{ .latitude }}, longitude {{ .longitude }}.`,

	TemplatePlaceDetails: `{{ .name | default .place_name }} ({{ .latitude }}, {{ .longitude }}): {{ .details | trim }}`,
}

// Renderer turns a completed turn's facts into the user-facing response.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer parses the built-in response templates, replacing any named in
// overrides. Templates use text/template with the sprig function map.
func NewRenderer(overrides map[string]string) (*Renderer, error) {
	src := make(map[string]string, len(defaultResponses)+len(overrides))
	for k, v := range defaultResponses {
		src[k] = v
	}
	for k, v := range overrides {
		if strings.TrimSpace(v) != "" {
			src[k] = v
		}
	}

	r := &Renderer{templates: make(map[string]*template.Template, len(src))}
	for name, text := range src {
		t, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse response template %s: %w", name, err)
		}
		r.templates[name] = t
	}
	return r, nil
}

// Render executes the template for workflow. Without a template, or when it
// fails, the facts are listed as key: value lines.
func (r *Renderer) Render(workflow string, facts map[string]any) (string, error) {
	t, ok := r.templates[workflow]
	if !ok {
		return listFacts(facts), nil
	}
	var sb strings.Builder
	if err := t.Execute(&sb, facts); err != nil {
		return listFacts(facts), fmt.Errorf("render %s: %w", workflow, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

func listFacts(facts map[string]any) string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, facts[k]))
	}
	return strings.Join(lines, "\n")
}
