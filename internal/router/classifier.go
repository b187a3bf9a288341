package router

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

var (
	weatherKeywords = []string{
		"weather", "forecast", "temperature", "rain", "raining", "snow", "snowing",
		"sunny", "wind", "windy", "humid", "humidity", "degrees", "umbrella", "cloudy",
	}
	detailKeywords = []string{
		"tell me about", "details", "history of", "describe", "things to do",
		"what to see", "famous for", "information about", "info about", "known for",
	}
	locationKeywords = []string{
		"where is", "where's", "locate", "location of", "coordinates", "latitude",
		"longitude", "on the map", "find",
	}
)

// Patterns tried in order; the first capture group is the place.
var placePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhere(?: is|'s)\s+(.+)`),
	regexp.MustCompile(`(?i)\b(?:tell me about|details (?:about|on|for)|history of|describe|famous for|known for|information about|info about)\s+(.+)`),
	regexp.MustCompile(`(?i)\b(?:things to do|what to see)\s+(?:in|at|near|around)\s+(.+)`),
	regexp.MustCompile(`(?i)\b(?:location of|coordinates (?:of|for))\s+(.+)`),
	regexp.MustCompile(`(?i)\b(?:locate|find)\s+(.+)`),
	regexp.MustCompile(`(?i)\b(?:in|at|for|near|around|of)\s+(.+)`),
	regexp.MustCompile(`(?i)^\s*(.+?)\s+(?:weather|forecast|temperature)\b`),
}

var (
	trailingNoise = regexp.MustCompile(`(?i)(\s+(today|tomorrow|tonight|now|right now|this week|please|currently|on the map))+$`)
	leadingNoise  = regexp.MustCompile(`(?i)^(today|tomorrow|tonight|now|this week|like)\s+(?:in|at|for|near|around)\s+`)
)

var coordinatePattern = regexp.MustCompile(`(-?\d{1,2}(?:\.\d+)?)\s*,\s*(-?\d{1,3}(?:\.\d+)?)`)

var questionWords = map[string]bool{
	"what": true, "what's": true, "whats": true, "how": true, "is": true,
	"will": true, "show": true, "give": true, "get": true, "tell": true,
}

const helpAnswer = "I can look up where a place is, the current weather somewhere, or details about a place. " +
	"Try \"weather in Paris\" or \"where is the Eiffel Tower\"."

// Classifier is the deterministic keyword reasoner.
type Classifier struct{}

func NewClassifier() *Classifier { return &Classifier{} }

func (c *Classifier) Name() string { return "keyword" }

func (c *Classifier) Plan(_ context.Context, in Input) (Plan, error) {
	return c.Classify(in.Text), nil
}

// Classify maps text to a plan. Weather vocabulary wins over detail
// vocabulary, which wins over location vocabulary.
func (c *Classifier) Classify(text string) Plan {
	text = strings.TrimSpace(text)
	lower := " " + strings.Join(strings.Fields(strings.ToLower(stripPunct(text))), " ") + " "

	var intent Intent
	switch {
	case containsAny(lower, weatherKeywords):
		intent = IntentWeather
	case containsAny(lower, detailKeywords):
		intent = IntentPlaceDetails
	case containsAny(lower, locationKeywords):
		intent = IntentPlace
	default:
		return Plan{Intent: IntentAnswer, Answer: helpAnswer, Source: c.Name()}
	}

	if coords, literal, ok := ExtractCoordinates(text); ok {
		p := Plan{Intent: intent, Place: literal, Coordinates: &coords, Source: c.Name()}
		if intent == IntentPlaceDetails {
			p.Query = text
		}
		return p
	}

	place := ExtractPlace(text)
	if place == "" {
		return Plan{Intent: IntentAnswer, Answer: "Which place do you mean?", Source: c.Name()}
	}
	p := Plan{Intent: intent, Place: place, Source: c.Name()}
	if intent == IntentPlaceDetails {
		p.Query = text
	}
	return p
}

// ExtractCoordinates finds a literal "lat, lng" pair within range.
func ExtractCoordinates(text string) (Coordinates, string, bool) {
	m := coordinatePattern.FindStringSubmatch(text)
	if m == nil {
		return Coordinates{}, "", false
	}
	lat, err1 := strconv.ParseFloat(m[1], 64)
	lng, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return Coordinates{}, "", false
	}
	return Coordinates{Latitude: lat, Longitude: lng}, m[1] + ", " + m[2], true
}

// ExtractPlace pulls the place phrase out of a request.
func ExtractPlace(text string) string {
	text = stripPunct(strings.TrimSpace(text))
	for _, re := range placePatterns {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		if place := cleanPlace(m[1]); place != "" {
			return place
		}
	}
	return ""
}

func cleanPlace(s string) string {
	s = strings.TrimSpace(s)
	// The generic preposition rule can capture "tomorrow in Paris".
	for {
		prev := s
		s = trailingNoise.ReplaceAllString(s, "")
		s = leadingNoise.ReplaceAllString(s, "")
		s = strings.TrimSpace(s)
		if s == prev {
			break
		}
	}
	lower := strings.ToLower(s)
	for _, lead := range []string{"the weather in ", "the weather at ", "weather in ", "the "} {
		if strings.HasPrefix(lower, lead) {
			s = s[len(lead):]
			lower = lower[len(lead):]
		}
	}
	switch lower {
	case "", "it", "there", "here", "me", "the weather", "weather":
		return ""
	}
	if first, _, _ := strings.Cut(lower, " "); questionWords[first] {
		return ""
	}
	return strings.TrimSpace(s)
}

func stripPunct(s string) string {
	return strings.TrimRight(s, "?!.,;: ")
}

func containsAny(padded string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(padded, " "+kw+" ") {
			return true
		}
	}
	return false
}
