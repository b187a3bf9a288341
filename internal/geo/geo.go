// Package geo resolves place names to coordinates using the Open-Meteo
// geocoding API.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/capability"
)

const (
	CapabilityName = "get_place_location"
	DefaultBaseURL = "https://geocoding-api.open-meteo.com/v1/search"
)

// Place is a resolved location.
type Place struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country,omitempty"`
	Admin1    string  `json:"admin1,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
}

// Fields renders p as a result map. Coordinates stay float64 so that a
// dependent step receives exactly these values.
func (p Place) Fields() map[string]any {
	m := map[string]any{
		"name":      p.Name,
		"latitude":  p.Latitude,
		"longitude": p.Longitude,
	}
	if p.Country != "" {
		m["country"] = p.Country
	}
	if p.Admin1 != "" {
		m["admin1"] = p.Admin1
	}
	if p.Timezone != "" {
		m["timezone"] = p.Timezone
	}
	return m
}

// Client talks to the geocoding API, consulting fixed places and the cache
// first.
type Client struct {
	baseURL string
	http    *http.Client
	cache   Cache
	fixed   map[string]Place
	logger  zerolog.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l.With().Str("component", "geo").Logger() }
}

// WithFixedPlaces adds places that resolve without a network call
// (landmarks the gazetteer does not know, test fixtures).
func WithFixedPlaces(places map[string]Place) Option {
	return func(c *Client) {
		for k, p := range places {
			if p.Name == "" {
				p.Name = k
			}
			c.fixed[normalize(k)] = p
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		fixed:   map[string]Place{},
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type searchResponse struct {
	Results []Place `json:"results"`
}

// Locate resolves name. An unknown place is a domain error.
func (c *Client) Locate(ctx context.Context, name string) (Place, error) {
	key := normalize(name)
	if key == "" {
		return Place{}, capability.Errorf(capability.KindValidation, "place name is empty")
	}
	if p, ok := c.fixed[key]; ok {
		return p, nil
	}
	if c.cache != nil {
		p, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Str("place", key).Msg("cache read failed")
		} else if ok {
			return p, nil
		}
	}

	p, err := c.search(ctx, name)
	if err != nil {
		return Place{}, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, p); err != nil {
			c.logger.Warn().Err(err).Str("place", key).Msg("cache write failed")
		}
	}
	return p, nil
}

func (c *Client) search(ctx context.Context, name string) (Place, error) {
	q := url.Values{}
	q.Set("name", strings.TrimSpace(name))
	q.Set("count", "1")
	q.Set("language", "en")
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Place{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Place{}, upstreamError("geocoding", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Place{}, capability.Errorf(capability.KindTransport, "geocoding read failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Place{}, capability.Errorf(capability.KindTransport, "geocoding service returned HTTP %d", resp.StatusCode)
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Place{}, capability.Errorf(capability.KindTransport, "geocoding response unreadable: %v", err)
	}
	if len(sr.Results) == 0 {
		return Place{}, capability.Errorf(capability.KindDomain, "Could not find coordinates for: %s", strings.TrimSpace(name))
	}
	return sr.Results[0], nil
}

type locateArgs struct {
	PlaceName string `json:"place_name" validate:"required,max=200"`
}

// Definition exposes Locate as the location-resolution capability.
func (c *Client) Definition() capability.Definition {
	return capability.Definition{
		Descriptor: capability.Descriptor{
			Name:        CapabilityName,
			Description: "Resolve a place name (city, address or landmark) to latitude and longitude.",
			Parameters: []capability.Parameter{
				{Name: "place_name", Type: "string", Description: "Name of the place to locate", Required: true},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var a locateArgs
			if err := capability.Bind(args, &a); err != nil {
				return nil, err
			}
			p, err := c.Locate(ctx, a.PlaceName)
			if err != nil {
				return nil, err
			}
			return p.Fields(), nil
		},
	}
}

// upstreamError classifies a failed call to a third-party API: cancellation
// stays cancellation, everything else is transport.
func upstreamError(service string, err error) error {
	kind := capability.KindTransport
	if errors.Is(err, context.Canceled) {
		kind = capability.KindCancelled
	}
	return &capability.Error{Kind: kind, Message: fmt.Sprintf("%s request failed: %v", service, err), Err: err}
}

func normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
