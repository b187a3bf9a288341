// Package weather fetches current conditions from the Open-Meteo forecast API.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/capability"
)

const (
	CapabilityName = "get_weather"
	DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

	currentFields = "temperature_2m,apparent_temperature,relative_humidity_2m,wind_speed_10m,wind_gusts_10m,weather_code"
)

// Report is the current weather at a point.
type Report struct {
	Temperature float64
	FeelsLike   float64
	Humidity    float64
	WindSpeed   float64
	WindGust    float64
	Code        int
	Conditions  string
}

func (r Report) Fields() map[string]any {
	return map[string]any{
		"temperature": r.Temperature,
		"feelsLike":   r.FeelsLike,
		"humidity":    r.Humidity,
		"windSpeed":   r.WindSpeed,
		"windGust":    r.WindGust,
		"weatherCode": r.Code,
		"conditions":  r.Conditions,
	}
}

type Client struct {
	baseURL string
	http    *http.Client
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

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l.With().Str("component", "weather").Logger() }
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type forecastResponse struct {
	Current *struct {
		Temperature         float64 `json:"temperature_2m"`
		ApparentTemperature float64 `json:"apparent_temperature"`
		RelativeHumidity    float64 `json:"relative_humidity_2m"`
		WindSpeed           float64 `json:"wind_speed_10m"`
		WindGusts           float64 `json:"wind_gusts_10m"`
		WeatherCode         int     `json:"weather_code"`
	} `json:"current"`
	Reason string `json:"reason,omitempty"`
}

// Current returns the current conditions at the given coordinates.
func (c *Client) Current(ctx context.Context, lat, lng float64) (Report, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("current", currentFields)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Report{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		kind := capability.KindTransport
		if errors.Is(err, context.Canceled) {
			kind = capability.KindCancelled
		}
		return Report{}, &capability.Error{Kind: kind, Message: fmt.Sprintf("weather request failed: %v", err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Report{}, capability.Errorf(capability.KindTransport, "weather read failed: %v", err)
	}

	var fr forecastResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return Report{}, capability.Errorf(capability.KindTransport, "weather service returned HTTP %d", resp.StatusCode)
		}
		return Report{}, capability.Errorf(capability.KindTransport, "weather response unreadable: %v", err)
	}
	if resp.StatusCode == http.StatusBadRequest && fr.Reason != "" {
		return Report{}, capability.Errorf(capability.KindDomain, "Weather API rejected the request: %s", fr.Reason)
	}
	if resp.StatusCode != http.StatusOK {
		return Report{}, capability.Errorf(capability.KindTransport, "weather service returned HTTP %d", resp.StatusCode)
	}
	if fr.Current == nil {
		return Report{}, capability.Errorf(capability.KindDomain, "Weather API returned no 'current' data.")
	}

	cur := fr.Current
	return Report{
		Temperature: cur.Temperature,
		FeelsLike:   cur.ApparentTemperature,
		Humidity:    cur.RelativeHumidity,
		WindSpeed:   cur.WindSpeed,
		WindGust:    cur.WindGusts,
		Code:        cur.WeatherCode,
		Conditions:  Conditions(cur.WeatherCode),
	}, nil
}

type currentArgs struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

// Definition exposes Current as the weather capability.
func (c *Client) Definition() capability.Definition {
	return capability.Definition{
		Descriptor: capability.Descriptor{
			Name:        CapabilityName,
			Description: "Get the current weather (temperature, feels-like, humidity, wind, conditions) for coordinates.",
			Parameters: []capability.Parameter{
				{Name: "latitude", Type: "number", Description: "Latitude in decimal degrees", Required: true},
				{Name: "longitude", Type: "number", Description: "Longitude in decimal degrees", Required: true},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var a currentArgs
			if err := capability.Bind(args, &a); err != nil {
				return nil, err
			}
			r, err := c.Current(ctx, *a.Latitude, *a.Longitude)
			if err != nil {
				return nil, err
			}
			return r.Fields(), nil
		},
	}
}
