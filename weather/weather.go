// Package weather implements engine.WeatherSource against a MET-Norway
// Location Forecast-shaped JSON API, in the same client style as
// meteo.Client: a plain net/http GET with a required User-Agent header,
// decoded with encoding/json. PV output is derived from forecast cloud
// cover and the sun's altitude (sixdouglas/suncalc), scaled by the site's
// rated array size; house load is a configured base load raised in cold
// weather, since the reference forecast API has no consumption signal of
// its own.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sixdouglas/suncalc"
)

const requestTimeout = 15 * time.Second

// forecast mirrors the slice of METJSONForecast fields the planner needs:
// one instant per timeseries entry, cloud cover plus air temperature.
type forecast struct {
	Properties struct {
		Timeseries []timeseriesEntry `json:"timeseries"`
	} `json:"properties"`
}

type timeseriesEntry struct {
	Time time.Time `json:"time"`
	Data struct {
		Instant struct {
			Details struct {
				CloudAreaFraction float64 `json:"cloud_area_fraction"`
				AirTemperature    float64 `json:"air_temperature"`
			} `json:"details"`
		} `json:"instant"`
	} `json:"data"`
}

// Client is a location-forecast-backed engine.WeatherSource.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string

	Latitude       float64
	Longitude      float64
	ArrayRatedKWp  float64 // nameplate PV capacity
	BaseHouseLoadKW float64
}

// NewClient builds a weather client for the given site coordinates.
// userAgent must identify the application per MET Norway's terms of use,
// mirroring meteo.NewClient's required parameter.
func NewClient(userAgent string, lat, lon, arrayRatedKWp, baseHouseLoadKW float64) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: requestTimeout},
		baseURL:         "https://api.met.no/weatherapi/locationforecast/2.0/compact",
		userAgent:       userAgent,
		Latitude:        lat,
		Longitude:       lon,
		ArrayRatedKWp:   arrayRatedKWp,
		BaseHouseLoadKW: baseHouseLoadKW,
	}
}

func (c *Client) fetch(ctx context.Context) (*forecast, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("lat", strconv.FormatFloat(c.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(c.Longitude, 'f', -1, 64))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("weather: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("weather: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var f forecast
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("weather: decode: %w", err)
	}
	return &f, nil
}

// PVForecastKW satisfies engine.WeatherSource: 96 15-minute PV estimates
// starting at now, clear-sky output scaled by (1 - cloud_area_fraction/100)
// and by the sun's altitude above the horizon, zero while the sun is down.
func (c *Client) PVForecastKW(ctx context.Context, now time.Time) ([]float64, error) {
	f, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(f.Properties.Timeseries) == 0 {
		return nil, fmt.Errorf("weather: empty forecast")
	}

	out := make([]float64, 96)
	for i := range out {
		t := now.Add(time.Duration(i) * 15 * time.Minute)
		cloudFrac := nearestCloudFraction(f, t)
		out[i] = c.clearSkyKW(t) * (1 - cloudFrac/100)
	}
	return out, nil
}

// LoadForecastKW satisfies engine.WeatherSource. The reference forecast
// feed carries no consumption signal, so this returns the configured
// base load nudged up in cold weather (space heating), the way a simple
// degree-day proxy would.
func (c *Client) LoadForecastKW(ctx context.Context, now time.Time) ([]float64, error) {
	f, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]float64, 96)
	for i := range out {
		t := now.Add(time.Duration(i) * 15 * time.Minute)
		temp := nearestAirTemp(f, t)
		load := c.BaseHouseLoadKW
		if temp < 5 {
			load += (5 - temp) * 0.05
		}
		out[i] = load
	}
	return out, nil
}

// SolarAltitudeDeg satisfies engine.WeatherSource, used by the buffer
// calculator's independent cross-check of the forecast's plausibility.
func (c *Client) SolarAltitudeDeg(now time.Time) float64 {
	pos := suncalc.GetPosition(now, c.Latitude, c.Longitude)
	return pos.Altitude * 180 / 3.141592653589793
}

// clearSkyKW estimates unobstructed PV output at t from solar altitude,
// ramping the rated array capacity by sin(altitude) and zeroing out
// below the horizon.
func (c *Client) clearSkyKW(t time.Time) float64 {
	altitudeDeg := c.SolarAltitudeDeg(t)
	if altitudeDeg <= 0 {
		return 0
	}
	sinAlt := math.Sin(altitudeDeg * math.Pi / 180)
	if sinAlt > 1 {
		sinAlt = 1
	}
	return c.ArrayRatedKWp * sinAlt
}

func nearestCloudFraction(f *forecast, t time.Time) float64 {
	entry := nearestEntry(f, t)
	if entry == nil {
		return 50
	}
	return entry.Data.Instant.Details.CloudAreaFraction
}

func nearestAirTemp(f *forecast, t time.Time) float64 {
	entry := nearestEntry(f, t)
	if entry == nil {
		return 15
	}
	return entry.Data.Instant.Details.AirTemperature
}

func nearestEntry(f *forecast, t time.Time) *timeseriesEntry {
	best := -1
	bestDiff := time.Duration(1<<63 - 1)
	for i, e := range f.Properties.Timeseries {
		diff := e.Time.Sub(t)
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	return &f.Properties.Timeseries[best]
}
