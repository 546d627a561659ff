package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultEndpoint is the public Nominatim search API.
const DefaultEndpoint = "https://nominatim.openstreetmap.org/search"

// Geocoder resolves an address. An unknown address is a Location with Found
// false and a nil error.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Location, error)
}

// Nominatim queries an OpenStreetMap Nominatim search endpoint.
type Nominatim struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

// NewNominatim creates a geocoder with a 10 second request timeout.
func NewNominatim(endpoint, userAgent string) *Nominatim {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Nominatim{
		Endpoint:  endpoint,
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type nominatimPlace struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (n *Nominatim) Geocode(ctx context.Context, address string) (Location, error) {
	query := url.Values{}
	query.Set("q", address)
	query.Set("format", "json")
	query.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return Location{}, fmt.Errorf("failed to build geocode request: %w", err)
	}
	if n.UserAgent != "" {
		req.Header.Set("User-Agent", n.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("geocode request failed: status %d", resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return Location{}, fmt.Errorf("failed to decode geocode response: %w", err)
	}
	if len(places) == 0 {
		return Location{}, nil
	}
	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid latitude %q: %w", places[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid longitude %q: %w", places[0].Lon, err)
	}
	return Location{Found: true, Latitude: lat, Longitude: lon}, nil
}

// CachedGeocoder consults Cache before Geocoder. When the full address cannot
// be resolved it retries with the text after the first comma, and caches the
// outcome under the original address.
type CachedGeocoder struct {
	Cache    Cache
	Geocoder Geocoder
	Logger   *zap.Logger
}

// NewCachedGeocoder wires a cache in front of geocoder.
func NewCachedGeocoder(cache Cache, geocoder Geocoder, logger *zap.Logger) *CachedGeocoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedGeocoder{Cache: cache, Geocoder: geocoder, Logger: logger}
}

func (g *CachedGeocoder) Lookup(ctx context.Context, address string) (Location, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Location{}, nil
	}

	cached, ok, err := g.Cache.Get(ctx, address)
	if err != nil {
		g.Logger.Warn("geocode cache read failed", zap.String("address", address), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	location, err := g.Geocoder.Geocode(ctx, address)
	if err != nil {
		return Location{}, err
	}
	if !location.Found {
		if _, rest, found := strings.Cut(address, ","); found && strings.TrimSpace(rest) != "" {
			location, err = g.Geocoder.Geocode(ctx, strings.TrimSpace(rest))
			if err != nil {
				return Location{}, err
			}
		}
	}

	if err := g.Cache.Put(ctx, address, location); err != nil {
		g.Logger.Warn("geocode cache write failed", zap.String("address", address), zap.Error(err))
	}
	return location, nil
}
