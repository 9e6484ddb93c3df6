package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"conseries/internal/geocode"
	appLog "conseries/internal/log"
	"conseries/internal/model"
)

// Geocoder resolves a free-form venue query to a place. It returns an error
// wrapping geocode.ErrNotFound when nothing matches.
type Geocoder interface {
	Resolve(ctx context.Context, query, regionHint string) (model.Place, error)
}

// CoordinateCorrector maps coordinates returned for a country into WGS-84.
type CoordinateCorrector func(countryCode string, ll model.LatLng) model.LatLng

// VenueDetails is what the cache knows about a venue. Address and LatLng
// both empty is a recorded miss. Name is the geocoder's name for the place;
// the English fields are set for places named in another language.
type VenueDetails struct {
	Name    string
	Address string
	LatLng  *model.LatLng

	EnglishName    string
	EnglishAddress string
}

func (d VenueDetails) empty() bool {
	return d.Address == "" && d.LatLng == nil
}

// VenueQuery names a venue to resolve. Address and Region only refine the
// geocoder query; the cache is keyed by Venue alone.
type VenueQuery struct {
	Venue   string
	Address string
	Region  string
}

// VenueCache memoizes venue details for one run so no venue is geocoded
// twice. It is not safe for concurrent use.
type VenueCache struct {
	entries  map[string]VenueDetails
	geocoder Geocoder
	correct  CoordinateCorrector
	calls    int
}

// NewVenueCache returns an empty cache. geocoder may be nil, in which case
// every miss is recorded as empty; correct may be nil for no correction.
func NewVenueCache(geocoder Geocoder, correct CoordinateCorrector) *VenueCache {
	return &VenueCache{
		entries:  make(map[string]VenueDetails),
		geocoder: geocoder,
		correct:  correct,
	}
}

// Seed records the venue details of every stored edition. Editions are
// scanned oldest first, so the most recent edition wins for a venue that
// appears more than once.
func (c *VenueCache) Seed(s *model.Series) {
	for i := len(s.Events) - 1; i >= 0; i-- {
		e := s.Events[i]
		if e.Venue == "" {
			continue
		}
		d := VenueDetails{Name: e.Venue, Address: e.Address, LatLng: e.LatLng}
		if raw, ok := e.Extra("translations"); ok {
			var tr map[string]map[string]any
			if json.Unmarshal(raw, &tr) == nil {
				d.EnglishName, _ = tr["en"]["venue"].(string)
				d.EnglishAddress, _ = tr["en"]["address"].(string)
			}
		}
		c.entries[e.Venue] = d
	}
}

func (c *VenueCache) Lookup(venue string) (VenueDetails, bool) {
	d, ok := c.entries[venue]
	return d, ok
}

// Store records details for a venue unless it already has some. A recorded
// miss is replaced.
func (c *VenueCache) Store(venue string, d VenueDetails) {
	if venue == "" || d.empty() {
		return
	}
	if known, ok := c.entries[venue]; ok && !known.empty() {
		return
	}
	c.entries[venue] = d
}

// GeocodeCalls reports how many times the geocoder was consulted.
func (c *VenueCache) GeocodeCalls() int {
	return c.calls
}

// Resolve returns cached details for q.Venue, geocoding on a miss. A
// geocode without results is cached as an empty entry and is not an error;
// any other geocoder failure is a fetch failure.
func (c *VenueCache) Resolve(ctx context.Context, q VenueQuery) (VenueDetails, error) {
	if d, ok := c.entries[q.Venue]; ok {
		return d, nil
	}

	if c.geocoder == nil {
		appLog.Warn("no geocoder configured; recording venue without details", "venue", q.Venue)
		c.entries[q.Venue] = VenueDetails{}
		return VenueDetails{}, nil
	}

	query := joinNonEmpty(", ", q.Venue, q.Address)
	appLog.Info("geocoding required", "venue", q.Venue, "query", query, "region", q.Region)
	c.calls++

	place, err := c.geocoder.Resolve(ctx, query, q.Region)
	if err != nil {
		if errors.Is(err, geocode.ErrNotFound) {
			appLog.Info("geocode returned no results", "venue", q.Venue)
			c.entries[q.Venue] = VenueDetails{}
			return VenueDetails{}, nil
		}
		return VenueDetails{}, fmt.Errorf("%w: geocode %q: %w", ErrFetch, q.Venue, err)
	}

	d := VenueDetails{
		Name:           place.Name,
		Address:        place.Address,
		EnglishName:    place.EnglishName,
		EnglishAddress: place.EnglishAddress,
	}
	if place.LatLng != nil {
		ll := *place.LatLng
		country := place.CountryCode
		if country == "" {
			country = q.Region
		}
		if c.correct != nil {
			ll = c.correct(country, ll)
		}
		d.LatLng = &ll
	}
	c.entries[q.Venue] = d
	return d, nil
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
