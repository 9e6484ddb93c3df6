// Package geocode resolves venue names to addresses and coordinates.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"conseries/internal/locale"
	appLog "conseries/internal/log"
	"conseries/internal/model"
)

// ErrNotFound is returned when a query has no match.
var ErrNotFound = errors.New("geocode: no results")

const DefaultBaseURL = "https://maps.googleapis.com/maps/api/place"

// Places resolves venues with the Places autocomplete and details
// endpoints. Each lookup runs in its own autocomplete session.
type Places struct {
	apiKey   string
	baseURL  string
	language string
	client   *http.Client
}

// Config carries the explicit settings for Places.
type Config struct {
	APIKey   string
	BaseURL  string
	Language string
}

func NewPlaces(cfg Config) *Places {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Places{
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(base, "/"),
		language: cfg.Language,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type autocompleteResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Predictions  []struct {
		PlaceID string `json:"place_id"`
	} `json:"predictions"`
}

type detailsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Result       struct {
		Name             string `json:"name"`
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
		AddressComponents []struct {
			ShortName string   `json:"short_name"`
			Types     []string `json:"types"`
		} `json:"address_components"`
	} `json:"result"`
}

// Resolve takes the first autocomplete prediction for query and returns its
// details. regionHint is an ISO 3166 code used to bias predictions.
//
// Details come in the configured language, or in the likely language of
// regionHint when none is configured. A result in another language than
// English is looked up a second time in English for the translations.
func (p *Places) Resolve(ctx context.Context, query, regionHint string) (model.Place, error) {
	session := uuid.NewString()

	q := url.Values{}
	q.Set("input", query)
	q.Set("sessiontoken", session)
	q.Set("key", p.apiKey)
	if regionHint != "" {
		q.Set("region", strings.ToLower(regionHint))
	}

	var ac autocompleteResponse
	if err := p.getJSON(ctx, "/autocomplete/json", q, &ac); err != nil {
		return model.Place{}, err
	}
	if err := statusError(ac.Status, ac.ErrorMessage); err != nil {
		return model.Place{}, err
	}
	if len(ac.Predictions) == 0 {
		return model.Place{}, ErrNotFound
	}

	placeID := ac.Predictions[0].PlaceID
	lang := p.language
	if lang == "" {
		lang = locale.ForRegion(regionHint)
	}

	det, err := p.details(ctx, placeID, session, lang, "name,formatted_address,geometry/location,address_component")
	if err != nil {
		return model.Place{}, err
	}

	r := det.Result
	place := model.Place{
		Name:    r.Name,
		Address: r.FormattedAddress,
		LatLng:  &model.LatLng{Lat: r.Geometry.Location.Lat, Lng: r.Geometry.Location.Lng},
	}
	for _, c := range r.AddressComponents {
		for _, t := range c.Types {
			if t == "country" {
				place.CountryCode = c.ShortName
			}
		}
	}

	if lang != "" && !isEnglish(lang) {
		en, err := p.details(ctx, placeID, session, "en", "name,formatted_address")
		if err != nil {
			return model.Place{}, err
		}
		place.EnglishName = en.Result.Name
		place.EnglishAddress = en.Result.FormattedAddress
	}

	appLog.Debug("geocode resolved", "query", query, "address", place.Address, "country", place.CountryCode, "language", lang)
	return place, nil
}

func (p *Places) details(ctx context.Context, placeID, session, lang, fields string) (detailsResponse, error) {
	q := url.Values{}
	q.Set("place_id", placeID)
	q.Set("sessiontoken", session)
	q.Set("fields", fields)
	q.Set("key", p.apiKey)
	if lang != "" {
		q.Set("language", lang)
	}

	var det detailsResponse
	if err := p.getJSON(ctx, "/details/json", q, &det); err != nil {
		return detailsResponse{}, err
	}
	if err := statusError(det.Status, det.ErrorMessage); err != nil {
		return detailsResponse{}, err
	}
	return det, nil
}

func isEnglish(lang string) bool {
	base, _ := locale.Tag(lang).Base()
	return base.String() == "en"
}

func (p *Places) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("geocode: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geocode: %s: unexpected status %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("geocode: %s: decode: %w", path, err)
	}
	return nil
}

func statusError(status, msg string) error {
	switch status {
	case "", "OK":
		return nil
	case "ZERO_RESULTS", "NOT_FOUND":
		return ErrNotFound
	default:
		if msg != "" {
			return fmt.Errorf("geocode: %s: %s", status, msg)
		}
		return fmt.Errorf("geocode: %s", status)
	}
}
