package importer

import (
	"fmt"
	"regexp"

	"conseries/internal/config"
	"conseries/internal/model"
	"conseries/internal/provider"
)

// namedSource renames a source to the name given in configuration.
type namedSource struct {
	provider.Source
	name string
}

func (n namedSource) Name() string { return n.name }

// BuildSources constructs the configured sources. loader backs the guess
// source.
func BuildSources(cfgs []config.SourceConfig, fetcher *provider.Fetcher, loader provider.SeriesLoader) ([]provider.Source, error) {
	out := make([]provider.Source, 0, len(cfgs))
	for i, sc := range cfgs {
		src, err := buildSource(sc, fetcher, loader)
		if err != nil {
			return nil, fmt.Errorf("importer: sources[%d] (%s): %w", i, sc.DisplayName(), err)
		}
		if sc.Name != "" {
			src = namedSource{Source: src, name: sc.Name}
		}
		out = append(out, src)
	}
	return out, nil
}

func buildSource(sc config.SourceConfig, fetcher *provider.Fetcher, loader provider.SeriesLoader) (provider.Source, error) {
	switch sc.Kind {
	case config.KindConCat:
		return provider.NewConCat(provider.ConCatConfig{SeriesID: sc.Series, URL: sc.URL}, fetcher), nil

	case config.KindFancons:
		return provider.NewFancons(provider.FanconsConfig{
			CalendarURL: sc.URL,
			MapURL:      sc.MapURL,
			Sources:     sc.Sources,
		}, fetcher), nil

	case config.KindGraphQL:
		return provider.NewGraphQL(provider.GraphQLConfig{
			SeriesID: sc.Series,
			Endpoint: sc.URL,
			APIKey:   sc.APIKey,
			Prefix:   sc.Prefix,
			Discover: sc.Discover,
			Sources:  sc.Sources,
		}, fetcher), nil

	case config.KindRAMS:
		rc := provider.RAMSConfig{
			SeriesID:   sc.Series,
			URL:        sc.URL,
			Title:      sc.Title,
			TitleClass: sc.TitleClass,
			DatesID:    sc.DatesID,
			Sources:    sc.Sources,
		}
		if loc := sc.Location; loc != nil {
			rc.Venue, rc.Address, rc.Country, rc.Locale = loc.Venue, loc.Address, loc.Country, loc.Locale
			if len(loc.LatLng) == 2 {
				rc.LatLng = &model.LatLng{Lat: loc.LatLng[0], Lng: loc.LatLng[1]}
			}
		}
		return provider.NewRAMS(rc, fetcher), nil

	case config.KindRegFox:
		return provider.NewRegFox(provider.RegFoxConfig{SeriesID: sc.Series, URL: sc.URL, Sources: sc.Sources}, nil), nil

	case config.KindICS:
		ic := provider.ICSConfig{
			SeriesID:    sc.Series,
			URL:         sc.URL,
			HorizonDays: sc.HorizonDays,
			Sources:     sc.Sources,
		}
		if sc.Match != "" {
			re, err := regexp.Compile(sc.Match)
			if err != nil {
				return nil, err
			}
			ic.Match = re
		}
		return provider.NewICS(ic, fetcher), nil

	case config.KindGuess:
		return provider.NewGuess(provider.GuessConfig{SeriesIDs: sc.SeriesIDs}, loader), nil
	}
	return nil, fmt.Errorf("unknown kind %q", sc.Kind)
}
