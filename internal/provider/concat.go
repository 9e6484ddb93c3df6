package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	appLog "conseries/internal/log"
	"conseries/internal/locale"
	"conseries/internal/model"
)

// ConCatConfig configures a ConCat registration system.
type ConCatConfig struct {
	SeriesID string
	// URL is the registration site, e.g. https://reg.example.org.
	URL string
}

// ConCat reads the conventions a ConCat instance announces in its public
// /api/config document. It is the primary provider for its series.
type ConCat struct {
	cfg     ConCatConfig
	fetcher *Fetcher
}

func NewConCat(cfg ConCatConfig, fetcher *Fetcher) *ConCat {
	return &ConCat{cfg: cfg, fetcher: fetcher}
}

func (c *ConCat) Name() string { return "concat:" + c.cfg.SeriesID }

type concatConfigDoc struct {
	Organization struct {
		Country string `json:"country"`
	} `json:"organization"`
	Conventions []struct {
		Domain   string `json:"domain"`
		LongName string `json:"longName"`
		Venue    string `json:"venue"`
		StartAt  string `json:"startAt"`
		EndAt    string `json:"endAt"`
	} `json:"conventions"`
}

func (c *ConCat) Observe(ctx context.Context) ([]model.ObservedEvent, error) {
	base, err := url.Parse(c.cfg.URL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("concat: invalid url %q", c.cfg.URL)
	}

	var doc concatConfigDoc
	if err := c.fetcher.GetJSON(ctx, strings.TrimRight(c.cfg.URL, "/")+"/api/config", &doc); err != nil {
		return nil, err
	}

	country := strings.ToUpper(doc.Organization.Country)
	out := make([]model.ObservedEvent, 0, len(doc.Conventions))
	for _, conv := range doc.Conventions {
		// One instance may host several organizations' conventions.
		if !strings.HasSuffix(conv.Domain, base.Host) {
			continue
		}

		o := model.ObservedEvent{
			SeriesID: c.cfg.SeriesID,
			Name:     conv.LongName,
			URL:      c.cfg.URL,
			Venue:    conv.Venue,
		}
		if country != "" {
			o.Country = country
			o.Locale = locale.ForRegion(country)
		}
		// Unreadable timestamps leave the dates zero for the pre-filter.
		if o.StartDate, err = parseOffsetDate(conv.StartAt); err != nil {
			appLog.Warn("concat start date unreadable", "series", c.cfg.SeriesID, "value", conv.StartAt)
		}
		if o.EndDate, err = parseOffsetDate(conv.EndAt); err != nil {
			appLog.Warn("concat end date unreadable", "series", c.cfg.SeriesID, "value", conv.EndAt)
		}
		if _, n, ok := trailingNumber(conv.LongName); ok {
			o.Edition = n
		}
		out = append(out, o)
	}

	appLog.Info("concat observed", "series", c.cfg.SeriesID, "conventions", len(out))
	return out, nil
}
