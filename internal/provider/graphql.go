package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "conseries/internal/log"
	"conseries/internal/model"
)

const listAllEventsQuery = `query listAllEvents($nextToken: String) {
  listAllEvents(nextToken: $nextToken) {
    items {
      id
      visible
      enabled
      title
      title_short
      date_event_start
      date_event_end
      display_timezone
      url_key
    }
    nextToken
  }
}`

// maxGraphQLPages bounds nextToken paging against a server that never
// stops returning tokens.
const maxGraphQLPages = 100

// GraphQLConfig configures an event platform exposing listAllEvents.
type GraphQLConfig struct {
	SeriesID string
	// Endpoint is the platform's base URL.
	Endpoint string
	// APIKey authorizes GraphQL requests. Ignored when Discover is set.
	APIKey string
	// Prefix selects the events of this series by url_key.
	Prefix string
	// Discover reads the GraphQL endpoint and key from
	// {Endpoint}/_config/system.json and each event's timezone from
	// {Endpoint}/_config/app/{id}.json.
	Discover bool
	Sources  []string
}

// GraphQL pages through listAllEvents and keeps the events whose url_key
// starts with the configured prefix.
type GraphQL struct {
	cfg     GraphQLConfig
	fetcher *Fetcher
}

func NewGraphQL(cfg GraphQLConfig, fetcher *Fetcher) *GraphQL {
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &GraphQL{cfg: cfg, fetcher: fetcher}
}

func (g *GraphQL) Name() string { return "graphql:" + g.cfg.SeriesID }

type gqlItem struct {
	ID              string  `json:"id"`
	Visible         *bool   `json:"visible"`
	Enabled         *bool   `json:"enabled"`
	Title           string  `json:"title"`
	TitleShort      string  `json:"title_short"`
	DateEventStart  int64   `json:"date_event_start"`
	DateEventEnd    int64   `json:"date_event_end"`
	DisplayTimezone *string `json:"display_timezone"`
	URLKey          string  `json:"url_key"`
}

type gqlResponse struct {
	Data struct {
		ListAllEvents struct {
			Items     []gqlItem `json:"items"`
			NextToken *string   `json:"nextToken"`
		} `json:"listAllEvents"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type systemConfig struct {
	GraphQL struct {
		Endpoint string `json:"endpoint"`
		APIKey   string `json:"api_key"`
	} `json:"graphql"`
}

type appConfig struct {
	Core struct {
		Locale struct {
			Timezone string `json:"timezone"`
		} `json:"locale"`
	} `json:"core"`
}

func (g *GraphQL) Observe(ctx context.Context) ([]model.ObservedEvent, error) {
	endpoint, apiKey := g.cfg.Endpoint+"/graphql", g.cfg.APIKey
	if g.cfg.Discover {
		var sys systemConfig
		if err := g.fetcher.GetJSON(ctx, g.cfg.Endpoint+"/_config/system.json", &sys); err != nil {
			return nil, err
		}
		if sys.GraphQL.Endpoint == "" {
			return nil, errors.New("graphql: system config has no graphql endpoint")
		}
		endpoint, apiKey = sys.GraphQL.Endpoint, sys.GraphQL.APIKey
	}

	items, err := g.listAllEvents(ctx, endpoint, apiKey)
	if err != nil {
		return nil, err
	}

	zones, err := g.timezones(ctx, items)
	if err != nil {
		return nil, err
	}

	out := make([]model.ObservedEvent, 0, len(items))
	for _, it := range items {
		o := model.ObservedEvent{
			SeriesID: g.cfg.SeriesID,
			Name:     it.Title,
			Disabled: (it.Visible != nil && !*it.Visible) || (it.Enabled != nil && !*it.Enabled),
			Sources:  cloneSources(g.cfg.Sources),
		}
		// A zero timestamp means the platform has no date yet; the dates
		// stay zero and the pre-filter drops the observation.
		loc := zones[it.ID]
		if it.DateEventStart != 0 {
			o.StartDate = dateIn(time.Unix(it.DateEventStart, 0), loc)
		}
		if it.DateEventEnd != 0 {
			o.EndDate = dateIn(time.Unix(it.DateEventEnd, 0), loc)
		}
		out = append(out, o)
	}

	appLog.Info("graphql observed", "series", g.cfg.SeriesID, "events", len(out))
	return out, nil
}

func (g *GraphQL) listAllEvents(ctx context.Context, endpoint, apiKey string) ([]gqlItem, error) {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", apiKey)
	}

	var (
		items     []gqlItem
		nextToken *string
	)
	for page := 0; ; page++ {
		if page == maxGraphQLPages {
			return nil, fmt.Errorf("graphql: more than %d pages", maxGraphQLPages)
		}

		req := map[string]any{
			"operationName": "listAllEvents",
			"variables":     map[string]any{"nextToken": nextToken},
			"query":         listAllEventsQuery,
		}
		var resp gqlResponse
		if err := g.fetcher.PostJSON(ctx, endpoint, header, req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Errors) > 0 {
			msgs := make([]string, 0, len(resp.Errors))
			for _, e := range resp.Errors {
				msgs = append(msgs, e.Message)
			}
			return nil, fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
		}

		body := resp.Data.ListAllEvents
		for _, it := range body.Items {
			if it.URLKey == "default" || !strings.HasPrefix(it.URLKey, g.cfg.Prefix) {
				continue
			}
			items = append(items, it)
		}

		if body.NextToken == nil || *body.NextToken == "" {
			return items, nil
		}
		nextToken = body.NextToken
	}
}

// timezones resolves the display timezone of every item, reading per-event
// app configs concurrently when discovery is enabled.
func (g *GraphQL) timezones(ctx context.Context, items []gqlItem) (map[string]*time.Location, error) {
	var mu sync.Mutex
	zones := make(map[string]*time.Location, len(items))
	set := func(id, name string) {
		loc := time.UTC
		if name != "" {
			l, err := time.LoadLocation(name)
			if err != nil {
				appLog.Warn("graphql timezone unknown; using UTC", "series", g.cfg.SeriesID, "event", id, "timezone", name)
			} else {
				loc = l
			}
		}
		mu.Lock()
		zones[id] = loc
		mu.Unlock()
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, it := range items {
		if it.DisplayTimezone != nil && *it.DisplayTimezone != "" {
			set(it.ID, *it.DisplayTimezone)
			continue
		}
		if !g.cfg.Discover || it.ID == "" {
			set(it.ID, "")
			continue
		}
		eg.Go(func() error {
			var app appConfig
			if err := g.fetcher.GetJSON(egctx, g.cfg.Endpoint+"/_config/app/"+it.ID+".json", &app); err != nil {
				return err
			}
			set(it.ID, app.Core.Locale.Timezone)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return zones, nil
}
