package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	appLog "conseries/internal/log"
	"conseries/internal/locale"
	"conseries/internal/model"
)

const (
	DefaultFanconsCalendarURL = "https://furrycons.com/calendar/calendar.php"
	DefaultFanconsMapURL      = "https://furrycons.com/calendar/map/yc-maps/map-upcoming.xml"
	FanconsSource             = "fancons.com"
)

// FanconsConfig configures the convention calendar scraper.
type FanconsConfig struct {
	CalendarURL string
	MapURL      string
	// Sources tags every observation. Defaults to FanconsSource.
	Sources []string
}

// Fancons scrapes a convention calendar that publishes schema.org Event
// entries as JSON-LD, plus a marker map with coordinates per listing. One
// calendar covers many series; each observation is routed by a series id
// slugified from the listing name.
type Fancons struct {
	cfg     FanconsConfig
	fetcher *Fetcher
}

func NewFancons(cfg FanconsConfig, fetcher *Fetcher) *Fancons {
	if cfg.CalendarURL == "" {
		cfg.CalendarURL = DefaultFanconsCalendarURL
	}
	if cfg.MapURL == "" {
		cfg.MapURL = DefaultFanconsMapURL
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = []string{FanconsSource}
	}
	return &Fancons{cfg: cfg, fetcher: fetcher}
}

func (f *Fancons) Name() string { return "fancons" }

// ldEvent is the subset of a schema.org Event the calendar fills in.
type ldEvent struct {
	Context     string `json:"@context"`
	Type        string `json:"@type"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	EventStatus string `json:"eventStatus"`
	Location    struct {
		Name    string `json:"name"`
		Address struct {
			AddressLocality string `json:"addressLocality"`
			AddressRegion   string `json:"addressRegion"`
			AddressCountry  string `json:"addressCountry"`
		} `json:"address"`
	} `json:"location"`
}

type markerDoc struct {
	Markers []struct {
		ID  string  `xml:"id,attr"`
		Lat float64 `xml:"lat,attr"`
		Lng float64 `xml:"lng,attr"`
	} `xml:"marker"`
}

var fanconsIDPattern = regexp.MustCompile(`/event/(\d+)/`)

func (f *Fancons) Observe(ctx context.Context) ([]model.ObservedEvent, error) {
	var (
		entries []ldEvent
		markers map[string]model.LatLng
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		body, err := f.fetcher.Get(gctx, f.cfg.CalendarURL)
		if err != nil {
			return err
		}
		entries, err = parseLDEvents(body)
		return err
	})
	g.Go(func() error {
		body, err := f.fetcher.Get(gctx, f.cfg.MapURL)
		if err != nil {
			return err
		}
		markers, err = parseMarkers(body)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]model.ObservedEvent, 0, len(entries))
	for _, e := range entries {
		o, err := f.observation(e, markers)
		if err != nil {
			appLog.Warn("fancons entry skipped", "name", e.Name, "reason", err.Error())
			continue
		}
		out = append(out, o)
	}

	appLog.Info("fancons observed", "entries", len(entries), "observations", len(out), "markers", len(markers))
	return out, nil
}

func (f *Fancons) observation(e ldEvent, markers map[string]model.LatLng) (model.ObservedEvent, error) {
	start, err := model.ParseDate(e.StartDate)
	if err != nil {
		return model.ObservedEvent{}, err
	}
	end, err := model.ParseDate(e.EndDate)
	if err != nil {
		return model.ObservedEvent{}, err
	}

	addr := e.Location.Address
	country, ok := locale.RegionCode(addr.AddressCountry)
	if !ok {
		return model.ObservedEvent{}, fmt.Errorf("unknown country %q", addr.AddressCountry)
	}
	loc := locale.ForRegion(country)

	prefix, n, numbered := trailingNumber(e.Name)
	seriesID := locale.Slugify(prefix, loc)
	if seriesID == "" {
		return model.ObservedEvent{}, fmt.Errorf("no series id for %q", e.Name)
	}

	o := model.ObservedEvent{
		SeriesID:   seriesID,
		SeriesName: prefix,
		Name:       e.Name,
		URL:        e.URL,
		StartDate:  start,
		EndDate:    end,
		Venue:      e.Location.Name,
		Address:    joinNonEmpty(", ", addr.AddressLocality, addr.AddressRegion, addr.AddressCountry),
		Country:    country,
		Locale:     loc,
		Canceled:   canceledStatus(e.EventStatus),
		Sources:    cloneSources(f.cfg.Sources),

		UsePlaceName: true,
	}
	// A trailing numeral other than the start year numbers the edition.
	if numbered && n != start.Year {
		o.Edition = n
	}
	if m := fanconsIDPattern.FindStringSubmatch(e.URL); m != nil {
		if ll, ok := markers[m[1]]; ok {
			o.LatLng = &ll
		}
	}
	return o, nil
}

// canceledStatus reports whether a schema.org eventStatus means the
// edition will not take place as listed.
func canceledStatus(status string) bool {
	switch strings.TrimPrefix(strings.TrimPrefix(status, "https://schema.org/"), "http://schema.org/") {
	case "", "EventScheduled", "EventRescheduled":
		return false
	default:
		return true
	}
}

// parseLDEvents collects the schema.org Events from every JSON-LD script
// of an HTML page.
func parseLDEvents(page []byte) ([]ldEvent, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("fancons: parse calendar: %w", err)
	}

	var events []ldEvent
	for n := range doc.Descendants() {
		if n.Type != html.ElementNode || n.DataAtom != atom.Script || attr(n, "type") != "application/ld+json" {
			continue
		}
		trimmed := strings.TrimSpace(strings.ReplaceAll(html.UnescapeString(textContent(n)), "\n", " "))
		if trimmed == "" {
			continue
		}

		var raw []json.RawMessage
		if strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
				appLog.Warn("fancons json-ld unreadable", "reason", err.Error())
				continue
			}
		} else {
			raw = []json.RawMessage{json.RawMessage(trimmed)}
		}

		for _, r := range raw {
			var e ldEvent
			if err := json.Unmarshal(r, &e); err != nil {
				appLog.Warn("fancons json-ld entry unreadable", "reason", err.Error())
				continue
			}
			if !isSchemaOrg(e.Context) || e.Type != "Event" {
				continue
			}
			events = append(events, e)
		}
	}
	return events, nil
}

func isSchemaOrg(vocab string) bool {
	switch strings.TrimSuffix(vocab, "/") {
	case "http://schema.org", "https://schema.org":
		return true
	}
	return false
}

func parseMarkers(body []byte) (map[string]model.LatLng, error) {
	var doc markerDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("fancons: parse marker map: %w", err)
	}
	markers := make(map[string]model.LatLng, len(doc.Markers))
	for _, m := range doc.Markers {
		markers[m.ID] = model.LatLng{Lat: m.Lat, Lng: m.Lng}
	}
	return markers, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	for d := range n.Descendants() {
		if d.Type == html.TextNode {
			b.WriteString(d.Data)
		}
	}
	return b.String()
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
