package provider

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	appLog "conseries/internal/log"
	"conseries/internal/model"
)

// RAMSConfig configures a RAMS registration landing page. The page only
// names the year and the dates, so the venue is fixed in configuration.
type RAMSConfig struct {
	SeriesID string
	// URL is the landing page, e.g. https://reg.example.org/landing/index.
	URL string
	// Title is the convention name as the page title spells it.
	Title string
	// TitleClass and DatesID locate the title element and the element
	// whose <strong> child holds the dates.
	TitleClass string
	DatesID    string

	Venue   string
	Address string
	Country string
	Locale  string
	LatLng  *model.LatLng
	Sources []string
}

// RAMS reads the next edition from a RAMS landing page.
type RAMS struct {
	cfg     RAMSConfig
	fetcher *Fetcher
	title   *regexp.Regexp
}

func NewRAMS(cfg RAMSConfig, fetcher *Fetcher) *RAMS {
	if cfg.TitleClass == "" {
		cfg.TitleClass = "landing-title"
	}
	if cfg.DatesID == "" {
		cfg.DatesID = "mff_read_more"
	}
	return &RAMS{
		cfg:     cfg,
		fetcher: fetcher,
		title:   regexp.MustCompile(`^\s*` + regexp.QuoteMeta(cfg.Title) + `\s+(\d{4})\s+Registration`),
	}
}

func (r *RAMS) Name() string { return "rams:" + r.cfg.SeriesID }

func (r *RAMS) Observe(ctx context.Context) ([]model.ObservedEvent, error) {
	body, err := r.fetcher.Get(ctx, r.cfg.URL)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rams: parse landing page: %w", err)
	}

	titleNode := findElement(doc, func(n *html.Node) bool { return hasClass(n, r.cfg.TitleClass) })
	datesNode := findElement(doc, func(n *html.Node) bool { return attr(n, "id") == r.cfg.DatesID })
	if titleNode == nil || datesNode == nil {
		return nil, fmt.Errorf("rams: landing page layout changed: title or dates element missing")
	}
	strong := findElement(datesNode, func(n *html.Node) bool { return n.Data == "strong" && n.Parent == datesNode })
	if strong == nil {
		return nil, fmt.Errorf("rams: landing page layout changed: no dates in #%s", r.cfg.DatesID)
	}

	title := strings.TrimSpace(textContent(titleNode))
	m := r.title.FindStringSubmatch(title)
	if m == nil {
		appLog.Warn("rams title does not announce an edition", "series", r.cfg.SeriesID, "title", title)
		return nil, nil
	}
	year, _ := strconv.Atoi(m[1])

	start, end, err := ParseRAMSDates(strings.TrimSpace(textContent(strong)), year)
	if err != nil {
		return nil, fmt.Errorf("rams: %w", err)
	}

	o := model.ObservedEvent{
		SeriesID:  r.cfg.SeriesID,
		Name:      r.cfg.Title + " " + m[1],
		URL:       r.cfg.URL,
		StartDate: start,
		EndDate:   end,
		Venue:     r.cfg.Venue,
		Address:   r.cfg.Address,
		Country:   r.cfg.Country,
		Locale:    r.cfg.Locale,
		Sources:   cloneSources(r.cfg.Sources),
	}
	if r.cfg.LatLng != nil {
		ll := *r.cfg.LatLng
		o.LatLng = &ll
	}
	appLog.Info("rams observed", "series", r.cfg.SeriesID, "start", start, "end", end)
	return []model.ObservedEvent{o}, nil
}

// ParseRAMSDates reads the date ranges RAMS prints: "November 28 -
// December 1", "July 3-6" and "July 3".
func ParseRAMSDates(s string, year int) (model.Date, model.Date, error) {
	var startMonth, startDay, endMonth, endDay string

	switch {
	case strings.Contains(s, " - "):
		a, b, _ := strings.Cut(s, " - ")
		var ok1, ok2 bool
		startMonth, startDay, ok1 = strings.Cut(strings.TrimSpace(a), " ")
		endMonth, endDay, ok2 = strings.Cut(strings.TrimSpace(b), " ")
		if !ok1 || !ok2 {
			return model.Date{}, model.Date{}, fmt.Errorf("unreadable dates %q", s)
		}
	case strings.Contains(s, "-"):
		month, rest, ok := strings.Cut(s, " ")
		if !ok {
			return model.Date{}, model.Date{}, fmt.Errorf("unreadable dates %q", s)
		}
		startMonth, endMonth = month, month
		startDay, endDay, _ = strings.Cut(rest, "-")
	default:
		month, day, ok := strings.Cut(s, " ")
		if !ok {
			return model.Date{}, model.Date{}, fmt.Errorf("unreadable dates %q", s)
		}
		startMonth, endMonth = month, month
		startDay, endDay = day, day
	}

	start, err := monthDay(year, startMonth, startDay)
	if err != nil {
		return model.Date{}, model.Date{}, err
	}
	end, err := monthDay(year, endMonth, endDay)
	if err != nil {
		return model.Date{}, model.Date{}, err
	}
	return start, end, nil
}

func monthDay(year int, month, day string) (model.Date, error) {
	m, err := time.Parse("January", strings.TrimSpace(month))
	if err != nil {
		return model.Date{}, fmt.Errorf("unknown month %q", month)
	}
	d, err := strconv.Atoi(strings.TrimSpace(day))
	if err != nil || d < 1 || d > 31 {
		return model.Date{}, fmt.Errorf("invalid day %q", day)
	}
	return model.NewDate(year, m.Month(), d), nil
}

func findElement(root *html.Node, match func(*html.Node) bool) *html.Node {
	for n := range root.Descendants() {
		if n.Type == html.ElementNode && match(n) {
			return n
		}
	}
	return nil
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
