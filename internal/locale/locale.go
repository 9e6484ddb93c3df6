// Package locale maps country names and region codes to the identifiers
// stored on editions.
package locale

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// aliases covers country spellings listing sites use that differ from the
// CLDR English display names.
var aliases = map[string]string{
	"usa":                      "US",
	"united states of america": "US",
	"u.s.a.":                   "US",
	"uk":                       "GB",
	"great britain":            "GB",
	"england":                  "GB",
	"scotland":                 "GB",
	"wales":                    "GB",
	"northern ireland":         "GB",
	"czech republic":           "CZ",
	"republic of korea":        "KR",
	"korea":                    "KR",
	"russian federation":       "RU",
	"the netherlands":          "NL",
	"holland":                  "NL",
	"turkey":                   "TR",
	"macau":                    "MO",
	"hong kong":                "HK",
	"taiwan":                   "TW",
}

var (
	regionsOnce sync.Once
	regions     map[string]string
)

func loadRegions() {
	regions = make(map[string]string)
	namer := display.English.Regions()
	for a := 'A'; a <= 'Z'; a++ {
		for b := 'A'; b <= 'Z'; b++ {
			r, err := language.ParseRegion(string([]rune{a, b}))
			if err != nil || !r.IsCountry() {
				continue
			}
			name := namer.Name(r)
			if name == "" {
				continue
			}
			regions[strings.ToLower(name)] = r.String()
		}
	}
	for k, v := range aliases {
		regions[k] = v
	}
}

// RegionCode returns the ISO 3166-1 alpha-2 code for an English country
// name, or for a code passed in directly. ok is false for unknown names.
func RegionCode(country string) (string, bool) {
	country = strings.TrimSpace(country)
	if country == "" {
		return "", false
	}
	if len(country) == 2 {
		if r, err := language.ParseRegion(country); err == nil && r.IsCountry() {
			return r.String(), true
		}
	}
	regionsOnce.Do(loadRegions)
	code, ok := regions[strings.ToLower(country)]
	return code, ok
}

// ForRegion returns the most likely locale for a region, such as "de-DE"
// for "DE" or "zh-CN" for "CN". It returns "" for an invalid region.
func ForRegion(region string) string {
	r, err := language.ParseRegion(region)
	if err != nil {
		return ""
	}
	tag, err := language.Compose(r)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	return base.String() + "-" + r.String()
}

// Tag parses a stored locale, falling back to English.
func Tag(locale string) language.Tag {
	if locale == "" {
		return language.English
	}
	t, err := language.Parse(locale)
	if err != nil {
		return language.English
	}
	return t
}

// Slugify turns a display name into a series id: NFKC-normalized, "&"
// spelled out, lowercased with locale rules, transliterated to ASCII and
// joined by hyphens. Names with no ASCII rendering (CJK, for one) keep
// their letters instead.
func Slugify(s, locale string) string {
	tag := Tag(locale)
	lower := cases.Lower(tag).String(norm.NFKC.String(strings.ReplaceAll(s, "&", "and")))

	if slug := slugWords(toASCII(lower, tag), isASCIISlugRune); slug != "" {
		return slug
	}
	return slugWords(lower, isSlugRune)
}

var (
	germanFolds = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue")
	latinFolds  = strings.NewReplacer("ß", "ss", "æ", "ae", "œ", "oe", "ø", "o", "ł", "l", "đ", "d", "þ", "th", "ı", "i")
)

func toASCII(s string, tag language.Tag) string {
	if base, _ := tag.Base(); base.String() == "de" {
		s = germanFolds.Replace(s)
	}
	s = latinFolds.Replace(s)
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func isASCIISlugRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || unicode.IsSpace(r)
}

func isSlugRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || r == '-' || unicode.IsSpace(r)
}

func slugWords(s string, keep func(rune) bool) string {
	var b strings.Builder
	for _, r := range s {
		if keep(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), "-")
}
