package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	KindConCat  = "concat"
	KindFancons = "fancons"
	KindGraphQL = "graphql"
	KindRAMS    = "rams"
	KindRegFox  = "regfox"
	KindICS     = "ics"
	KindGuess   = "guess"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"password" validate:"required"`
}

// GeocoderConfig configures the Google Places geocoder. An empty APIKey
// disables geocoding; venues are then only filled from earlier editions.
type GeocoderConfig struct {
	APIKey   string `yaml:"api_key,omitempty" json:"-"`
	BaseURL  string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Language string `yaml:"language,omitempty" json:"language,omitempty"`
}

// LocationConfig pins the venue of sources that do not publish one.
type LocationConfig struct {
	Venue   string    `yaml:"venue" json:"venue"`
	Address string    `yaml:"address,omitempty" json:"address,omitempty"`
	Country string    `yaml:"country,omitempty" json:"country,omitempty"`
	Locale  string    `yaml:"locale,omitempty" json:"locale,omitempty"`
	LatLng  []float64 `yaml:"lat_lng,omitempty" json:"lat_lng,omitempty" validate:"omitempty,len=2"`
}

// SourceConfig describes one listing to import from. Which fields apply
// depends on Kind.
type SourceConfig struct {
	// Name overrides the default "<kind>:<series>" used on the command line.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=concat fancons graphql rams regfox ics guess"`
	// Series is the id observations are merged into. Not used by fancons,
	// which routes by listing name, or guess, which uses SeriesIDs.
	Series    string   `yaml:"series,omitempty" json:"series,omitempty"`
	SeriesIDs []string `yaml:"series_ids,omitempty" json:"series_ids,omitempty"`

	URL    string `yaml:"url,omitempty" json:"url,omitempty" validate:"omitempty,url"`
	MapURL string `yaml:"map_url,omitempty" json:"map_url,omitempty" validate:"omitempty,url"`

	// graphql
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	APIKey   string `yaml:"api_key,omitempty" json:"-"`
	Discover bool   `yaml:"discover,omitempty" json:"discover,omitempty"`

	// rams
	Title      string          `yaml:"title,omitempty" json:"title,omitempty"`
	TitleClass string          `yaml:"title_class,omitempty" json:"title_class,omitempty"`
	DatesID    string          `yaml:"dates_id,omitempty" json:"dates_id,omitempty"`
	Location   *LocationConfig `yaml:"location,omitempty" json:"location,omitempty"`

	// ics
	Match       string `yaml:"match,omitempty" json:"match,omitempty"`
	HorizonDays int    `yaml:"horizon_days,omitempty" json:"horizon_days,omitempty" validate:"gte=0"`

	// Sources tags the observations. Empty marks the primary provider.
	Sources []string `yaml:"sources,omitempty" json:"sources,omitempty"`
}

// DisplayName returns the name the source is selected by.
func (s SourceConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Series == "" {
		return s.Kind
	}
	return s.Kind + ":" + s.Series
}

// Config is the top-level application configuration.
type Config struct {
	// SeriesDir holds the published series documents.
	SeriesDir string `yaml:"series_dir" json:"series_dir" validate:"required"`
	// PendingDir receives series first seen by a source, for review.
	PendingDir string `yaml:"pending_dir,omitempty" json:"pending_dir,omitempty"`
	// CacheDir keeps HTTP responses for conditional requests. Empty
	// disables the cache.
	CacheDir string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`

	// Timezone is the IANA zone that decides which day "today" is for the
	// reschedule guard and the schedule.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Schedule is a cron spec (e.g. "0 */6 * * *") for periodic imports.
	Schedule string `yaml:"schedule" json:"schedule"`

	LogLevel string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// Ignore lists series ids that are never imported.
	Ignore []string `yaml:"ignore,omitempty" json:"ignore,omitempty"`

	// LowConfidenceSources are scrape-only source tags a primary
	// observation may override.
	LowConfidenceSources []string `yaml:"low_confidence_sources" json:"low_confidence_sources"`

	// RescheduleRule is "end" or "strict".
	RescheduleRule string `yaml:"reschedule_rule" json:"reschedule_rule" validate:"omitempty,oneof=end strict"`

	// Listen is the HTTP listen address for the API. Empty disables it.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Geocoder GeocoderConfig `yaml:"geocoder,omitempty" json:"geocoder"`

	Sources []SourceConfig `yaml:"sources" json:"sources" validate:"dive"`
}

// envOverrides are the settings deployments pass through the environment.
type envOverrides struct {
	GoogleMapsAPIKey string `env:"GOOGLE_MAPS_API_KEY"`
	OutputDir        string `env:"OUTPUT_DIR"`
	LogLevel         string `env:"CONSERIES_LOG_LEVEL"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		SeriesDir:            "series",
		PendingDir:           "pending",
		CacheDir:             "cache",
		Timezone:             "UTC",
		Schedule:             "0 */6 * * *",
		LogLevel:             "info",
		LowConfidenceSources: []string{"fancons.com"},
		RescheduleRule:       "end",
		Listen:               "127.0.0.1:8080",
		Sources: []SourceConfig{
			{Kind: KindFancons},
		},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.SeriesDir == "" {
		c.SeriesDir = def.SeriesDir
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Schedule == "" {
		c.Schedule = def.Schedule
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LowConfidenceSources == nil {
		c.LowConfidenceSources = def.LowConfidenceSources
	}
	if c.RescheduleRule == "" {
		c.RescheduleRule = def.RescheduleRule
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
}

// ApplyEnv overrides file settings with GOOGLE_MAPS_API_KEY, OUTPUT_DIR and
// CONSERIES_LOG_LEVEL when they are set.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	if o.GoogleMapsAPIKey != "" {
		c.Geocoder.APIKey = o.GoogleMapsAPIKey
	}
	if o.OutputDir != "" {
		c.SeriesDir = o.OutputDir
	}
	if o.LogLevel != "" {
		c.LogLevel = strings.ToLower(o.LogLevel)
	}
	return nil
}

// Validate checks field values and the per-kind requirements of every
// source.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	v.RegisterStructValidation(validateSource, SourceConfig{})

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fieldPath(fe), fe.Tag()))
		}
		return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func validateSource(sl validator.StructLevel) {
	s := sl.Current().Interface().(SourceConfig)

	needSeries := s.Kind != KindFancons && s.Kind != KindGuess
	if needSeries && s.Series == "" {
		sl.ReportError(s.Series, "series", "Series", "required", "")
	}
	if needSeries && s.URL == "" {
		sl.ReportError(s.URL, "url", "URL", "required", "")
	}

	switch s.Kind {
	case KindGuess:
		if len(s.SeriesIDs) == 0 {
			sl.ReportError(s.SeriesIDs, "series_ids", "SeriesIDs", "required", "")
		}
	case KindRAMS:
		if s.Title == "" {
			sl.ReportError(s.Title, "title", "Title", "required", "")
		}
		if s.Location == nil {
			sl.ReportError(s.Location, "location", "Location", "required", "")
		}
	case KindICS:
		if s.Match != "" {
			if _, err := regexp.Compile(s.Match); err != nil {
				sl.ReportError(s.Match, "match", "Match", "regexp", "")
			}
		}
	}
}

// Load loads configuration from the given YAML path, then applies
// environment overrides and validates the result.
//
// If the file does not exist, a default config is written with 0600
// permissions and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run: create default config file.
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		cfg.Normalize()
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".conseries-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
