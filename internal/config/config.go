// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/extract"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/normalize"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// maxRangeSpan bounds start..end so a typo cannot schedule billions of fetches.
const maxRangeSpan = 1_000_000

// Config captures all archiver configuration knobs loaded via Viper.
type Config struct {
	Portal     PortalConfig     `mapstructure:"portal"`
	Range      RangeConfig      `mapstructure:"range"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Run        RunConfig        `mapstructure:"run"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Snapshots  SnapshotsConfig  `mapstructure:"snapshots"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PortalConfig identifies the IQM2 instance.
type PortalConfig struct {
	RootURL            string   `mapstructure:"root_url"`
	DetailPath         string   `mapstructure:"detail_path"`
	UserAgent          string   `mapstructure:"user_agent"`
	UnavailableMarkers []string `mapstructure:"unavailable_markers"`
}

// RangeConfig selects identifiers: start..end inclusive plus an explicit list.
type RangeConfig struct {
	Start int64   `mapstructure:"start"`
	End   int64   `mapstructure:"end"`
	IDs   []int64 `mapstructure:"ids"`
}

// ArchiveConfig points at the persistence target.
type ArchiveConfig struct {
	Target   string `mapstructure:"target"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RunConfig governs the worker pool.
type RunConfig struct {
	Concurrency             int  `mapstructure:"concurrency"`
	AbortOnPersistenceError bool `mapstructure:"abort_on_persistence_error"`
}

// FetchConfig configures HTTP timeouts, retries, politeness and the breaker.
type FetchConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	BackoffInitial      time.Duration `mapstructure:"backoff_initial"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	RatePerSecond       float64       `mapstructure:"rate_per_second"`
	Burst               int           `mapstructure:"burst"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
	BreakerMinRequests  uint32        `mapstructure:"breaker_min_requests"`
	BreakerOpenTimeout  time.Duration `mapstructure:"breaker_open_timeout"`
}

// ExtractionConfig carries the alias tables and extraction switches.
type ExtractionConfig struct {
	IncludeBody        bool                `mapstructure:"include_body"`
	Required           []string            `mapstructure:"required"`
	DateFormats        []string            `mapstructure:"date_formats"`
	ListSeparators     []string            `mapstructure:"list_separators"`
	StructuralSections []string            `mapstructure:"structural_sections"`
	Aliases            map[string][]string `mapstructure:"aliases"`
	Fuzzy              map[string][]string `mapstructure:"fuzzy"`
}

// SnapshotsConfig selects where raw documents are kept.
type SnapshotsConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// NotifyConfig selects where change events go.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// OpsConfig controls the operational HTTP server. An empty Addr disables it.
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IQM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.root_url", "")
	v.SetDefault("portal.detail_path", "/Citizens/Detail_LegiFile.aspx")
	v.SetDefault("portal.user_agent", "")
	v.SetDefault("portal.unavailable_markers", []string{
		"The requested Document could not be retrieved.",
		"Access Denied You do not have permissions to view",
	})
	v.SetDefault("range.start", 0)
	v.SetDefault("range.end", 0)
	v.SetDefault("range.ids", []int64{})
	v.SetDefault("archive.target", "sqlite://iqm-archive.db")
	v.SetDefault("archive.table", "resolutions")
	v.SetDefault("archive.max_conns", 4)
	v.SetDefault("run.concurrency", 4)
	v.SetDefault("run.abort_on_persistence_error", false)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.backoff_initial", 500*time.Millisecond)
	v.SetDefault("fetch.backoff_max", 10*time.Second)
	v.SetDefault("fetch.rate_per_second", 2.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("fetch.breaker_failure_ratio", 0.6)
	v.SetDefault("fetch.breaker_min_requests", 10)
	v.SetDefault("fetch.breaker_open_timeout", 30*time.Second)
	v.SetDefault("extraction.include_body", true)
	v.SetDefault("extraction.required", []string{"title", "status"})
	v.SetDefault("extraction.date_formats", normalize.DefaultDateFormats)
	v.SetDefault("extraction.list_separators", normalize.DefaultListSeparators)
	v.SetDefault("extraction.structural_sections", extract.DefaultStructuralSections)
	v.SetDefault("extraction.aliases", map[string][]string{})
	v.SetDefault("extraction.fuzzy", map[string][]string{})
	v.SetDefault("snapshots.provider", "none")
	v.SetDefault("snapshots.base_dir", "")
	v.SetDefault("snapshots.bucket", "")
	v.SetDefault("snapshots.prefix", "resolutions")
	v.SetDefault("notify.provider", "none")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("ops.addr", "")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	root, err := url.Parse(c.Portal.RootURL)
	if c.Portal.RootURL == "" || err != nil || (root.Scheme != "http" && root.Scheme != "https") || root.Host == "" {
		return fmt.Errorf("portal.root_url must be an absolute http(s) url")
	}
	if err := c.Range.Validate(); err != nil {
		return err
	}
	if c.Archive.Target == "" {
		return fmt.Errorf("archive.target must be set")
	}
	if c.Run.Concurrency <= 0 {
		return fmt.Errorf("run.concurrency must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Fetch.BreakerFailureRatio < 0 || c.Fetch.BreakerFailureRatio > 1 {
		return fmt.Errorf("fetch.breaker_failure_ratio must be between 0 and 1")
	}
	if _, err := c.Extraction.RequiredAttributes(); err != nil {
		return err
	}
	rules, err := c.Extraction.Rules()
	if err != nil {
		return err
	}
	if _, err := normalize.New(rules); err != nil {
		return fmt.Errorf("extraction: %w", err)
	}
	switch c.Snapshots.Provider {
	case "none", "memory":
	case "local":
		if c.Snapshots.BaseDir == "" {
			return fmt.Errorf("snapshots.base_dir must be set when snapshots.provider is local")
		}
	case "gcs":
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket must be set when snapshots.provider is gcs")
		}
	default:
		return fmt.Errorf("snapshots.provider %q is not one of none, memory, local, gcs", c.Snapshots.Provider)
	}
	switch c.Notify.Provider {
	case "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set when notify.provider is pubsub")
		}
	default:
		return fmt.Errorf("notify.provider %q is not one of none, memory, pubsub", c.Notify.Provider)
	}
	return nil
}

// Validate checks the range bounds and the explicit identifiers.
func (r RangeConfig) Validate() error {
	if r.Start < 0 || r.End < 0 {
		return fmt.Errorf("range.start and range.end must be >= 0")
	}
	if r.End < r.Start {
		return fmt.Errorf("range.end (%d) must be >= range.start (%d)", r.End, r.Start)
	}
	if r.End-r.Start >= maxRangeSpan {
		return fmt.Errorf("range.start..range.end spans more than %d identifiers", maxRangeSpan)
	}
	for _, id := range r.IDs {
		if id <= 0 {
			return fmt.Errorf("range.ids must be positive, got %d", id)
		}
	}
	return nil
}

// Identifiers merges start..end with the explicit list. A zero end means no span;
// identifiers start at 1.
func (r RangeConfig) Identifiers() []resolution.ID {
	ids := make([]resolution.ID, 0, len(r.IDs))
	if r.End > 0 {
		for id := max(r.Start, 1); id <= r.End; id++ {
			ids = append(ids, resolution.ID(id))
		}
	}
	for _, id := range r.IDs {
		ids = append(ids, resolution.ID(id))
	}
	return ids
}

// RequiredAttributes parses the completeness list.
func (e ExtractionConfig) RequiredAttributes() ([]resolution.Attribute, error) {
	out := make([]resolution.Attribute, 0, len(e.Required))
	for _, name := range e.Required {
		attr, ok := resolution.ParseAttribute(strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("extraction.required: unknown attribute %q", name)
		}
		out = append(out, attr)
	}
	return out, nil
}

// Rules builds the normalizer rules with configured overrides applied.
func (e ExtractionConfig) Rules() (normalize.Rules, error) {
	table, err := normalize.DefaultTable().WithOverrides(e.Aliases, e.Fuzzy)
	if err != nil {
		return normalize.Rules{}, fmt.Errorf("extraction: %w", err)
	}
	return normalize.Rules{
		Table:          table,
		DateFormats:    e.DateFormats,
		ListSeparators: e.ListSeparators,
	}, nil
}

// ExtractorConfig returns the field extractor settings.
func (e ExtractionConfig) ExtractorConfig() extract.Config {
	return extract.Config{
		StructuralSections: e.StructuralSections,
		IncludeBody:        e.IncludeBody,
	}
}
