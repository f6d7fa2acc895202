package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"pidline/internal/domain"
)

// ErrNotConfigured is returned by Resolve when registration is disabled or
// missing its endpoint or prefix for the requested group.
var ErrNotConfigured = errors.New("registration not configured")

const (
	DefaultTimeoutSeconds = 30
	DefaultTruncateLength = 255
	DefaultPublisher      = "Unknown"
	DefaultResourceType   = "Text"
	DefaultSuffixTemplate = "{repository_code}-{object_id}"
	DefaultMaxAttempts    = 3
	DefaultBatchSize      = 20
	DefaultPollSeconds    = 30
	DefaultStaleSeconds   = 900
)

// Config models pidline.yml.
type Config struct {
	Registration Registration            `yaml:"registration" json:"registration"`
	Groups       map[string]Registration `yaml:"groups,omitempty" json:"groups,omitempty" validate:"dive"`
	Queue        Queue                   `yaml:"queue" json:"queue"`
	Log          Log                     `yaml:"log" json:"log"`
	Webhooks     []Webhook               `yaml:"webhooks,omitempty" json:"webhooks,omitempty" validate:"dive"`
}

// Registration holds the connection and mapping settings for one
// registration endpoint. Groups carry partial Registrations that override
// the global one field by field.
type Registration struct {
	Enabled             *bool                  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	BaseURL             string                 `yaml:"base_url,omitempty" json:"base_url,omitempty" validate:"omitempty,url"`
	Username            string                 `yaml:"username,omitempty" json:"username,omitempty"`
	Password            string                 `yaml:"password,omitempty" json:"password,omitempty"`
	Prefix              string                 `yaml:"prefix,omitempty" json:"prefix,omitempty" validate:"omitempty,startswith=10."`
	DefaultPublisher    string                 `yaml:"default_publisher,omitempty" json:"default_publisher,omitempty"`
	DefaultResourceType string                 `yaml:"default_resource_type,omitempty" json:"default_resource_type,omitempty"`
	DefaultState        domain.IdentifierState `yaml:"default_state,omitempty" json:"default_state,omitempty" validate:"omitempty,oneof=draft registered findable"`
	SuffixTemplate      string                 `yaml:"suffix_template,omitempty" json:"suffix_template,omitempty"`
	LandingBaseURL      string                 `yaml:"landing_base_url,omitempty" json:"landing_base_url,omitempty" validate:"omitempty,url"`
	ResolverBaseURL     string                 `yaml:"resolver_base_url,omitempty" json:"resolver_base_url,omitempty" validate:"omitempty,url"`
	TimeoutSeconds      int                    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" validate:"gte=0,lte=300"`
	TruncateLength      int                    `yaml:"truncate_length,omitempty" json:"truncate_length,omitempty" validate:"gte=0"`
	AutoMint            AutoMint               `yaml:"auto_mint,omitempty" json:"auto_mint,omitempty"`
	Mapping             []domain.MappingRule   `yaml:"mapping,omitempty" json:"mapping,omitempty" validate:"dive"`
}

// AutoMint controls which records bulk auto-mint selects.
type AutoMint struct {
	Enabled              *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Levels               []string `yaml:"levels,omitempty" json:"levels,omitempty"`
	RequireDigitalObject *bool    `yaml:"require_digital_object,omitempty" json:"require_digital_object,omitempty"`
}

type Queue struct {
	MaxAttempts  int `yaml:"max_attempts" json:"max_attempts" validate:"gte=1,lte=100"`
	BatchSize    int `yaml:"batch_size" json:"batch_size" validate:"gte=1,lte=1000"`
	PollSeconds  int `yaml:"poll_seconds" json:"poll_seconds" validate:"gte=1"`
	StaleSeconds int `yaml:"stale_seconds" json:"stale_seconds" validate:"gte=0"`
}

type Log struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
}

type Webhook struct {
	URL            string   `yaml:"url" json:"url" validate:"required,url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" validate:"gte=0"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (r Registration) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func (a AutoMint) IsEnabled() bool {
	return a.Enabled != nil && *a.Enabled
}

func (a AutoMint) DigitalObjectRequired() bool {
	return a.RequireDigitalObject != nil && *a.RequireDigitalObject
}

func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			path := f.Namespace()
			if i := strings.Index(path, "."); i >= 0 {
				path = path[i+1:]
			}
			return fmt.Errorf("config.%s failed %s validation", path, f.Tag())
		}
		return err
	}
	if err := c.Registration.validateRules("registration"); err != nil {
		return err
	}
	for code, group := range c.Groups {
		if code == "" {
			return fmt.Errorf("config.groups contains empty group code")
		}
		if err := group.validateRules("groups." + code); err != nil {
			return err
		}
	}
	return nil
}

func (r Registration) validateRules(path string) error {
	if r.SuffixTemplate != "" {
		if err := CheckTemplate(r.SuffixTemplate); err != nil {
			return fmt.Errorf("config.%s.suffix_template: %w", path, err)
		}
	}
	for i, rule := range r.Mapping {
		if !rule.SourceType.Valid() {
			return fmt.Errorf("config.%s.mapping[%d]: unknown source_type %q", path, i, rule.SourceType)
		}
		if !rule.Transformation.Valid() {
			return fmt.Errorf("config.%s.mapping[%d]: unknown transformation %q", path, i, rule.Transformation)
		}
	}
	return nil
}

// CheckTemplate rejects templates referencing placeholders no record can
// expand.
func CheckTemplate(tmpl string) error {
	for _, m := range domain.PlaceholderPattern.FindAllStringSubmatch(tmpl, -1) {
		if !domain.KnownPlaceholder(m[1]) {
			return fmt.Errorf("unknown placeholder {%s}", m[1])
		}
	}
	return nil
}

// Resolve merges the group override (if any) over the global registration
// settings and fills defaults. It returns ErrNotConfigured when the result
// cannot be used to register identifiers.
func (c *Config) Resolve(group string) (Registration, error) {
	resolved := c.Registration.clone()
	if override, ok := c.Groups[group]; ok && group != "" {
		if err := mergo.Merge(&resolved, override.clone(), mergo.WithOverride, mergo.WithTransformers(pointerOverride{})); err != nil {
			return Registration{}, fmt.Errorf("merge group %s: %w", group, err)
		}
	}
	if !resolved.IsEnabled() || resolved.BaseURL == "" || resolved.Prefix == "" {
		return Registration{}, ErrNotConfigured
	}
	resolved.applyDefaults()
	return resolved, nil
}

func (r *Registration) applyDefaults() {
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if r.TruncateLength == 0 {
		r.TruncateLength = DefaultTruncateLength
	}
	if r.DefaultPublisher == "" {
		r.DefaultPublisher = DefaultPublisher
	}
	if r.DefaultResourceType == "" {
		r.DefaultResourceType = DefaultResourceType
	}
	if r.DefaultState == "" {
		r.DefaultState = domain.StateFindable
	}
	if r.SuffixTemplate == "" {
		r.SuffixTemplate = DefaultSuffixTemplate
	}
	r.BaseURL = strings.TrimRight(r.BaseURL, "/")
	r.LandingBaseURL = strings.TrimRight(r.LandingBaseURL, "/")
}

func (r Registration) clone() Registration {
	out := r
	out.Enabled = cloneBool(r.Enabled)
	out.AutoMint.Enabled = cloneBool(r.AutoMint.Enabled)
	out.AutoMint.RequireDigitalObject = cloneBool(r.AutoMint.RequireDigitalObject)
	out.AutoMint.Levels = append([]string(nil), r.AutoMint.Levels...)
	out.Mapping = append([]domain.MappingRule(nil), r.Mapping...)
	return out
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// pointerOverride lets an explicit false in a group override a true in the
// global settings. mergo treats false as empty and would skip it.
type pointerOverride struct{}

func (pointerOverride) Transformer(t reflect.Type) func(dst, src reflect.Value) error {
	if t != reflect.TypeOf((*bool)(nil)) {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if !src.IsNil() && dst.CanSet() {
			dst.Set(src)
		}
		return nil
	}
}

// WithDefaults fills queue and log settings left empty.
func (c *Config) WithDefaults() *Config {
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = DefaultMaxAttempts
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = DefaultBatchSize
	}
	if c.Queue.PollSeconds == 0 {
		c.Queue.PollSeconds = DefaultPollSeconds
	}
	if c.Queue.StaleSeconds == 0 {
		c.Queue.StaleSeconds = DefaultStaleSeconds
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	return c
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pidline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(prefix string) string {
	if prefix == "" {
		prefix = "10.5072"
	}
	return fmt.Sprintf(defaultTemplate, prefix)
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(GenerateDefault("")))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the workspace config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `# Set enabled to true once credentials are filled in.
registration:
  enabled: false
  base_url: https://api.test.datacite.org
  username: ""
  password: ""
  prefix: "%s"
  default_publisher: ""
  default_resource_type: Text
  default_state: findable
  suffix_template: "{repository_code}-{object_id}"
  landing_base_url: https://archive.example.org
  resolver_base_url: https://doi.org
  timeout_seconds: 30
  truncate_length: 255
  auto_mint:
    enabled: false
    levels: [fonds, collection]
    require_digital_object: false
  mapping:
    - source_type: field
      source_value: title
      target_field: titles
    - source_type: field
      source_value: creators
      target_field: creators
      fallback_value: Unknown
    - source_type: field
      source_value: description
      target_field: descriptions
      transformation: strip_markup
    - source_type: field
      source_value: subjects
      target_field: subjects
    - source_type: field
      source_value: date_display
      target_field: dates
    - source_type: field
      source_value: language
      target_field: language
      transformation: lowercase

queue:
  max_attempts: 3
  batch_size: 20
  poll_seconds: 30
  stale_seconds: 900

log:
  level: info
  format: text
`
