// Package mapper turns a source record and an ordered list of mapping rules
// into a registration payload. It performs no I/O and never fails: missing
// data always resolves to a schema-required default.
package mapper

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"pidline/internal/config"
	"pidline/internal/domain"
)

const (
	DefaultCreator = "Unknown"
	DefaultTitle   = "Untitled"

	// DateTypeCreated is attached to dates derived from a bare string.
	DateTypeCreated = "Created"
	// DescriptionTypeAbstract is attached to descriptions derived from a bare string.
	DescriptionTypeAbstract = "Abstract"
	// ContributorTypeOther is attached to contributors derived from a bare string.
	ContributorTypeOther = "Other"
)

var yearPattern = regexp.MustCompile(`\b(\d{4})\b`)

// Mapper builds payloads. The zero value is not usable; use New.
type Mapper struct {
	Now    func() time.Time
	strict *bluemonday.Policy
	upper  cases.Caser
	lower  cases.Caser
}

func New() *Mapper {
	return &Mapper{
		Now:    time.Now,
		strict: bluemonday.StrictPolicy(),
		upper:  cases.Upper(language.Und),
		lower:  cases.Lower(language.Und),
	}
}

// BuildPayload evaluates cfg.Mapping in order against rec. identifier is the
// full identifier string being registered; it feeds {doi} and the payload's
// identifier attribute.
func (m *Mapper) BuildPayload(rec domain.SourceRecord, identifier string, cfg config.Registration) domain.Payload {
	p := domain.Payload{Identifier: identifier}
	now := m.now()
	for _, rule := range cfg.Mapping {
		raw := m.resolve(rule, rec, identifier, now)
		if strings.TrimSpace(raw) == "" {
			raw = rule.FallbackValue
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}
		value := m.transform(raw, rule.Transformation, cfg.TruncateLength)
		if strings.TrimSpace(value) == "" {
			continue
		}
		assign(&p, rule.TargetField, value)
	}
	m.applyDefaults(&p, rec, cfg, now)
	return p
}

func (m *Mapper) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Mapper) resolve(rule domain.MappingRule, rec domain.SourceRecord, identifier string, now time.Time) string {
	switch rule.SourceType {
	case domain.SourceField:
		return FieldValue(rec, rule.SourceValue)
	case domain.SourceConstant:
		return rule.SourceValue
	case domain.SourceTemplate:
		return ExpandTemplate(rule.SourceValue, rec, identifier, now)
	case domain.SourceLookup:
		return rec.Properties[rule.SourceValue]
	}
	return ""
}

// FieldValue reads a named attribute off the record. Unknown names resolve
// to the empty string.
func FieldValue(rec domain.SourceRecord, name string) string {
	switch name {
	case "title":
		return rec.Title
	case "identifier":
		return rec.Identifier
	case "slug":
		return rec.Slug
	case "repository_code":
		return rec.RepositoryCode
	case "level":
		return rec.Level
	case "date_display":
		return rec.DateDisplay
	case "date_start":
		return rec.DateStart
	case "date_end":
		return rec.DateEnd
	case "creators":
		return rec.Creators
	case "contributors":
		return rec.Contributors
	case "description":
		return rec.Description
	case "subjects":
		return rec.Subjects
	case "language":
		return rec.Language
	case "object_id":
		return strconv.FormatInt(rec.ID, 10)
	}
	return ""
}

// ExpandTemplate substitutes {placeholders} against rec. Unknown
// placeholders are left as written.
func ExpandTemplate(tmpl string, rec domain.SourceRecord, identifier string, now time.Time) string {
	return domain.PlaceholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		if key, ok := domain.PropertyKey(name); ok {
			return rec.Properties[key]
		}
		switch name {
		case domain.PlaceholderTitle:
			return rec.Title
		case domain.PlaceholderIdentifier:
			return rec.Identifier
		case domain.PlaceholderDOI:
			return identifier
		case domain.PlaceholderObjectID:
			return strconv.FormatInt(rec.ID, 10)
		case domain.PlaceholderSlug:
			return rec.Slug
		case domain.PlaceholderRepositoryCode:
			return rec.RepositoryCode
		case domain.PlaceholderLevel:
			return rec.Level
		case domain.PlaceholderYear:
			return strconv.Itoa(now.Year())
		case domain.PlaceholderDateYear:
			if y, ok := RecordYear(rec); ok {
				return strconv.Itoa(y)
			}
			return strconv.Itoa(now.Year())
		}
		return match
	})
}

// RecordYear extracts the first 4-digit year from the record's date fields.
func RecordYear(rec domain.SourceRecord) (int, bool) {
	for _, v := range []string{rec.DateStart, rec.DateDisplay, rec.DateEnd} {
		if y, ok := parseYear(v); ok {
			return y, true
		}
	}
	return 0, false
}

func parseYear(v string) (int, bool) {
	m := yearPattern.FindStringSubmatch(v)
	if m == nil {
		return 0, false
	}
	y, err := strconv.Atoi(m[1])
	if err != nil || y < 1000 {
		return 0, false
	}
	return y, true
}

func (m *Mapper) transform(v string, kind domain.TransformKind, truncate int) string {
	switch kind {
	case domain.TransformUppercase:
		return m.upper.String(v)
	case domain.TransformLowercase:
		return m.lower.String(v)
	case domain.TransformStripMarkup:
		return strings.TrimSpace(html.UnescapeString(m.strict.Sanitize(v)))
	case domain.TransformTruncate:
		if truncate <= 0 {
			truncate = config.DefaultTruncateLength
		}
		return truncateRunes(v, truncate)
	}
	return v
}

func truncateRunes(v string, n int) string {
	if utf8.RuneCountInString(v) <= n {
		return v
	}
	r := []rune(v)
	return string(r[:n])
}

func (m *Mapper) applyDefaults(p *domain.Payload, rec domain.SourceRecord, cfg config.Registration, now time.Time) {
	if len(p.Creators) == 0 {
		p.Creators = []domain.Creator{{Name: DefaultCreator}}
	}
	if len(p.Titles) == 0 {
		title := strings.TrimSpace(rec.Title)
		if title == "" {
			title = DefaultTitle
		}
		p.Titles = []domain.Title{{Title: title}}
	}
	if p.Publisher == "" {
		p.Publisher = cfg.DefaultPublisher
		if p.Publisher == "" {
			p.Publisher = config.DefaultPublisher
		}
	}
	if p.PublicationYear < 1000 || p.PublicationYear > 9999 {
		if y, ok := RecordYear(rec); ok {
			p.PublicationYear = y
		} else {
			p.PublicationYear = now.Year()
		}
	}
	if p.Types.ResourceTypeGeneral == "" {
		p.Types.ResourceTypeGeneral = cfg.DefaultResourceType
		if p.Types.ResourceTypeGeneral == "" {
			p.Types.ResourceTypeGeneral = config.DefaultResourceType
		}
	}
}
