package domain

import (
	"regexp"
	"strings"
)

// Template placeholders understood by suffix templates and template rules.
const (
	PlaceholderTitle          = "title"
	PlaceholderIdentifier     = "identifier"
	PlaceholderDOI            = "doi"
	PlaceholderObjectID       = "object_id"
	PlaceholderSlug           = "slug"
	PlaceholderRepositoryCode = "repository_code"
	PlaceholderLevel          = "level"
	PlaceholderYear           = "year"
	PlaceholderDateYear       = "date_year"
	propertyPlaceholderPrefix = "prop:"
)

// PlaceholderPattern matches {name} and {prop:key}.
var PlaceholderPattern = regexp.MustCompile(`\{([a-z_]+(?::[A-Za-z0-9_.\-]+)?)\}`)

// KnownPlaceholder reports whether name is expanded by templates.
func KnownPlaceholder(name string) bool {
	switch name {
	case PlaceholderTitle, PlaceholderIdentifier, PlaceholderDOI, PlaceholderObjectID, PlaceholderSlug,
		PlaceholderRepositoryCode, PlaceholderLevel, PlaceholderYear, PlaceholderDateYear:
		return true
	}
	return strings.HasPrefix(name, propertyPlaceholderPrefix) && len(name) > len(propertyPlaceholderPrefix)
}

// PropertyKey returns the property key of a {prop:key} placeholder.
func PropertyKey(name string) (string, bool) {
	if !strings.HasPrefix(name, propertyPlaceholderPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, propertyPlaceholderPrefix), true
}
