package mapper

import (
	"strconv"
	"strings"

	"pidline/internal/domain"
)

// Target fields with a fixed shape in the registration schema.
const (
	TargetCreators            = "creators"
	TargetContributors        = "contributors"
	TargetTitles              = "titles"
	TargetSubjects            = "subjects"
	TargetDescriptions        = "descriptions"
	TargetDates               = "dates"
	TargetPublisher           = "publisher"
	TargetPublicationYear     = "publicationYear"
	TargetLanguage            = "language"
	TargetResourceTypeGeneral = "resourceTypeGeneral"
	TargetTypes               = "types"
	TargetResourceType        = "resourceType"
	TargetVersion             = "version"
)

// assign coerces value into the shape target requires. List targets append
// so several rules can contribute entries; scalar targets take the last
// value. Anything else lands in Extra.
func assign(p *domain.Payload, target, value string) {
	switch target {
	case TargetCreators:
		p.Creators = append(p.Creators, domain.Creator{Name: value})
	case TargetContributors:
		p.Contributors = append(p.Contributors, domain.Contributor{Name: value, ContributorType: ContributorTypeOther})
	case TargetTitles:
		p.Titles = append(p.Titles, domain.Title{Title: value})
	case TargetSubjects:
		for _, s := range strings.Split(value, ";") {
			if s = strings.TrimSpace(s); s != "" {
				p.Subjects = append(p.Subjects, domain.Subject{Subject: s})
			}
		}
	case TargetDescriptions:
		p.Descriptions = append(p.Descriptions, domain.Description{Description: value, DescriptionType: DescriptionTypeAbstract})
	case TargetDates:
		p.Dates = append(p.Dates, domain.Date{Date: value, DateType: DateTypeCreated})
	case TargetPublisher:
		p.Publisher = value
	case TargetPublicationYear:
		if y, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			p.PublicationYear = y
		} else if y, ok := parseYear(value); ok {
			p.PublicationYear = y
		}
	case TargetLanguage:
		p.Language = value
	case TargetResourceTypeGeneral, TargetTypes:
		p.Types.ResourceTypeGeneral = value
	case TargetResourceType:
		p.Types.ResourceType = value
	case TargetVersion:
		p.Version = value
	default:
		if p.Extra == nil {
			p.Extra = map[string]string{}
		}
		p.Extra[target] = value
	}
}
