package domain

import "encoding/json"

// Payload is the attributes document submitted to the registration endpoint.
// List fields are typed slices so a bare string can never be encoded where
// the schema expects a list of objects.
type Payload struct {
	Identifier      string            `json:"doi,omitempty"`
	Event           string            `json:"event,omitempty"`
	URL             string            `json:"url,omitempty"`
	Creators        []Creator         `json:"creators"`
	Titles          []Title           `json:"titles"`
	Publisher       string            `json:"publisher"`
	PublicationYear int               `json:"publicationYear"`
	Types           Types             `json:"types"`
	Subjects        []Subject         `json:"subjects,omitempty"`
	Contributors    []Contributor     `json:"contributors,omitempty"`
	Descriptions    []Description     `json:"descriptions,omitempty"`
	Dates           []Date            `json:"dates,omitempty"`
	Language        string            `json:"language,omitempty"`
	Version         string            `json:"version,omitempty"`
	Extra           map[string]string `json:"-"`
}

type Creator struct {
	Name string `json:"name"`
}

type Contributor struct {
	Name            string `json:"name"`
	ContributorType string `json:"contributorType"`
}

type Title struct {
	Title string `json:"title"`
}

type Subject struct {
	Subject string `json:"subject"`
}

type Description struct {
	Description     string `json:"description"`
	DescriptionType string `json:"descriptionType"`
}

type Date struct {
	Date     string `json:"date"`
	DateType string `json:"dateType"`
}

type Types struct {
	ResourceTypeGeneral string `json:"resourceTypeGeneral"`
	ResourceType        string `json:"resourceType,omitempty"`
}

// MarshalJSON merges Extra into the attribute object. Typed fields win on
// key collisions.
func (p Payload) MarshalJSON() ([]byte, error) {
	type plain Payload
	b, err := json.Marshal(plain(p))
	if err != nil || len(p.Extra) == 0 {
		return b, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}
