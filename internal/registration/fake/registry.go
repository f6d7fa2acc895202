// Package fake runs an in-memory registration endpoint, resolver and
// landing site for tests.
package fake

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Registry records submitted documents by identifier. Fail, when set,
// short-circuits every write with that status code.
type Registry struct {
	Server *httptest.Server

	mu       sync.Mutex
	records  map[string]map[string]any
	requests []Request
	fail     int
}

// Request is one write seen by the registry.
type Request struct {
	Method     string
	Identifier string
	Event      string
	Attributes map[string]any
}

func NewRegistry() *Registry {
	reg := &Registry{records: map[string]map[string]any{}}
	r := chi.NewRouter()
	r.Post("/records", reg.create)
	r.Put("/records/*", reg.write)
	r.Patch("/records/*", reg.write)
	r.Get("/resolve/*", reg.resolve)
	r.Get("/landing/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	reg.Server = httptest.NewServer(r)
	return reg
}

func (reg *Registry) Close() { reg.Server.Close() }

func (reg *Registry) URL() string { return reg.Server.URL }

// ResolverURL is the base for resolving identifiers against this registry.
func (reg *Registry) ResolverURL() string { return reg.Server.URL + "/resolve" }

// LandingURL is the base for landing pages served by this registry.
func (reg *Registry) LandingURL() string { return reg.Server.URL + "/landing" }

// FailWith makes every subsequent write return status. Zero restores
// normal behaviour.
func (reg *Registry) FailWith(status int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.fail = status
}

func (reg *Registry) Requests() []Request {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]Request(nil), reg.requests...)
}

func (reg *Registry) Record(identifier string) (map[string]any, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	attrs, ok := reg.records[identifier]
	return attrs, ok
}

type document struct {
	Data struct {
		Type       string         `json:"type"`
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
	} `json:"data"`
}

func (reg *Registry) decode(w http.ResponseWriter, r *http.Request) (document, bool) {
	var doc document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeErrors(w, http.StatusBadRequest, "malformed document")
		return doc, false
	}
	return doc, true
}

func (reg *Registry) create(w http.ResponseWriter, r *http.Request) {
	doc, ok := reg.decode(w, r)
	if !ok {
		return
	}
	id, _ := doc.Data.Attributes["doi"].(string)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.requests = append(reg.requests, Request{Method: r.Method, Identifier: id, Event: event(doc), Attributes: doc.Data.Attributes})
	if reg.fail != 0 {
		writeErrors(w, reg.fail, "forced failure")
		return
	}
	if _, exists := reg.records[id]; exists {
		writeErrors(w, http.StatusUnprocessableEntity, "This DOI has already been taken")
		return
	}
	reg.records[id] = doc.Data.Attributes
	writeRecord(w, http.StatusCreated, id, doc.Data.Attributes)
}

func (reg *Registry) write(w http.ResponseWriter, r *http.Request) {
	doc, ok := reg.decode(w, r)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/records/")
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.requests = append(reg.requests, Request{Method: r.Method, Identifier: id, Event: event(doc), Attributes: doc.Data.Attributes})
	if reg.fail != 0 {
		writeErrors(w, reg.fail, "forced failure")
		return
	}
	current, exists := reg.records[id]
	if !exists {
		writeErrors(w, http.StatusNotFound, "The resource you are looking for doesn't exist.")
		return
	}
	if r.Method == http.MethodPut {
		current = map[string]any{}
	}
	for k, v := range doc.Data.Attributes {
		current[k] = v
	}
	reg.records[id] = current
	writeRecord(w, http.StatusOK, id, current)
}

// resolve redirects any known identifier to its landing page, hidden or
// not, the way a handle resolver keeps tombstones resolvable.
func (reg *Registry) resolve(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/resolve/")
	attrs, ok := reg.Record(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	target, _ := attrs["url"].(string)
	if target == "" {
		target = "/landing/" + id
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func event(doc document) string {
	e, _ := doc.Data.Attributes["event"].(string)
	return e
}

func writeRecord(w http.ResponseWriter, status int, id string, attrs map[string]any) {
	state := "draft"
	switch attrs["event"] {
	case "register":
		state = "registered"
	case "publish":
		state = "findable"
	case "hide":
		state = "registered"
	}
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{"id": id, "type": "dois", "attributes": map[string]any{"doi": id, "state": state}},
	})
}

func writeErrors(w http.ResponseWriter, status int, title string) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]string{{"title": title}}})
}
