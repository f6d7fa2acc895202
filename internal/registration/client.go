package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pidline/internal/config"
	"pidline/internal/domain"
	"pidline/internal/metrics"
)

// Endpoint events.
const (
	EventDraft    = "draft"
	EventRegister = "register"
	EventPublish  = "publish"
	EventHide     = "hide"
)

const maxErrorBody = 64 << 10

// EventFor maps a target state to the endpoint event that reaches it.
func EventFor(state domain.IdentifierState) (string, error) {
	switch state {
	case domain.StateDraft:
		return EventDraft, nil
	case domain.StateRegistered:
		return EventRegister, nil
	case domain.StateFindable:
		return EventPublish, nil
	case domain.StateDeleted:
		return EventHide, nil
	}
	return "", fmt.Errorf("no registration event for state %q", state)
}

// Response is the parsed success document of the endpoint.
type Response struct {
	StatusCode int
	Identifier string
	State      string
	Body       json.RawMessage
}

// Client performs single-attempt requests against the registration
// endpoint. It never retries.
type Client struct {
	HTTP    *http.Client
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewClient(httpClient *http.Client, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{HTTP: httpClient, Metrics: m, Now: time.Now}
}

type document struct {
	Data documentData `json:"data"`
}

type documentData struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Attributes any    `json:"attributes"`
}

type stateAttributes struct {
	Event string `json:"event"`
}

// Submit creates (POST) or replaces (PUT) the metadata of identifier with
// the event for target and the landing URL.
func (c *Client) Submit(ctx context.Context, identifier string, payload domain.Payload, target domain.IdentifierState, cfg config.Registration, landingURL string, isUpdate bool) (Response, error) {
	event, err := EventFor(target)
	if err != nil {
		return Response{}, &Error{Kind: KindMalformed, Err: err}
	}
	payload.Identifier = identifier
	payload.Event = event
	payload.URL = landingURL

	method, endpoint := http.MethodPost, cfg.BaseURL+"/records"
	doc := document{Data: documentData{Type: "records", Attributes: payload}}
	if isUpdate {
		method, endpoint = http.MethodPut, recordURL(cfg.BaseURL, identifier)
		doc.Data.ID = identifier
	}
	return c.do(ctx, method, endpoint, doc, cfg)
}

// ChangeState sends only a lifecycle event for identifier.
func (c *Client) ChangeState(ctx context.Context, identifier, event string, cfg config.Registration) (Response, error) {
	doc := document{Data: documentData{Type: "records", ID: identifier, Attributes: stateAttributes{Event: event}}}
	return c.do(ctx, http.MethodPatch, recordURL(cfg.BaseURL, identifier), doc, cfg)
}

// recordURL keeps the prefix/suffix slash literal and escapes each segment.
func recordURL(base, identifier string) string {
	segments := strings.Split(identifier, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return base + "/records/" + strings.Join(segments, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, doc document, cfg config.Registration) (Response, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return Response{}, &Error{Kind: KindMalformed, Method: method, Err: fmt.Errorf("encode payload: %w", err)}
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultTimeoutSeconds * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, &Error{Kind: KindMalformed, Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	req.Header.Set("Accept", "application/vnd.api+json")
	if cfg.Username != "" || cfg.Password != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	start := c.now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Metrics.ObserveRegistration(method, 0, c.now().Sub(start))
		return Response{}, &Error{Kind: KindTransport, Method: method, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	c.Metrics.ObserveRegistration(method, resp.StatusCode, c.now().Sub(start))
	if err != nil {
		return Response{}, &Error{Kind: KindTransport, Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &Error{
			Kind:       KindRejected,
			Method:     method,
			StatusCode: resp.StatusCode,
			Title:      errorTitle(raw, resp.StatusCode),
			Raw:        string(raw),
		}
	}
	return parseResponse(resp.StatusCode, raw), nil
}

func (c *Client) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// parseResponse extracts the identifier and state when present. A 2xx with
// an unparseable body is still a success; the raw body is kept.
func parseResponse(status int, raw []byte) Response {
	res := Response{StatusCode: status}
	if len(raw) == 0 {
		return res
	}
	var doc struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				DOI        string `json:"doi"`
				Identifier string `json:"identifier"`
				State      string `json:"state"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if json.Valid(raw) {
		res.Body = json.RawMessage(raw)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return res
	}
	res.Identifier = doc.Data.Attributes.DOI
	if res.Identifier == "" {
		res.Identifier = doc.Data.Attributes.Identifier
	}
	if res.Identifier == "" {
		res.Identifier = doc.Data.ID
	}
	res.State = doc.Data.Attributes.State
	return res
}

func errorTitle(raw []byte, status int) string {
	var body struct {
		Errors []struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, e := range body.Errors {
			if e.Title != "" {
				return e.Title
			}
			if e.Detail != "" {
				return e.Detail
			}
		}
	}
	return "HTTP " + strconv.Itoa(status)
}
