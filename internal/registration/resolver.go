package registration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pidline/internal/config"
)

const (
	MaxRedirects       = 5
	DefaultResolverURL = "https://doi.org"
)

// resolvedCodes are the final statuses counted as a working resolution.
var resolvedCodes = map[int]bool{
	http.StatusOK:                true,
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// Resolution is the outcome of a public resolution check.
type Resolution struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Target     string `json:"target"`
	Redirects  int    `json:"redirects"`
	OK         bool   `json:"ok"`
}

// Resolver checks that an identifier resolves through the public resolver.
type Resolver struct {
	HTTP *http.Client
}

func NewResolver(httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Resolver{HTTP: httpClient}
}

// Resolve issues a GET for identifier and follows at most MaxRedirects
// redirects. A chain longer than that stops at the last redirect response.
// Transport failures return a *Error of KindTransport.
func (r *Resolver) Resolve(ctx context.Context, identifier string, cfg config.Registration) (Resolution, error) {
	base := strings.TrimRight(cfg.ResolverBaseURL, "/")
	if base == "" {
		base = DefaultResolverURL
	}
	res := Resolution{URL: base + "/" + identifier}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultTimeoutSeconds * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := *r.HTTP
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > MaxRedirects {
			return http.ErrUseLastResponse
		}
		res.Redirects = len(via)
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
	if err != nil {
		return res, &Error{Kind: KindMalformed, Method: http.MethodGet, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		var urlErr interface{ Timeout() bool }
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			err = fmt.Errorf("resolve %s timed out: %w", res.URL, err)
		}
		return res, &Error{Kind: KindTransport, Method: http.MethodGet, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	res.StatusCode = resp.StatusCode
	res.Target = resp.Request.URL.String()
	if loc := resp.Header.Get("Location"); loc != "" && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		res.Target = loc
	}
	res.OK = resolvedCodes[resp.StatusCode]
	return res, nil
}
