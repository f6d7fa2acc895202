package registration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidline/internal/config"
)

func TestResolveFollowsRedirectToLandingPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/10.1234/repo-1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landing/field-notes", http.StatusFound)
	})
	mux.HandleFunc("/landing/field-notes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := NewResolver(srv.Client()).Resolve(context.Background(), "10.1234/repo-1", config.Registration{ResolverBaseURL: srv.URL})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, srv.URL+"/landing/field-notes", res.Target)
	assert.Equal(t, 1, res.Redirects)
}

func TestResolveCapsRedirectChain(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/hop"))
		http.Redirect(w, r, "/hop"+strconv.Itoa(n+1), http.StatusMovedPermanently)
	}))
	defer srv.Close()

	res, err := NewResolver(srv.Client()).Resolve(context.Background(), "hop0", config.Registration{ResolverBaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, MaxRedirects+1, hits)
	assert.Equal(t, MaxRedirects, res.Redirects)
	assert.Equal(t, http.StatusMovedPermanently, res.StatusCode)
	assert.True(t, strings.HasSuffix(res.Target, "/hop"+strconv.Itoa(MaxRedirects+1)))
}

func TestResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	res, err := NewResolver(srv.Client()).Resolve(context.Background(), "10.1234/missing", config.Registration{ResolverBaseURL: srv.URL})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestResolveTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewResolver(nil).Resolve(context.Background(), "10.1234/x", config.Registration{ResolverBaseURL: url, TimeoutSeconds: 2})
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
}
