package refdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amr-import-engine/internal/domain"
)

func testClientLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestClient(baseURL string) *Client {
	return NewClient(domain.RefDataConfig{
		Mode:       "remote",
		BaseURL:    baseURL,
		BreakerMin: 3,
	}, testClientLogger())
}

func TestClient_Lookups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/organisms/ECO":
			json.NewEncoder(w).Encode(domain.Organism{Code: "ECO", Name: "Escherichia coli"})
		case "/v1/antibiotics/AMP":
			json.NewEncoder(w).Encode(domain.Antibiotic{Code: "AMP", Name: "Ampicillin"})
		case "/v1/breakpoints":
			assert.Equal(t, "AMP", r.URL.Query().Get("antibiotic"))
			assert.Equal(t, "CLSI", r.URL.Query().Get("standard"))
			json.NewEncoder(w).Encode([]domain.BreakpointRule{
				{Antibiotic: "AMP", Method: domain.MethodMIC, Standard: "CLSI", Version: "2024"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	o, err := c.LookupOrganism(ctx, "ECO")
	require.NoError(t, err)
	assert.Equal(t, "Escherichia coli", o.Name)

	a, err := c.LookupAntibiotic(ctx, "AMP")
	require.NoError(t, err)
	assert.Equal(t, "Ampicillin", a.Name)

	rules, err := c.LookupBreakpoints(ctx, domain.BreakpointQuery{
		Antibiotic: "AMP", Standard: "CLSI", Version: "2024",
	})
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.LookupOrganism(context.Background(), "ZZZ")
	assert.ErrorIs(t, err, domain.ErrReferenceNotFound)
}

func TestClient_NotFoundDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 10; i++ {
		_, err := c.LookupOrganism(context.Background(), "ZZZ")
		assert.ErrorIs(t, err, domain.ErrReferenceNotFound,
			"misses are answers, never breaker failures")
	}
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 10; i++ {
		_, err := c.LookupOrganism(context.Background(), "ECO")
		require.Error(t, err)
	}

	// After the breaker trips, requests stop reaching the service.
	assert.Less(t, hits.Load(), int64(10))
	_, err := c.LookupOrganism(context.Background(), "ECO")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
}
