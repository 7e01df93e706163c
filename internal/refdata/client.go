package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/amr-import-engine/internal/domain"
)

// Client queries a remote reference-data service over HTTP. Requests pass a
// client-side rate limiter and a circuit breaker, so a degraded reference
// service throttles imports instead of hammering it with per-row lookups.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Logger
}

// NewClient builds a resilient reference-data client.
func NewClient(cfg domain.RefDataConfig, log *logrus.Logger) *Client {
	minRequests := cfg.BreakerMin
	if minRequests == 0 {
		minRequests = 3
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reference-data",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name, "from": from.String(), "to": to.String(),
			}).Warn("Reference-data circuit breaker state change")
		},
	})

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		log:     log,
	}
}

// LookupOrganism resolves an organism code against the remote service.
func (c *Client) LookupOrganism(ctx context.Context, code string) (*domain.Organism, error) {
	var out domain.Organism
	if err := c.get(ctx, "/v1/organisms/"+url.PathEscape(code), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupAntibiotic resolves an antibiotic code against the remote service.
func (c *Client) LookupAntibiotic(ctx context.Context, code string) (*domain.Antibiotic, error) {
	var out domain.Antibiotic
	if err := c.get(ctx, "/v1/antibiotics/"+url.PathEscape(code), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupBreakpoints fetches the candidate rule set for an antibiotic under a
// standard and version.
func (c *Client) LookupBreakpoints(ctx context.Context, q domain.BreakpointQuery) ([]domain.BreakpointRule, error) {
	params := url.Values{}
	params.Set("antibiotic", q.Antibiotic)
	params.Set("standard", q.Standard)
	params.Set("version", q.Version)

	var out []domain.BreakpointRule
	if err := c.get(ctx, "/v1/breakpoints", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	full := c.baseURL + path
	if len(params) > 0 {
		full += "?" + params.Encode()
	}

	// A 404 is an answer, not a service failure: it must not feed the
	// breaker's failure ratio.
	notFound := false
	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var decoded json.RawMessage
			if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
				return nil, fmt.Errorf("decoding response: %w", err)
			}
			return decoded, nil
		case http.StatusNotFound:
			notFound = true
			return nil, nil
		default:
			return nil, fmt.Errorf("reference service returned %d", resp.StatusCode)
		}
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return fmt.Errorf("reference-data service unavailable (circuit breaker open)")
		}
		return err
	}
	if notFound {
		return domain.ErrReferenceNotFound
	}

	return json.Unmarshal(body.(json.RawMessage), out)
}
