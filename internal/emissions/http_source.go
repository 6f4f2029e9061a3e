package emissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/subnetindex/settlement/internal/index"
)

// snapshotResponse is the wire shape of the emissions endpoint: subnet ids as
// JSON object keys, rolling-average scores as values.
type snapshotResponse struct {
	AsOf   time.Time                  `json:"as_of"`
	Scores map[index.SubnetID]float64 `json:"scores"`
}

// HTTPConfig configures the snapshot client.
type HTTPConfig struct {
	URL            string
	RequestTimeout time.Duration
	RatePerSecond  float64
	Burst          int
}

// HTTPSource fetches emission snapshots over HTTP. Calls go through a rate
// limiter and a circuit breaker so a degraded feed cannot be hammered.
type HTTPSource struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewHTTPSource creates the client.
func NewHTTPSource(cfg HTTPConfig, log zerolog.Logger) (*HTTPSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("emissions: endpoint URL required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "emissions",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("emissions breaker state change")
		},
	})

	return &HTTPSource{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: breaker,
		log:     log,
	}, nil
}

// Snapshot fetches and validates the current score map.
func (s *HTTPSource) Snapshot(ctx context.Context) (map[index.SubnetID]float64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("emissions: rate limit wait: %w", err)
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}

	scores := result.(map[index.SubnetID]float64)
	if err := validate(scores); err != nil {
		return nil, err
	}
	return scores, nil
}

func (s *HTTPSource) fetch(ctx context.Context) (map[index.SubnetID]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("emissions: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var payload snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("emissions: decode snapshot: %w", err)
	}

	s.log.Debug().Int("subnets", len(payload.Scores)).Time("as_of", payload.AsOf).
		Msg("emissions snapshot fetched")
	return payload.Scores, nil
}
