package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Provider supplies carbon-intensity forecasts for a grid zone.
// Implementations are expected to refresh their data at least daily;
// staleness shows up to callers as windows no hour covers.
type Provider interface {
	// Forecast returns per-hour intensity scores for the given zone,
	// covering at most horizonHours from now.
	Forecast(ctx context.Context, zone string, horizonHours int) (Forecast, error)
}

// ──────────────────────────────────────────────────
// Static
// ──────────────────────────────────────────────────

// StaticProvider serves a fixed forecast regardless of zone.
// Intended for tests and development.
type StaticProvider struct {
	Data Forecast
}

// NewStaticProvider creates a provider that always returns data.
func NewStaticProvider(data Forecast) *StaticProvider {
	return &StaticProvider{Data: data}
}

// Forecast returns the fixed forecast.
func (p *StaticProvider) Forecast(_ context.Context, _ string, _ int) (Forecast, error) {
	return p.Data, nil
}

// ──────────────────────────────────────────────────
// HTTP
// ──────────────────────────────────────────────────

// HTTPProvider fetches forecasts from an external intensity API.
// Requests are rate limited so that many recurring definitions polling
// carbon-aware windows do not hammer the upstream service.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient sets the HTTP client used for forecast requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = c }
}

// WithRateLimit caps upstream requests at r per second with burst b.
func WithRateLimit(r rate.Limit, b int) HTTPOption {
	return func(p *HTTPProvider) { p.limiter = rate.NewLimiter(r, b) }
}

// WithLogger sets the structured logger for the provider.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(p *HTTPProvider) { p.logger = l }
}

// NewHTTPProvider creates a provider fetching from baseURL. The endpoint
// is expected to accept zone and hours query parameters and respond with
// a JSON array of {"hour": RFC3339, "intensity": number} points.
func NewHTTPProvider(baseURL string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute), 5),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// forecastPoint is the wire shape of one forecast hour.
type forecastPoint struct {
	Hour      time.Time `json:"hour"`
	Intensity float64   `json:"intensity"`
}

// Forecast fetches per-hour intensity scores for the given zone.
func (p *HTTPProvider) Forecast(ctx context.Context, zone string, horizonHours int) (Forecast, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("recur/carbon: rate limit wait: %w", err)
	}

	q := url.Values{}
	q.Set("zone", zone)
	q.Set("hours", strconv.Itoa(horizonHours))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("recur/carbon: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recur/carbon: fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recur/carbon: forecast endpoint returned %s", resp.Status)
	}

	var points []forecastPoint
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		return nil, fmt.Errorf("recur/carbon: decode forecast: %w", err)
	}

	f := make(Forecast, len(points))
	for _, pt := range points {
		f[pt.Hour.UTC().Truncate(time.Hour)] = pt.Intensity
	}

	p.logger.Debug("forecast refreshed",
		slog.String("zone", zone),
		slog.Int("hours", len(f)),
	)
	return f, nil
}
