package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// HTTPSource fetches the rate from a JSON endpoint responding with
// {"rate": <dollars>}. The value may be fractional; it is rounded to
// the nearest whole dollar.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates a rate source polling the given URL.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchRate implements RateSource.
func (s *HTTPSource) FetchRate(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate source returned %d", resp.StatusCode)
	}

	var body struct {
		Rate json.Number `json:"rate"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode rate response: %w", err)
	}
	f, err := body.Rate.Float64()
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", body.Rate.String(), err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("non-positive rate %v", f)
	}
	return int64(math.Round(f)), nil
}

// StaticSource always returns the same rate. Used in dev mode and tests.
type StaticSource int64

// FetchRate implements RateSource.
func (s StaticSource) FetchRate(context.Context) (int64, error) {
	return int64(s), nil
}
