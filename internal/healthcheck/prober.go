// Package healthcheck probes instance endpoints for readiness.
package healthcheck

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

// Prober checks whether an instance's public endpoint answers its health
// route. Any 2xx counts as ready; everything else, including transport
// errors, counts as not ready.
type Prober struct {
	httpClient *http.Client
}

func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *Prober) Ready(ctx context.Context, url string) bool {
	healthURL := strings.TrimRight(url, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
