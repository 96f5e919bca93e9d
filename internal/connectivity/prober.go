package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/italolelis/skillbridge_offline/internal/logctx"
)

// Prober derives the online flag from periodic HEAD requests to a URL, for
// deployments where no platform signal is pushed through the API.
type Prober struct {
	monitor  *Monitor
	target   string
	interval time.Duration
	client   *http.Client
}

// NewProber creates a prober that checks target every interval.
func NewProber(m *Monitor, target string, interval time.Duration) *Prober {
	return &Prober{
		monitor:  m,
		target:   target,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "connectivity_prober")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		online := p.probe(ctx)
		if p.monitor.SetOnline(online) {
			logger.InfoContext(ctx, "connectivity changed", "online", online)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}
