package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Probe derives connectivity from periodic HEAD requests against a URL.
// Any HTTP response counts as online; transport errors count as offline.
type Probe struct {
	*Switch

	url      string
	interval time.Duration
	client   *http.Client
	logger   log.Logger
}

// NewProbe creates a Probe that starts in the online state.
func NewProbe(url string, interval time.Duration, logger log.Logger) *Probe {
	return &Probe{
		Switch:   NewSwitch(true),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: interval},
		logger:   logger,
	}
}

// Run checks connectivity every interval until ctx is done. A check interrupted by ctx
// leaves the state unchanged.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.update(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.update(ctx)
		}
	}
}

func (p *Probe) update(ctx context.Context) {
	online := p.Check(ctx)
	if ctx.Err() != nil {
		return
	}
	p.Set(online)
}

// Check performs a single reachability request.
func (p *Probe) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warnf("Connectivity probe request: %s", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debugf("Connectivity probe failed: %s", err)
		return false
	}
	if err := resp.Body.Close(); err != nil {
		p.logger.Debugf("Close probe response: %s", err)
	}

	return true
}
