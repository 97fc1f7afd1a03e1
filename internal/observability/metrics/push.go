package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// PushConfig points the batch job at a Prometheus Pushgateway.
type PushConfig struct {
	URL string
	Job string
}

// Pusher ships the gathered registry to a Pushgateway when the run ends.
// A batch process exits before any scrape would see it.
type Pusher struct {
	cfg      PushConfig
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

func NewPusher(cfg PushConfig, gatherer prometheus.Gatherer, log *zap.Logger) *Pusher {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if strings.TrimSpace(cfg.Job) == "" {
		cfg.Job = "turnstile_ingest"
	}
	return &Pusher{cfg: cfg, gatherer: gatherer, log: log.Named("metrics.push")}
}

func (p *Pusher) Enabled() bool {
	return p != nil && strings.TrimSpace(p.cfg.URL) != ""
}

// Push replaces the job's metric group on the gateway.
func (p *Pusher) Push(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	err := push.New(p.cfg.URL, p.cfg.Job).
		Gatherer(p.gatherer).
		PushContext(ctx)
	if err != nil {
		p.log.Warn("push failed", zap.String("url", p.cfg.URL), zap.Error(err))
		return err
	}
	p.log.Debug("pushed", zap.String("url", p.cfg.URL), zap.String("job", p.cfg.Job))
	return nil
}
