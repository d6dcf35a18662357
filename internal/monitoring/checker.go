package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/config"
)

// Checker runs periodic health checks in the background. An alert is sent
// once when it first appears and again only after its message changes, so a
// long-flagged account does not page on every tick.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu   sync.Mutex
	last map[AlertType]string
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		last:      make(map[AlertType]string),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil {
				log.Error("monitoring: health check failed", zap.Error(err))
			}
		}
	}
}

// Check collects one snapshot and sends the alerts that are new since the
// previous check. It returns every alert currently firing.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		return nil, err
	}

	alerts := c.alerter.Evaluate(snap)
	fresh := c.filterNew(alerts)
	sent := c.alerter.SendAlerts(ctx, fresh)

	zap.L().Debug("monitoring: health check complete",
		zap.String("component", "monitoring.checker"),
		zap.Int("alerts_firing", len(alerts)),
		zap.Int("alerts_new", len(fresh)),
		zap.Int("alerts_sent", sent),
		zap.Int("in_progress", snap.InProgress),
	)
	return alerts, nil
}

func (c *Checker) filterNew(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	firing := make(map[AlertType]string, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		firing[a.Type] = a.Message
		if c.last[a.Type] != a.Message {
			fresh = append(fresh, a)
		}
	}
	c.last = firing
	return fresh
}
