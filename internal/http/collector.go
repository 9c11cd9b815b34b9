package http

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/status"
)

const collectTimeout = 5 * time.Second

// keyCollector exports per-key gauges read from the store on every
// scrape.
type keyCollector struct {
	reporter *status.Reporter
	logger   *logging.Logger

	iteration  *prometheus.Desc
	bestPassed *prometheus.Desc
	bestTotal  *prometheus.Desc
	running    *prometheus.Desc
	state      *prometheus.Desc
	scrapeErr  *prometheus.Desc
}

func newKeyCollector(reporter *status.Reporter, logger *logging.Logger) *keyCollector {
	labels := []string{"provider", "model"}
	return &keyCollector{
		reporter: reporter,
		logger:   logger,
		iteration: prometheus.NewDesc("guidesmith_key_iteration",
			"Current iteration of a running key, else the checkpoint or last recorded iteration", labels, nil),
		bestPassed: prometheus.NewDesc("guidesmith_key_best_passed",
			"Evals passed by the best document of the lineage", labels, nil),
		bestTotal: prometheus.NewDesc("guidesmith_key_best_total",
			"Eval count behind guidesmith_key_best_passed", labels, nil),
		running: prometheus.NewDesc("guidesmith_key_running",
			"1 when a live process holds the key's lock", labels, nil),
		state: prometheus.NewDesc("guidesmith_key_state",
			"1 for the key's current state", append(labels, "state"), nil),
		scrapeErr: prometheus.NewDesc("guidesmith_status_scrape_error",
			"1 when the last status read failed", nil, nil),
	}
}

func (c *keyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.iteration
	ch <- c.bestPassed
	ch <- c.bestTotal
	ch <- c.running
	ch <- c.state
	ch <- c.scrapeErr
}

func (c *keyCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	statuses, err := c.reporter.All(ctx)
	if err != nil {
		c.logger.Warn(ctx, "status scrape failed", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(c.scrapeErr, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeErr, prometheus.GaugeValue, 0)

	for _, st := range statuses {
		iteration := st.CheckpointIteration
		if st.State == status.StateRunning {
			iteration = st.Iteration
		} else if iteration == 0 {
			iteration = st.LastIteration
		}
		running := 0.0
		if st.State == status.StateRunning {
			running = 1
		}

		ch <- prometheus.MustNewConstMetric(c.iteration, prometheus.GaugeValue, float64(iteration), st.Provider, st.Model)
		ch <- prometheus.MustNewConstMetric(c.bestPassed, prometheus.GaugeValue, float64(st.BestPassed), st.Provider, st.Model)
		ch <- prometheus.MustNewConstMetric(c.bestTotal, prometheus.GaugeValue, float64(st.BestTotal), st.Provider, st.Model)
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running, st.Provider, st.Model)
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, 1, st.Provider, st.Model, string(st.State))
	}
}
