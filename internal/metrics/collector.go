// Package metrics exports run outcomes for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/hostbackup/internal/backup"
)

var kinds = []backup.Kind{
	backup.KindMissingRemote,
	backup.KindTransport,
	backup.KindLocalFS,
	backup.KindUnclassified,
}

// Collector holds the gauges describing one host's last run
type Collector struct {
	registry   *prometheus.Registry
	lastRun    prometheus.Gauge
	success    prometheus.Gauge
	duration   prometheus.Gauge
	directives prometheus.Gauge
	archived   prometheus.Gauge
	pruned     prometheus.Gauge
	errors     *prometheus.GaugeVec
}

// NewCollector registers the run gauges for host
func NewCollector(host string) *Collector {
	labels := prometheus.Labels{"host": host}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hostbackup",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	c := &Collector{
		registry:   prometheus.NewRegistry(),
		lastRun:    gauge("last_run_timestamp_seconds", "Unix time the last run finished."),
		success:    gauge("last_run_success", "1 if the last run recorded no errors."),
		duration:   gauge("last_run_duration_seconds", "Wall time of the last run."),
		directives: gauge("last_run_directives", "Copy directives attempted by the last run."),
		archived:   gauge("last_run_archived", "Backups moved into the archive folder by the last run."),
		pruned:     gauge("last_run_pruned", "Archived backups deleted by the last run."),
		errors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "hostbackup",
			Name:        "last_run_errors",
			Help:        "Errors recorded by the last run, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}

	c.registry.MustRegister(c.lastRun, c.success, c.duration, c.directives, c.archived, c.pruned, c.errors)
	return c
}

// Observe sets every gauge from report
func (c *Collector) Observe(report *backup.Report) {
	c.lastRun.Set(float64(report.FinishedAt.Unix()))
	c.duration.Set(report.Duration().Seconds())
	c.directives.Set(float64(len(report.Attempts)))
	c.archived.Set(float64(len(report.Archived)))
	c.pruned.Set(float64(len(report.Pruned)))

	if report.OK() {
		c.success.Set(1)
	} else {
		c.success.Set(0)
	}

	for _, kind := range kinds {
		c.errors.WithLabelValues(kind.String()).Set(float64(len(report.Errors(kind))))
	}
}

// WriteTextfile writes the gauges to hostbackup_<tag>.prom in dir
func (c *Collector) WriteTextfile(dir, tag string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create textfile directory: %w", err)
	}

	path := filepath.Join(dir, "hostbackup_"+strings.ToLower(tag)+".prom")
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return "", fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return path, nil
}

// WriteRun records report and writes its textfile in one step
func WriteRun(dir string, report *backup.Report) (string, error) {
	c := NewCollector(report.Host)
	c.Observe(report)
	return c.WriteTextfile(dir, report.Tag)
}
