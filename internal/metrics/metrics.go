package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WatcherCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchd_watcher_cycles_total",
		Help: "Poll cycles run by the record watcher.",
	})
	WatcherChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchd_watcher_changes_total",
		Help: "Poll cycles that detected a record change.",
	})
	Viewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchd_viewers",
		Help: "Currently connected sync viewers.",
	})
	SnapshotsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchd_snapshots_pushed_total",
		Help: "Session snapshots fanned out to viewers.",
	})
	OutputFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchd_output_frames_total",
		Help: "Output frames sent across all pane streams.",
	})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchd_reconnect_attempts_total",
		Help: "Client channel reconnect attempts.",
	})
)

// Handler serves the prometheus registry; mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
