// Package metrics exposes engine event counters in Prometheus format
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BackupsCreated counts backups captured into the store
	BackupsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hardctl_backups_created_total",
		Help: "Total number of backups captured",
	})

	// RollbacksExecuted counts full or partial ledger rollbacks
	RollbacksExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hardctl_rollbacks_total",
		Help: "Total number of transaction rollbacks executed",
	})

	// RollbackActionFailures counts undo handlers that failed during a
	// best-effort rollback pass
	RollbackActionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hardctl_rollback_action_failures_total",
		Help: "Total number of undo handlers that failed during rollback",
	})

	// WatchdogsFired counts deferred watchdog timers that reached their
	// deadline and won the resolved race
	WatchdogsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hardctl_watchdog_fired_total",
		Help: "Total number of watchdog timers that fired at deadline",
	})

	// WatchdogsDisarmed counts watchdogs resolved by the synchronous path
	WatchdogsDisarmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hardctl_watchdog_disarmed_total",
		Help: "Total number of watchdogs disarmed after a passing liveness check",
	})

	// Applies counts safe-apply operations by result
	Applies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hardctl_applies_total",
		Help: "Total number of safe-apply operations by result",
	}, []string{"result"})
)

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
