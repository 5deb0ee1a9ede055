package handler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldline/fieldsync/pubsub"
)

var (
	checkInsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "checkins_total",
		Help:      "Number of accepted check-ins",
	})
	checkOutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "checkouts_total",
		Help:      "Number of accepted check-outs",
	})
	syncCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "sync_calls_total",
		Help:      "Number of delta sync calls by result",
	}, []string{"result"})
	syncConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "sync_conflicts_total",
		Help:      "Number of conflicts detected across all sync calls",
	})
	syncChangesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "sync_changes_applied_total",
		Help:      "Number of client changes applied across all sync calls",
	})
)

func init() {
	prometheus.MustRegister(checkInsTotal, checkOutsTotal, syncCallsTotal, syncConflictsTotal, syncChangesApplied)
}

// ListenForSyncMetrics consumes sync completion payloads and keeps the
// conflict/applied counters current. Blocks until the listener is closed;
// run it on its own goroutine.
func ListenForSyncMetrics(listener pubsub.Listener) error {
	return listener.Listen(pubsub.ChanSync, func(p pubsub.Payload) {
		done, ok := p.(*pubsub.SyncCompleted)
		if !ok {
			return
		}
		syncConflictsTotal.Add(float64(done.Conflicts))
		syncChangesApplied.Add(float64(done.Applied))
	})
}
