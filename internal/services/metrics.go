package services

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "score_upload_sessions_total",
		Help: "Multipart upload sessions by outcome",
	}, []string{"outcome"}) // initiated, superseded, finalized, cancelled, invalidated

	partsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "score_upload_parts_finalized_total",
		Help: "Part completions recorded",
	})

	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "score_upload_conflicts_total",
		Help: "Rejected requests whose state diverged from the recorded session",
	}, []string{"operation"})

	recoveredParts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "score_upload_recovery_dropped_parts_total",
		Help: "Part completions dropped by recovery because the object store disagreed",
	})

	downloadSpecs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "score_download_specifications_total",
		Help: "Download specifications issued",
	}, []string{"range"}) // whole, partial
)

// sessionCounter is implemented by object stores that can count their open
// multipart sessions.
type sessionCounter interface {
	SessionCount() int
}

// openSessionsSource is the store reported by the open sessions gauge.
var openSessionsSource atomic.Pointer[sessionCounter]

var openSessions = promauto.NewGaugeFunc(prometheus.GaugeOpts{
	Name: "score_object_store_open_sessions",
	Help: "Multipart sessions open in the object store, where the backend can count them",
}, func() float64 {
	if c := openSessionsSource.Load(); c != nil {
		return float64((*c).SessionCount())
	}
	return 0
})

// reportOpenSessions makes store the source of the open sessions gauge when
// it can count its sessions.
func reportOpenSessions(store any) {
	if c, ok := store.(sessionCounter); ok {
		openSessionsSource.Store(&c)
	}
}
