// Package metrics provides optional Prometheus instrumentation for
// pkg/mtftp. A nil *Recorder disables all instrumentation; every method
// is safe to call on a nil receiver.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder publishes counters for session lifecycle and retransmission
// events. It carries no protocol logic of its own.
type Recorder struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted prometheus.Counter
	sessionsErrored   prometheus.Counter
	retransmits       prometheus.Counter
	ackTimeouts       prometheus.Counter
	rxTimeouts        prometheus.Counter
	bytesTransferred  prometheus.Counter
}

// NewRecorder creates a Recorder and registers its collectors with reg.
// Pass prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mtftp",
			Name:      "sessions_started_total",
			Help:      "Number of sessions started, server or client side.",
		}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mtftp",
			Name:      "sessions_completed_total",
			Help:      "Number of sessions that ended with END.",
		}),
		sessionsErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mtftp",
			Name:      "sessions_errored_total",
			Help:      "Number of sessions that ended with ERR or a local failure.",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mtftp",
			Name:      "retransmits_total",
			Help:      "Number of blocks retransmitted due to a zero ACK bit or timeout.",
		}),
		ackTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mtftp",
			Name:      "ack_timeouts_total",
			Help:      "Number of sender-side ACK timeouts.",
		}),
		rxTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mtftp",
			Name:      "rx_timeouts_total",
			Help:      "Number of receiver-side window completion timeouts.",
		}),
		bytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mtftp",
			Name:      "bytes_transferred_total",
			Help:      "Total bytes committed to a write sink across all sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.sessionsStarted,
			r.sessionsCompleted,
			r.sessionsErrored,
			r.retransmits,
			r.ackTimeouts,
			r.rxTimeouts,
			r.bytesTransferred,
		)
	}
	return r
}

func (r *Recorder) SessionStarted() {
	if r != nil {
		r.sessionsStarted.Inc()
	}
}

func (r *Recorder) SessionCompleted() {
	if r != nil {
		r.sessionsCompleted.Inc()
	}
}

func (r *Recorder) SessionErrored() {
	if r != nil {
		r.sessionsErrored.Inc()
	}
}

func (r *Recorder) Retransmit(blocks int) {
	if r != nil {
		r.retransmits.Add(float64(blocks))
	}
}

func (r *Recorder) AckTimeout() {
	if r != nil {
		r.ackTimeouts.Inc()
	}
}

func (r *Recorder) RxTimeout() {
	if r != nil {
		r.rxTimeouts.Inc()
	}
}

func (r *Recorder) BytesTransferred(n int64) {
	if r != nil {
		r.bytesTransferred.Add(float64(n))
	}
}
