package chirp

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// metricsObj holds every Chirp-instance metric. It is built once, lazily,
// the same way this codebase's other metrics objects avoid nil checks and
// per-request metric creation overhead.
type metricsObj struct {
	set *metrics.Set

	messages_sent_total struct {
		success        *metrics.Counter
		timeout        *metrics.Counter
		cannot_connect *metrics.Counter
		write_error    *metrics.Counter
		protocol_error *metrics.Counter
		shutdown       *metrics.Counter
		enomem         *metrics.Counter
	}
	messages_received_total *metrics.Counter
	acks_sent_total         *metrics.Counter
	acks_received_total     *metrics.Counter
	noops_sent_total        *metrics.Counter

	connections_opened_total   *metrics.Counter
	connections_closed_total   *metrics.Counter
	handshakes_completed_total *metrics.Counter
	races_resolved_total       *metrics.Counter

	protocol_errors_total       *metrics.Counter
	reconnects_total            *metrics.Counter
	gc_sweeps_total             *metrics.Counter
	gc_connections_reaped_total *metrics.Counter
	gc_remotes_reaped_total     *metrics.Counter

	pool_exhausted_events_total *metrics.Counter

	send_to_ack_latency_seconds *metrics.Histogram
	handshake_duration_seconds  *metrics.Histogram
}

type metricsHolder struct {
	once sync.Once
	obj  metricsObj
}

func (h *metricsHolder) m() *metricsObj {
	h.once.Do(func() {
		mo := &h.obj
		mo.set = metrics.NewSet()
		mo.messages_sent_total.success = mo.set.NewCounter(`chirp_messages_sent_total{result="success"}`)
		mo.messages_sent_total.timeout = mo.set.NewCounter(`chirp_messages_sent_total{result="timeout"}`)
		mo.messages_sent_total.cannot_connect = mo.set.NewCounter(`chirp_messages_sent_total{result="cannot_connect"}`)
		mo.messages_sent_total.write_error = mo.set.NewCounter(`chirp_messages_sent_total{result="write_error"}`)
		mo.messages_sent_total.protocol_error = mo.set.NewCounter(`chirp_messages_sent_total{result="protocol_error"}`)
		mo.messages_sent_total.shutdown = mo.set.NewCounter(`chirp_messages_sent_total{result="shutdown"}`)
		mo.messages_sent_total.enomem = mo.set.NewCounter(`chirp_messages_sent_total{result="enomem"}`)
		mo.messages_received_total = mo.set.NewCounter(`chirp_messages_received_total`)
		mo.acks_sent_total = mo.set.NewCounter(`chirp_acks_sent_total`)
		mo.acks_received_total = mo.set.NewCounter(`chirp_acks_received_total`)
		mo.noops_sent_total = mo.set.NewCounter(`chirp_noops_sent_total`)
		mo.connections_opened_total = mo.set.NewCounter(`chirp_connections_opened_total`)
		mo.connections_closed_total = mo.set.NewCounter(`chirp_connections_closed_total`)
		mo.handshakes_completed_total = mo.set.NewCounter(`chirp_handshakes_completed_total`)
		mo.races_resolved_total = mo.set.NewCounter(`chirp_races_resolved_total`)
		mo.protocol_errors_total = mo.set.NewCounter(`chirp_protocol_errors_total`)
		mo.reconnects_total = mo.set.NewCounter(`chirp_reconnects_total`)
		mo.gc_sweeps_total = mo.set.NewCounter(`chirp_gc_sweeps_total`)
		mo.gc_connections_reaped_total = mo.set.NewCounter(`chirp_gc_connections_reaped_total`)
		mo.gc_remotes_reaped_total = mo.set.NewCounter(`chirp_gc_remotes_reaped_total`)
		mo.pool_exhausted_events_total = mo.set.NewCounter(`chirp_pool_exhausted_events_total`)
		mo.send_to_ack_latency_seconds = mo.set.NewHistogram(`chirp_send_to_ack_latency_seconds`)
		mo.handshake_duration_seconds = mo.set.NewHistogram(`chirp_handshake_duration_seconds`)
	})
	return &h.obj
}

// WritePrometheus writes this instance's metrics in Prometheus exposition
// format to w.
func (h *metricsHolder) WritePrometheus(w io.Writer) {
	h.m().set.WritePrometheus(w)
}
