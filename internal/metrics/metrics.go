package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "venuelink"

var (
	SupervisorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Connection state (0 init, 1 connecting, 2 active, 3 recovering, 4 stopped)",
		},
		[]string{"session"},
	)

	SupervisorRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "recoveries_total",
			Help:      "Recovery sequences run, by outcome",
		},
		[]string{"session", "result"},
	)

	SubscriptionsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "subscriptions_replayed_total",
			Help:      "Subscription requests re-sent after a reconnect",
		},
		[]string{"session"},
	)

	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Inbound stream messages by classified kind",
		},
		[]string{"session", "kind"},
	)

	ListenKeyRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "listen_key_renewals_total",
			Help:      "Listen key keep-alive calls by outcome",
		},
		[]string{"session", "result"},
	)

	FixMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fix",
			Name:      "messages_sent_total",
			Help:      "FIX messages transmitted by MsgType",
		},
		[]string{"session", "msg_type"},
	)

	FixMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fix",
			Name:      "messages_received_total",
			Help:      "FIX messages received by MsgType",
		},
		[]string{"session", "msg_type"},
	)

	FixProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fix",
			Name:      "protocol_errors_total",
			Help:      "Inbound FIX frames dropped as malformed",
		},
		[]string{"session"},
	)

	FixReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fix",
			Name:      "reconnects_total",
			Help:      "FIX reconnect sequences by outcome",
		},
		[]string{"session", "result"},
	)

	FixSeqNum = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fix",
			Name:      "outbound_seqnum",
			Help:      "Next outbound MsgSeqNum",
		},
		[]string{"session"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Items waiting in an output queue",
		},
		[]string{"queue"},
	)

	JournalBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "batches_total",
			Help:      "Journal flushes by outcome",
		},
		[]string{"result"},
	)

	JournalRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "rows_inserted_total",
			Help:      "Order events inserted into the journal",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SampleQueues records the value of each depth func into QueueDepth every
// interval until ctx is done.
func SampleQueues(ctx context.Context, interval time.Duration, depths map[string]func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for name, depth := range depths {
			QueueDepth.WithLabelValues(name).Set(float64(depth()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
