package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

var (
	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribingester_kafka_messages_total",
			Help: "Total messages consumed from Kafka.",
		},
		[]string{"pipeline", "topic", "afi", "action"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribingester_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"pipeline", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribingester_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"pipeline", "table", "op"},
	)

	HistoryDedupConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribingester_history_dedup_conflicts_total",
			Help: "History dedup hits (ON CONFLICT DO NOTHING skips).",
		},
		[]string{"topic"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribingester_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	EORSeen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribingester_eor_seen",
			Help: "EOR received (0/1).",
		},
		[]string{"router_id", "table_name", "afi"},
	)

	LastMsgTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribingester_last_msg_timestamp_seconds",
			Help: "Unix timestamp of last processed message.",
		},
		[]string{"pipeline", "router_id", "table_name", "afi"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribingester_batch_size",
			Help:    "Batch sizes flushed to DB.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"pipeline"},
	)

	RoutesPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribingester_routes_purged_total",
			Help: "Routes purged (eor_stale, session_down).",
		},
		[]string{"reason"},
	)

	BatchDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribingester_batch_dropped_total",
			Help: "Batches dropped because the channel buffer overflowed.",
		},
		[]string{"pipeline"},
	)

	MembershipJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcontrold_membership_jobs_total",
			Help: "Peer-RIB membership jobs completed, by triggering event.",
		},
		[]string{"event"},
	)

	MembershipWalksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcontrold_membership_walks_total",
			Help: "Table walks run by the membership manager.",
		},
		[]string{"table"},
	)

	MembershipWalkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpcontrold_membership_walk_duration_seconds",
			Help:    "Wall time of a single membership table walk.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"table"},
	)

	SenderWorkQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpcontrold_sender_work_queue_depth",
			Help: "Pending work items in a partition's sender FIFO.",
		},
		[]string{"partition"},
	)

	SenderBlockedPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpcontrold_sender_blocked_peers",
			Help: "Peers in a partition currently not send-ready.",
		},
		[]string{"partition"},
	)

	SenderInSyncPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpcontrold_sender_in_sync_peers",
			Help: "Peers in a partition currently in sync with every joined RibOut.",
		},
		[]string{"partition"},
	)

	SenderWorkItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcontrold_sender_workitems_total",
			Help: "Work items drained by a partition's sender, by kind.",
		},
		[]string{"partition", "kind"},
	)

	AuditDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcontrold_audit_dropped_total",
			Help: "Audit events dropped because the write-behind channel was full.",
		},
		[]string{"event"},
	)

	EventsPublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcontrold_events_publish_errors_total",
			Help: "Event bus publish failures, by topic.",
		},
		[]string{"topic"},
	)
)

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		KafkaMessagesTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		HistoryDedupConflictsTotal,
		ParseErrorsTotal,
		EORSeen,
		LastMsgTimestamp,
		BatchSize,
		RoutesPurgedTotal,
		BatchDroppedTotal,
		MembershipJobsTotal,
		MembershipWalksTotal,
		MembershipWalkDuration,
		SenderWorkQueueDepth,
		SenderBlockedPeers,
		SenderInSyncPeers,
		SenderWorkItemsTotal,
		AuditDroppedTotal,
		EventsPublishErrorsTotal,
	)
}
