package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	AgentsRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisor_agents_registered",
			Help: "Number of agents holding a live lease",
		},
	)

	AgentRegistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisor_agent_registrations_total",
			Help: "Total number of agent registrations",
		},
	)

	AgentRemovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisor_agent_removals_total",
			Help: "Total number of agents removed from the registry by reason",
		},
		[]string{"reason"},
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisor_agent_feedback_total",
			Help: "Total number of agent capacity updates by result",
		},
		[]string{"result"},
	)

	// Dispatch metrics
	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisor_placements_total",
			Help: "Total number of placement attempts by result",
		},
		[]string{"result"},
	)

	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provisor_placement_latency_seconds",
			Help:    "Time from dispatch to a placement outcome in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AdmissionRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisor_admission_rejections_total",
			Help: "Total number of candidate agents rejected by admission control",
		},
	)

	PendingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisor_pending_queue_depth",
			Help: "Placement requests waiting for an eligible agent",
		},
	)

	FixedOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisor_fixed_outstanding",
			Help: "Fixed-mode instances still to be placed",
		},
	)

	WorkerPoolBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisor_worker_pool_busy",
			Help: "Placement tasks currently executing",
		},
	)

	// Deployment metrics
	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisor_deployments_total",
			Help: "Deployments known to this coordinator by mode",
		},
		[]string{"mode"},
	)

	OwnershipChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisor_ownership_changes_total",
			Help: "Total number of ownership mode flips by new mode",
		},
		[]string{"mode"},
	)

	DeploymentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisor_deployments_by_status",
			Help: "Owned deployments by provisioning status",
		},
		[]string{"status"},
	)

	InstancesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisor_instances_running",
			Help: "Instances placed on live agents",
		},
	)

	ScheduledTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisor_scheduled_tasks",
			Help: "Timer tasks waiting to run",
		},
	)

	// Reconciliation metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisor_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	PlacementsStalled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisor_placements_stalled",
			Help: "Pending placements still queued after a full reconciliation interval",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provisor_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Peer metrics
	PeersKnown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisor_peers_known",
			Help: "Sibling coordinators currently known",
		},
	)

	// Persistence metrics
	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provisor_snapshot_duration_seconds",
			Help:    "Time taken to persist coordinator state in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JournalEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisor_journal_entries",
			Help: "Snapshots in the journal since the last checkpoint",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AgentsRegistered)
	prometheus.MustRegister(AgentRegistrationsTotal)
	prometheus.MustRegister(AgentRemovalsTotal)
	prometheus.MustRegister(FeedbackTotal)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(PlacementLatency)
	prometheus.MustRegister(AdmissionRejectionsTotal)
	prometheus.MustRegister(PendingQueueDepth)
	prometheus.MustRegister(FixedOutstanding)
	prometheus.MustRegister(WorkerPoolBusy)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(OwnershipChangesTotal)
	prometheus.MustRegister(DeploymentsByStatus)
	prometheus.MustRegister(InstancesRunning)
	prometheus.MustRegister(ScheduledTasks)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(PlacementsStalled)
	prometheus.MustRegister(PeersKnown)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(JournalEntries)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
