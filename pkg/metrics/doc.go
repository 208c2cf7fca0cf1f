/*
Package metrics provides Prometheus metrics and health probes for provisor.

Collectors are package variables registered with the default Prometheus
registry at init. Components update them directly; the coordinator
exposes them through Handler on the configured metrics address.

# Metric Families

	provisor_agents_registered            gauge    live leases
	provisor_agent_registrations_total    counter
	provisor_agent_removals_total         counter  {reason}
	provisor_agent_feedback_total         counter  {result}
	provisor_placements_total             counter  {result}
	provisor_placement_latency_seconds    histogram
	provisor_admission_rejections_total   counter
	provisor_pending_queue_depth          gauge
	provisor_fixed_outstanding            gauge
	provisor_worker_pool_busy             gauge
	provisor_deployments_total            gauge    {mode}
	provisor_ownership_changes_total      counter  {mode}
	provisor_scheduled_tasks              gauge
	provisor_peers_known                  gauge
	provisor_snapshot_duration_seconds    histogram

Gauges that mirror coordinator state (deployments by mode, peers known)
are refreshed periodically by the coordinator's collector rather than on
every change.

# Timing

	timer := metrics.NewTimer()
	err := agent.Place(ctx, order)
	timer.ObserveDuration(metrics.PlacementLatency)

# Health

HealthChecker is created per coordinator with the names of its critical
components. /ready returns 503 until every critical component has
reported healthy; /health reports 503 as soon as any component is
unhealthy; /live always answers 200.

	health := metrics.NewHealthChecker(version, "registry", "dispatcher")
	health.Update("registry", true, "")
	mux.Handle("/ready", health.ReadyHandler())
*/
package metrics
