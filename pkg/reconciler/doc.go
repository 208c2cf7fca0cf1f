/*
Package reconciler audits the placement queues on a fixed interval.

Placement is event driven: a registry change sweeps the fixed queue and
drains the pending queue, and nothing else does. A request that no agent
could take, or that a saturated worker pool refused, waits in the pending
queue for the next Register, Feedback, Renew or Cancel, or for an explicit
Retrigger. Retrying on a timer would send every waiting request at the
same agents at once, so the reconciler only looks.

	timer ──► read pending queue ──► queued last cycle too? ──yes──► stalled
	                                        │
	                                        no
	                                        ▼
	                                   remember ID

Stalled requests are logged and counted in provisor_placements_stalled.
The cycle also refreshes provisor_fixed_outstanding, counts itself in
provisor_reconciliation_cycles_total and is timed in
provisor_reconciliation_duration_seconds.

The loop runs on a juju clock, which tests replace with testclock:

	clk := testclock.NewClock(time.Now())
	r, _ := reconciler.NewReconciler(reconciler.Config{
		Dispatcher: disp,
		Clock:      clk,
		Interval:   time.Minute,
	})
	r.Start()
	clk.WaitAdvance(time.Minute, time.Second, 1)
*/
package reconciler
