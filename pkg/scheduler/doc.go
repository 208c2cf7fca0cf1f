/*
Package scheduler fires timed deployment tasks: deferred deployments, the
matching undeployments of bounded schedules, and delayed redeployments.

# Architecture

	┌──────────────────────────────────────────────────────────┐
	│                    Scheduler Loop                        │
	│              (one goroutine, one timer)                  │
	└────────────────┬─────────────────────────────────────────┘
	                 │
	                 ▼
	┌──────────────────────────────────────────────────────────┐
	│  tasks map[Key]Task                                      │
	│    Key{Deployment, Kind, Target}                         │
	│    Task{Key, At, Payload}   plain data, no closures      │
	│                                                          │
	│  1. Find the earliest At                                 │
	│  2. Arm a clock timer for it                             │
	│  3. On expiry run every due task, oldest first           │
	│  4. Schedule / Cancel wake the loop to re-arm            │
	└────────────────┬─────────────────────────────────────────┘
	                 │
	                 ▼
	          Handler.RunTask(task)

Tasks hold only data. When one fires, the handler looks up the current
state of the deployment and acts on that, so a task scheduled before an
ownership change or an update never acts on stale information.

# Uniqueness

There is at most one task per key. Schedule with replace=true moves an
existing task; with replace=false it leaves the existing task alone and
returns *types.AlreadyScheduledError reporting the time it has left. The
deployment manager uses replace=false for redeployments so that a second
request for the same service or instance is refused.

# Time

The loop runs on a juju/clock Clock. Production uses clock.WallClock;
tests use testclock and WaitAdvance:

	clk := testclock.NewClock(start)
	s := scheduler.NewScheduler(scheduler.Config{Clock: clk, Handler: h})
	s.Start()
	defer s.Stop()

	_ = s.Schedule(scheduler.Task{Key: key, At: start.Add(time.Minute)}, true)
	_ = clk.WaitAdvance(time.Minute, time.Second, 1)

Handlers run on the loop goroutine and must not block on remote calls.
*/
package scheduler
