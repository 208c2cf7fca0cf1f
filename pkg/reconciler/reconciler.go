package reconciler

import (
	"errors"
	"sync"
	"time"

	"github.com/cuemby/provisor/pkg/dispatch"
	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// DefaultInterval is the time between reconciliation cycles
const DefaultInterval = 10 * time.Second

// Config holds reconciler configuration
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Clock      clock.Clock
	Interval   time.Duration
	Logger     zerolog.Logger
}

// Reconciler periodically audits the placement queues. It never places
// anything itself: queued requests only move on a registry change or an
// explicit retrigger. What it does is report work that stayed queued for
// a whole interval.
type Reconciler struct {
	dispatcher *dispatch.Dispatcher
	clock      clock.Clock
	interval   time.Duration
	logger     zerolog.Logger

	mu       sync.Mutex
	seen     map[string]bool
	stalled  []*dispatch.PlacementRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reconciler{
		dispatcher: cfg.Dispatcher,
		clock:      cfg.Clock,
		interval:   cfg.Interval,
		logger:     cfg.Logger,
		seen:       make(map[string]bool),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reconciler and waits for a running cycle
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer r.wg.Done()

	for {
		timer := r.clock.NewTimer(r.interval)
		select {
		case <-timer.Chan():
			r.Reconcile()
		case <-r.stopCh:
			timer.Stop()
			return
		}
	}
}

// Reconcile performs one reconciliation cycle. Pending requests that were
// already queued during the previous cycle are reported as stalled.
func (r *Reconciler) Reconcile() {
	// Start timing the reconciliation cycle
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	queued := r.dispatcher.Pending().Requests()
	outstanding := r.dispatcher.Fixed().Total()
	metrics.FixedOutstanding.Set(float64(outstanding))

	seen := make(map[string]bool, len(queued))
	var stalled []*dispatch.PlacementRequest
	for _, req := range queued {
		seen[req.ID] = true
		if r.seen[req.ID] {
			stalled = append(stalled, req)
		}
	}
	r.seen = seen
	r.stalled = stalled
	metrics.PlacementsStalled.Set(float64(len(stalled)))

	for _, req := range stalled {
		r.logger.Warn().
			Str("spec", req.Spec.Key()).
			Str("request_id", req.ID).
			Msg("Placement still waiting for an eligible agent")
	}
	if len(queued) > 0 || outstanding > 0 {
		r.logger.Debug().
			Int("pending", len(queued)).
			Int("stalled", len(stalled)).
			Int("fixed_outstanding", outstanding).
			Msg("Audited placement queues")
	}
}

// Stalled returns the pending requests found stalled by the last cycle
func (r *Reconciler) Stalled() []*dispatch.PlacementRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*dispatch.PlacementRequest(nil), r.stalled...)
}
