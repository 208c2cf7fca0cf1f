package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/types"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Kind is what a scheduled task does when it fires
type Kind string

const (
	KindDeploy   Kind = "deploy"
	KindUndeploy Kind = "undeploy"
	KindRedeploy Kind = "redeploy"
)

// Key identifies a task. At most one task per key is scheduled.
type Key struct {
	Deployment string
	Kind       Kind
	Target     string // Service or instance for redeploys, empty otherwise
}

func (k Key) String() string {
	s := k.Deployment + "/" + string(k.Kind)
	if k.Target != "" {
		s += "/" + k.Target
	}
	return s
}

// Task is plain data. Handlers look up current state when it fires
// rather than trusting anything captured at scheduling time.
type Task struct {
	Key     Key
	At      time.Time
	Payload interface{}
}

// Handler runs fired tasks on the scheduler goroutine. It must return
// quickly and hand remote work to other goroutines.
type Handler interface {
	RunTask(task Task)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(task Task)

// RunTask calls f(task)
func (f HandlerFunc) RunTask(task Task) { f(task) }

// Config holds scheduler configuration
type Config struct {
	Clock   clock.Clock
	Handler Handler
	Logger  zerolog.Logger
}

// Scheduler fires timed deployment tasks from a single goroutine
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[Key]Task
	handler Handler
	clock   clock.Clock
	logger  zerolog.Logger

	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Scheduler{
		tasks:   make(map[Key]Task),
		handler: cfg.Handler,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetHandler installs the handler. It must be called before Start.
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// Schedule adds a task. When a task with the same key is already waiting,
// replace decides between overwriting it and returning an
// *types.AlreadyScheduledError with the time it has left.
func (s *Scheduler) Schedule(task Task, replace bool) error {
	s.mu.Lock()
	if existing, ok := s.tasks[task.Key]; ok && !replace {
		remaining := existing.At.Sub(s.clock.Now())
		s.mu.Unlock()
		if remaining < 0 {
			remaining = 0
		}
		return &types.AlreadyScheduledError{Key: task.Key.String(), Remaining: remaining}
	}
	s.tasks[task.Key] = task
	n := len(s.tasks)
	s.mu.Unlock()

	metrics.ScheduledTasks.Set(float64(n))
	s.logger.Debug().
		Str("task", task.Key.String()).
		Time("at", task.At).
		Msg("Task scheduled")
	s.wake()
	return nil
}

// Cancel removes a waiting task
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	_, ok := s.tasks[key]
	delete(s.tasks, key)
	n := len(s.tasks)
	s.mu.Unlock()

	metrics.ScheduledTasks.Set(float64(n))
	if ok {
		s.wake()
	}
	return ok
}

// CancelDeployment removes every waiting task of a deployment
func (s *Scheduler) CancelDeployment(name string) int {
	s.mu.Lock()
	removed := 0
	for key := range s.tasks {
		if key.Deployment == name {
			delete(s.tasks, key)
			removed++
		}
	}
	n := len(s.tasks)
	s.mu.Unlock()

	metrics.ScheduledTasks.Set(float64(n))
	if removed > 0 {
		s.wake()
	}
	return removed
}

// Remaining returns how long until a waiting task fires
func (s *Scheduler) Remaining(key Key) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[key]
	if !ok {
		return 0, false
	}
	return task.At.Sub(s.clock.Now()), true
}

// Tasks returns the waiting tasks of a deployment ordered by time
func (s *Scheduler) Tasks(deployment string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for key, task := range s.tasks {
		if key.Deployment == deployment {
			out = append(out, task)
		}
	}
	sortTasks(out)
	return out
}

// Len returns the number of waiting tasks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer close(s.doneCh)

	for {
		next, ok := s.next()

		var (
			timer   clock.Timer
			timerCh <-chan time.Time
		)
		if ok {
			wait := next.Sub(s.clock.Now())
			if wait <= 0 {
				s.fire()
				continue
			}
			timer = s.clock.NewTimer(wait)
			timerCh = timer.Chan()
		}

		select {
		case <-timerCh:
			s.fire()
		case <-s.wakeCh:
			if timer != nil {
				timer.Stop()
			}
		case <-s.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (s *Scheduler) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, task := range s.tasks {
		if !found || task.At.Before(earliest) {
			earliest = task.At
			found = true
		}
	}
	return earliest, found
}

// fire runs every task that is due, oldest first
func (s *Scheduler) fire() {
	now := s.clock.Now()

	s.mu.Lock()
	var due []Task
	for key, task := range s.tasks {
		if !task.At.After(now) {
			due = append(due, task)
			delete(s.tasks, key)
		}
	}
	n := len(s.tasks)
	handler := s.handler
	s.mu.Unlock()

	metrics.ScheduledTasks.Set(float64(n))
	sortTasks(due)

	for _, task := range due {
		s.logger.Debug().Str("task", task.Key.String()).Msg("Task fired")
		if handler != nil {
			handler.RunTask(task)
		}
	}
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].At.Equal(tasks[j].At) {
			return tasks[i].At.Before(tasks[j].At)
		}
		return tasks[i].Key.String() < tasks[j].Key.String()
	})
}
