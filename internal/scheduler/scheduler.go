// Package scheduler decides when every enabled search config runs and drives
// execution through the automation layer without exceeding the per-service
// concurrency budgets. The in-memory queue is an index over the persisted
// next_run_at column, rebuilt on startup, so restarts never lose the
// schedule.
package scheduler

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/ingest"
	"listingwatcher/internal/model"
	"listingwatcher/internal/scrape"
)

type configStore interface {
	SearchConfigsFindEnabled(ctx context.Context) ([]model.SearchConfig, error)
	SearchConfigFindByID(ctx context.Context, id primitive.ObjectID) (model.SearchConfig, error)
	SearchConfigRunCompleted(ctx context.Context, id primitive.ObjectID, lastRunAt, nextRunAt time.Time, failures int) error
	SearchConfigDisable(ctx context.Context, id primitive.ObjectID, reason string) error
}

type executor interface {
	Execute(ctx context.Context, cfg model.SearchConfig) ([]scrape.Record, error)
}

type ingestor interface {
	Ingest(ctx context.Context, serviceID primitive.ObjectID, records []scrape.Record) (ingest.Result, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, cfg model.SearchConfig, listings []model.Listing) error
}

type logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
}

type Config struct {
	// WorkerCount bounds how many runs execute concurrently overall;
	// per-service bounds are the automation gates' job.
	WorkerCount int
	// MaxBatch bounds how many due configs one loop iteration dispatches, so
	// a backlog after downtime drains at a bounded rate.
	MaxBatch int
	// MaxBackoff caps the failure delay regardless of failure count.
	MaxBackoff time.Duration
	// BackoffCap caps the exponent, keeping interval*2^n computable.
	BackoffCap int
	// FailureThreshold is the consecutive-failure count past which a config
	// is auto-disabled instead of retried forever.
	FailureThreshold int
}

type Scheduler struct {
	DB     configStore
	Exec   executor
	Ingest ingestor
	Notify dispatcher
	Logger logger
	Cfg    Config

	mu      sync.Mutex
	queue   runQueue
	entries map[primitive.ObjectID]*entry
	wake    chan struct{}

	jobs    chan model.SearchConfig
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// now and jitterFn are swappable in tests.
	now      func() time.Time
	jitterFn func(rangeSeconds int) time.Duration
}

func New(db configStore, exec executor, ing ingestor, notify dispatcher, log logger, cfg Config) *Scheduler {
	return &Scheduler{
		DB:       db,
		Exec:     exec,
		Ingest:   ing,
		Notify:   notify,
		Logger:   log,
		Cfg:      cfg,
		entries:  make(map[primitive.ObjectID]*entry),
		wake:     make(chan struct{}, 1),
		jobs:     make(chan model.SearchConfig),
		now:      time.Now,
		jitterFn: jitter,
	}
}

// jitter returns a uniform random delay in [0, rangeSeconds] seconds,
// desynchronizing configs that share an interval.
func jitter(rangeSeconds int) time.Duration {
	if rangeSeconds <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(rangeSeconds)*int64(time.Second) + 1))
}

// backoffDelay computes the retry delay after consecutive failures:
// min(maxBackoff, interval * 2^min(failures, cap)). Non-decreasing in the
// failure count, so repeated failures spread out instead of hammering a
// blocked account.
func backoffDelay(interval time.Duration, failures, cap int, maxBackoff time.Duration) time.Duration {
	exp := failures
	if exp > cap {
		exp = cap
	}
	delay := interval << uint(exp)
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}

// failureWeight makes credential and block failures escalate the counter
// faster than ordinary flakiness.
func failureWeight(err error) int {
	if errors.Is(err, scrape.ErrCredentials) || errors.Is(err, scrape.ErrBlocked) {
		return 2
	}
	return 1
}

// Start loads all enabled configs, seeds the queue, and begins the dispatch
// loop plus the worker pool. Configs whose next_run_at already passed are due
// immediately but drain in MaxBatch-sized waves.
func (s *Scheduler) Start(ctx context.Context) error {
	configs, err := s.DB.SearchConfigsFindEnabled(ctx)
	if err != nil {
		return errors.Wrap(err, "error loading enabled SearchConfigs on startup")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.mu.Lock()
	for _, cfg := range configs {
		s.scheduleLocked(cfg.ID, s.initialRunAt(cfg))
	}
	s.mu.Unlock()
	s.Logger.Infof("scheduler: Seeded queue with %d enabled SearchConfig(s)", len(configs))

	for i := 0; i < s.Cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(loopCtx)
	}
	s.wg.Add(1)
	go s.loop(loopCtx)

	s.running.Store(true)
	return nil
}

// Stop cancels in-flight executions and waits for the drain, bounded by ctx.
// Computed next_run_at values are already persisted per-run, so nothing is
// lost.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.running.Store(false)
		return nil
	case <-ctx.Done():
		s.running.Store(false)
		return errors.Wrap(ctx.Err(), "drain timeout while stopping scheduler")
	}
}

// Healthy reports whether the dispatch loop is alive; the readiness endpoint
// reads this.
func (s *Scheduler) Healthy() bool {
	return s.running.Load()
}

// ScheduleNow moves a config to immediate-due. Its periodic cadence resumes
// normally once the run completes.
func (s *Scheduler) ScheduleNow(configID primitive.ObjectID) {
	s.mu.Lock()
	s.scheduleLocked(configID, s.now())
	s.mu.Unlock()
	s.wakeLoop()
}

// OnConfigChanged is called when a config is created, edited, enabled or
// disabled through the API. A config that has run before re-enters the queue
// one full jittered interval after its last run; a brand new one is due
// immediately.
func (s *Scheduler) OnConfigChanged(cfg model.SearchConfig) {
	s.mu.Lock()
	if !cfg.Enabled {
		s.removeLocked(cfg.ID)
	} else {
		runAt := s.now()
		if cfg.LastRunAt > 0 {
			runAt = cfg.LastRunAt.Time().
				Add(time.Duration(cfg.IntervalSeconds) * time.Second).
				Add(s.jitterFn(cfg.RandomRangeSeconds))
		}
		s.scheduleLocked(cfg.ID, runAt)
	}
	s.mu.Unlock()
	s.wakeLoop()
}

// Reconcile re-reads enabled configs from the database and converges the
// in-memory queue: other API instances may have written configs this process
// never saw an OnConfigChanged for. Wired to the maintenance cron.
func (s *Scheduler) Reconcile(ctx context.Context) {
	configs, err := s.DB.SearchConfigsFindEnabled(ctx)
	if err != nil {
		s.Logger.Errorf("scheduler: Reconcile failed to load enabled SearchConfigs, err: %v", err)
		return
	}
	enabled := make(map[primitive.ObjectID]model.SearchConfig, len(configs))
	for _, cfg := range configs {
		enabled[cfg.ID] = cfg
	}

	s.mu.Lock()
	for id := range s.entries {
		if _, ok := enabled[id]; !ok {
			s.removeLocked(id)
		}
	}
	added := 0
	for id, cfg := range enabled {
		if _, ok := s.entries[id]; !ok {
			s.scheduleLocked(id, s.initialRunAt(cfg))
			added++
		}
	}
	s.mu.Unlock()
	if added > 0 {
		s.Logger.Infof("scheduler: Reconcile added %d SearchConfig(s) to the queue", added)
	}
	s.wakeLoop()
}

// initialRunAt picks where a config enters the queue: its persisted
// next_run_at when present, immediately for configs that never ran.
func (s *Scheduler) initialRunAt(cfg model.SearchConfig) time.Time {
	if cfg.NextRunAt > 0 {
		return cfg.NextRunAt.Time()
	}
	return s.now()
}

func (s *Scheduler) scheduleLocked(configID primitive.ObjectID, runAt time.Time) {
	if e, ok := s.entries[configID]; ok {
		e.runAt = runAt
		heap.Fix(&s.queue, e.index)
		return
	}
	e := &entry{configID: configID, runAt: runAt}
	s.entries[configID] = e
	heap.Push(&s.queue, e)
}

func (s *Scheduler) removeLocked(configID primitive.ObjectID) {
	e, ok := s.entries[configID]
	if !ok {
		return
	}
	delete(s.entries, configID)
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
}

func (s *Scheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop waits until the earliest due time, then hands due configs to the
// worker pool in bounded batches. The blocking send on s.jobs is what keeps
// a backlog from stampeding: dispatch proceeds at worker capacity.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	defer s.running.Store(false)
	for {
		s.mu.Lock()
		var wait time.Duration
		if s.queue.Len() == 0 {
			wait = time.Hour
		} else {
			wait = s.queue[0].runAt.Sub(s.now())
		}
		s.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		if !s.dispatchDue(ctx, s.popDue()) {
			return
		}
	}
}

// configLoadRetryDelay is how soon a due config re-enters the queue after its
// database load fails. popDue already removed the entry, so without the
// re-insert a transient error would park the config until the next reconcile.
const configLoadRetryDelay = 30 * time.Second

// dispatchDue hands a popped batch to the worker pool. Returns false when the
// context is done and the loop should exit.
func (s *Scheduler) dispatchDue(ctx context.Context, batch []primitive.ObjectID) bool {
	for _, configID := range batch {
		cfg, err := s.DB.SearchConfigFindByID(ctx, configID)
		if err != nil {
			s.Logger.Errorf("scheduler: Error loading due SearchConfig %s, err: %v", configID.Hex(), err)
			s.mu.Lock()
			s.scheduleLocked(configID, s.now().Add(configLoadRetryDelay))
			s.mu.Unlock()
			continue
		}
		if !cfg.Enabled {
			continue
		}
		select {
		case s.jobs <- cfg:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (s *Scheduler) popDue() []primitive.ObjectID {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []primitive.ObjectID
	for s.queue.Len() > 0 && len(due) < s.Cfg.MaxBatch && !s.queue[0].runAt.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		delete(s.entries, e.configID)
		due = append(due, e.configID)
	}
	return due
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-s.jobs:
			s.runOne(ctx, cfg)
		}
	}
}

// runOne executes a single config's scrape end to end: automation, ingest,
// dispatch, then the completion bookkeeping. A failure here is isolated to
// this config; the loop and other configs never see it.
func (s *Scheduler) runOne(ctx context.Context, cfg model.SearchConfig) {
	s.Logger.Debugf("scheduler: Running SearchConfig %s", cfg.ID.Hex())
	records, err := s.Exec.Execute(ctx, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown, not a config failure. The persisted next_run_at
			// stands and the restarted process picks it up.
			return
		}
		s.Logger.Warnf("scheduler: SearchConfig %s run failed, err: %v", cfg.ID.Hex(), err)
		s.completeRun(ctx, cfg, err)
		return
	}

	res, err := s.Ingest.Ingest(ctx, cfg.ServiceID, records)
	if err != nil {
		s.Logger.Errorf("scheduler: SearchConfig %s ingestion failed, err: %v", cfg.ID.Hex(), err)
		s.completeRun(ctx, cfg, errors.Wrapf(scrape.ErrTransient, "ingestion failed: %v", err))
		return
	}

	// Known listings still go through dispatch: this user may never have been
	// notified about them, and the unique index makes re-checks free.
	matched := append(res.New, res.Known...)
	if err = s.Notify.Dispatch(ctx, cfg, matched); err != nil && !errors.Is(err, context.Canceled) {
		s.Logger.Errorf("scheduler: SearchConfig %s dispatch failed, err: %v", cfg.ID.Hex(), err)
	}

	s.Logger.Infof("scheduler: SearchConfig %s run done, %d record(s), %d new listing(s)",
		cfg.ID.Hex(), len(records), len(res.New))
	s.completeRun(ctx, cfg, nil)
}

// completeRun applies the post-run scheduling transition and persists it.
// This is the single writer for the scheduling fields.
func (s *Scheduler) completeRun(ctx context.Context, cfg model.SearchConfig, runErr error) {
	now := s.now()
	interval := time.Duration(cfg.IntervalSeconds) * time.Second

	failures := cfg.ConsecutiveFailures
	var nextRunAt time.Time
	if runErr == nil {
		failures = 0
		nextRunAt = now.Add(interval + s.jitterFn(cfg.RandomRangeSeconds))
	} else {
		failures += failureWeight(runErr)
		if failures >= s.Cfg.FailureThreshold {
			reason := "too many consecutive failures; check the service credential"
			if errors.Is(runErr, scrape.ErrBlocked) {
				reason = "service repeatedly blocked automated access"
			}
			s.Logger.Warnf("scheduler: Auto-disabling SearchConfig %s after %d failure(s): %s",
				cfg.ID.Hex(), failures, reason)
			if err := s.DB.SearchConfigDisable(ctx, cfg.ID, reason); err != nil {
				s.Logger.Errorf("scheduler: Error auto-disabling SearchConfig %s, err: %v", cfg.ID.Hex(), err)
			}
			s.mu.Lock()
			s.removeLocked(cfg.ID)
			s.mu.Unlock()
			return
		}
		nextRunAt = now.Add(backoffDelay(interval, failures, s.Cfg.BackoffCap, s.Cfg.MaxBackoff))
	}

	if err := s.DB.SearchConfigRunCompleted(ctx, cfg.ID, now, nextRunAt, failures); err != nil {
		s.Logger.Errorf("scheduler: Error persisting run completion for SearchConfig %s, err: %v",
			cfg.ID.Hex(), err)
	}
	s.mu.Lock()
	s.scheduleLocked(cfg.ID, nextRunAt)
	s.mu.Unlock()
	s.wakeLoop()
}
