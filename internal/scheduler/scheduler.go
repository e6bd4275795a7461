// Package scheduler provides the persistent job scheduling port consumed by
// the reminder subsystem and the routine engine.
//
// Jobs are keyed: scheduling under an existing key is an upsert with
// delete-then-create semantics guaranteed by the port under one mutex, so a
// reschedule can never leave two live jobs for the same key and a delete
// can never race a schedule issued in the same cancellation request.
package scheduler

import (
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neurospicy/fibi/internal/recovery"
)

// JobKey is the composite identity of a scheduled job, e.g.
// (friendshipId, instanceId, phaseId, stepId) or (friendshipId, "timer", id).
type JobKey struct {
	parts []string
}

// NewJobKey builds a key from its ordered parts.
func NewJobKey(parts ...string) JobKey {
	return JobKey{parts: parts}
}

// String returns the canonical form used for registry lookups.
func (k JobKey) String() string { return strings.Join(k.parts, "/") }

// HasPrefix reports whether this key starts with all parts of prefix.
func (k JobKey) HasPrefix(prefix JobKey) bool {
	if len(prefix.parts) > len(k.parts) {
		return false
	}
	for i, p := range prefix.parts {
		if k.parts[i] != p {
			return false
		}
	}
	return true
}

// Scheduler is the job scheduling port. Fired jobs run with panic
// isolation; delivery is at-least-once across restarts, so job functions
// must be idempotent.
type Scheduler interface {
	// ScheduleOnce schedules fn at an absolute instant, replacing any job
	// under the same key. Instants in the past fire immediately.
	ScheduleOnce(key JobKey, at time.Time, fn func()) error
	// ScheduleCron schedules fn on a five-field cron expression, replacing
	// any job under the same key.
	ScheduleCron(key JobKey, expr string, fn func()) error
	// Delete removes the job under key, if any.
	Delete(key JobKey)
	// DeleteByPrefix removes every job whose key starts with prefix.
	DeleteByPrefix(prefix JobKey)
	// NextRun returns the next fire time for the job under key, if known.
	NextRun(key JobKey) (time.Time, bool)
	// Stop stops the scheduler and waits for running jobs to finish.
	Stop()
}

type cronEntry struct {
	id cron.EntryID
}

type onceEntry struct {
	timer *time.Timer
	at    time.Time
}

type entry struct {
	key  JobKey
	cron *cronEntry
	once *onceEntry
}

// CronScheduler implements Scheduler on a robfig cron instance for
// recurring jobs and a timer table for one-shots.
type CronScheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCronScheduler creates and starts a scheduler.
func NewCronScheduler() *CronScheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic
	// recovery on job execution.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &CronScheduler{cron: c, entries: make(map[string]*entry)}
}

// ScheduleOnce schedules fn at an absolute instant under key.
func (s *CronScheduler) ScheduleOnce(key JobKey, at time.Time, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key.String())

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	ks := key.String()
	timer := time.AfterFunc(delay, func() {
		defer recovery.LogPanic("scheduled job", "key", ks)
		s.mu.Lock()
		delete(s.entries, ks)
		s.mu.Unlock()
		fn()
	})
	s.entries[ks] = &entry{key: key, once: &onceEntry{timer: timer, at: at}}
	return nil
}

// ScheduleCron schedules fn on a cron expression under key.
func (s *CronScheduler) ScheduleCron(key JobKey, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key.String())

	ks := key.String()
	id, err := s.cron.AddFunc(expr, func() {
		defer recovery.LogPanic("scheduled cron job", "key", ks)
		fn()
	})
	if err != nil {
		return err
	}
	s.entries[ks] = &entry{key: key, cron: &cronEntry{id: id}}
	return nil
}

// Delete removes the job under key.
func (s *CronScheduler) Delete(key JobKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key.String())
}

// DeleteByPrefix removes every job whose key starts with prefix. Used by
// stop-for-today and the timezone cascade to clear an instance's or
// friend's pending schedules atomically.
func (s *CronScheduler) DeleteByPrefix(prefix JobKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ks, e := range s.entries {
		if e.key.HasPrefix(prefix) {
			s.removeLocked(ks)
		}
	}
}

// NextRun returns the next fire time for the job under key.
func (s *CronScheduler) NextRun(key JobKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.String()]
	if !ok {
		return time.Time{}, false
	}
	if e.once != nil {
		return e.once.at, true
	}
	return s.cron.Entry(e.cron.id).Next, true
}

// Stop stops the cron runner and cancels all one-shot timers.
func (s *CronScheduler) Stop() {
	s.mu.Lock()
	for ks := range s.entries {
		s.removeLocked(ks)
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

func (s *CronScheduler) removeLocked(ks string) {
	e, ok := s.entries[ks]
	if !ok {
		return
	}
	if e.once != nil {
		e.once.timer.Stop()
	}
	if e.cron != nil {
		s.cron.Remove(e.cron.id)
	}
	delete(s.entries, ks)
}
