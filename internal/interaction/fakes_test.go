package interaction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/scheduler"
)

// fakeLLM routes calls to per-test closures. A nil closure fails the call,
// which surfaces unexpected model round trips as test failures.
type fakeLLM struct {
	generate     func(system, user string) (string, error)
	generateJSON func(system, user string) (string, error)
}

func (l *fakeLLM) Generate(_ context.Context, system, user string) (string, error) {
	if l.generate == nil {
		return "", errors.New("unexpected Generate call")
	}
	return l.generate(system, user)
}

func (l *fakeLLM) GenerateJSON(_ context.Context, system, user string) (string, error) {
	if l.generateJSON == nil {
		return "", errors.New("unexpected GenerateJSON call")
	}
	return l.generateJSON(system, user)
}

type fakeJob struct {
	at   time.Time
	expr string
	fn   func()
}

// fakeScheduler records jobs without running them; tests fire manually.
type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]fakeJob
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]fakeJob)}
}

func (s *fakeScheduler) ScheduleOnce(key scheduler.JobKey, at time.Time, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[key.String()] = fakeJob{at: at, fn: fn}
	return nil
}

func (s *fakeScheduler) ScheduleCron(key scheduler.JobKey, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[key.String()] = fakeJob{expr: expr, fn: fn}
	return nil
}

func (s *fakeScheduler) Delete(key scheduler.JobKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, key.String())
}

func (s *fakeScheduler) DeleteByPrefix(prefix scheduler.JobKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := prefix.String()
	for k := range s.jobs {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(s.jobs, k)
		}
	}
}

func (s *fakeScheduler) NextRun(key scheduler.JobKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key.String()]
	return j.at, ok
}

func (s *fakeScheduler) Stop() {}

func (s *fakeScheduler) job(t *testing.T, suffix string) (string, fakeJob) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, j := range s.jobs {
		if strings.Contains(k, suffix) {
			return k, j
		}
	}
	t.Fatalf("no job matching %q", suffix)
	return "", fakeJob{}
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// captureOutbound collects SendMessageRequest events synchronously so the
// assertion sees them within the same call stack as the publish.
func captureOutbound(bus *events.Bus) *outboundLog {
	log := &outboundLog{}
	bus.SubscribeSync(events.KindSendMessageRequest, func(ev events.Event) {
		if e, ok := ev.(events.SendMessageRequest); ok {
			log.mu.Lock()
			log.sent = append(log.sent, e)
			log.mu.Unlock()
		}
	})
	return log
}

type outboundLog struct {
	mu   sync.Mutex
	sent []events.SendMessageRequest
}

func (l *outboundLog) texts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.sent))
	for i, e := range l.sent {
		out[i] = e.Text
	}
	return out
}

func (l *outboundLog) last(t *testing.T) events.SendMessageRequest {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sent) == 0 {
		t.Fatal("no outbound message sent")
	}
	return l.sent[len(l.sent)-1]
}

func rawTextSubtask(friendshipID models.FriendshipID, intent models.Intent, text string) models.Subtask {
	return models.Subtask{
		ID:          models.SubtaskIDFrom(friendshipID, intent, "msg-1"),
		Intent:      intent,
		Description: intent.String(),
		Parameters:  map[string]any{ParamRawText: text},
		Status:      models.SubtaskPending,
	}
}
