package routines

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/scheduler"
)

// Engine drives routine instances: it schedules phase activations, phase
// iterations, steps and triggers via the scheduler port, advances phases
// monotonically as steps complete, and recomputes schedules when parameters
// or timezones change.
//
// All schedule callbacks reload the instance from the repository before
// acting, so a duplicate fire of an already-completed step is a no-op.
type Engine struct {
	repo      Repository
	templates TemplateRepository
	log       EventLog
	friends   FriendDirectory
	tasks     TaskStore
	sched     scheduler.Scheduler
	bus       *events.Bus
	now       func() time.Time
}

// NewEngine wires a routine engine. bus may be nil in tests.
func NewEngine(repo Repository, templates TemplateRepository, log EventLog, friends FriendDirectory, tasks TaskStore, sched scheduler.Scheduler, bus *events.Bus) *Engine {
	return &Engine{
		repo:      repo,
		templates: templates,
		log:       log,
		friends:   friends,
		tasks:     tasks,
		sched:     sched,
		bus:       bus,
		now:       time.Now,
	}
}

// Job key layout: routine/<friendshipID>/<instanceID>/<kind>/<id>. The
// friend prefix lets the timezone cascade clear everything for one friend,
// the instance prefix lets stop-for-today clear one instance.

func (e *Engine) friendKey(fid models.FriendshipID) scheduler.JobKey {
	return scheduler.NewJobKey("routine", string(fid))
}

func (e *Engine) instanceKey(fid models.FriendshipID, iid InstanceID) scheduler.JobKey {
	return scheduler.NewJobKey("routine", string(fid), string(iid))
}

func (e *Engine) stepKey(fid models.FriendshipID, iid InstanceID, stepID StepID) scheduler.JobKey {
	return scheduler.NewJobKey("routine", string(fid), string(iid), "step", string(stepID))
}

func (e *Engine) stepPrefix(fid models.FriendshipID, iid InstanceID) scheduler.JobKey {
	return scheduler.NewJobKey("routine", string(fid), string(iid), "step")
}

func (e *Engine) phaseKey(fid models.FriendshipID, iid InstanceID, phaseID PhaseID) scheduler.JobKey {
	return scheduler.NewJobKey("routine", string(fid), string(iid), "phase", string(phaseID))
}

func (e *Engine) iterationKey(fid models.FriendshipID, iid InstanceID, phaseID PhaseID) scheduler.JobKey {
	return scheduler.NewJobKey("routine", string(fid), string(iid), "iteration", string(phaseID))
}

func (e *Engine) triggerKey(fid models.FriendshipID, iid InstanceID, triggerID TriggerID) scheduler.JobKey {
	return scheduler.NewJobKey("routine", string(fid), string(iid), "trigger", string(triggerID))
}

func (e *Engine) publish(ev events.Event) { e.bus.Publish(ev) }

func (e *Engine) appendLog(ctx context.Context, inst Instance, event EventType, metadata map[string]string) {
	err := e.log.Append(ctx, EventLogEntry{
		InstanceID:   inst.ID,
		FriendshipID: inst.FriendshipID,
		Event:        event,
		Timestamp:    e.now(),
		Metadata:     metadata,
	})
	if err != nil {
		slog.Error("Routines failed to append event log entry", "instance_id", inst.ID, "event", string(event), "error", err.Error())
	}
}

func (e *Engine) location(ctx context.Context, fid models.FriendshipID) *time.Location {
	friend, err := e.friends.GetFriend(ctx, fid)
	if err != nil {
		return time.UTC
	}
	return friend.Location()
}

// load resolves an instance together with its template.
func (e *Engine) load(ctx context.Context, iid InstanceID) (Instance, Template, error) {
	inst, err := e.repo.GetInstance(ctx, iid)
	if err != nil {
		return Instance{}, Template{}, fmt.Errorf("loading instance %s: %w", iid, err)
	}
	t, err := e.templates.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return Instance{}, Template{}, fmt.Errorf("loading template %s: %w", inst.TemplateID, err)
	}
	return inst, t, nil
}

// send asks the messaging gateway, through the bus, to deliver text.
func (e *Engine) send(fid models.FriendshipID, text string) {
	e.publish(events.SendMessageRequest{
		FriendshipID: fid,
		Channel:      models.ChannelSignal,
		Text:         text,
	})
}

// timeOfDayInstant resolves a step's time of day to an absolute instant on
// the given day in the friend's zone. A nil time of day resolves to day
// itself (run as soon as the iteration starts). A time already past today
// resolves to tomorrow; timed steps never fire in the past.
func (e *Engine) timeOfDayInstant(tod TimeOfDay, params map[string]TypedParameter, day time.Time, loc *time.Location) (time.Time, error) {
	var lt LocalTime
	switch t := tod.(type) {
	case nil:
		return day, nil
	case TimeOfDayLocalTime:
		lt = t.Time
	case TimeOfDayReference:
		resolved, err := resolveTimeParameter(t.Reference, params)
		if err != nil {
			return time.Time{}, err
		}
		lt = resolved
	case TimeOfDayExpression:
		evaluated, err := EvaluateTimeExpression(t.Expression, params)
		if err != nil {
			return time.Time{}, err
		}
		lt = evaluated
	default:
		return time.Time{}, fmt.Errorf("unknown time-of-day variant %T", tod)
	}
	at := lt.On(day, loc)
	if at.Before(e.now()) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

// conditionInstant resolves a trigger condition to an absolute instant if
// the condition is time-based. Event-driven conditions (AfterParameterSet,
// AfterPhaseCompletions, AfterEvent with no anchor yet) return ok=false;
// they are evaluated when their event occurs instead of being scheduled.
func (e *Engine) conditionInstant(ctx context.Context, inst Instance, cond TriggerCondition, loc *time.Location) (time.Time, bool, error) {
	switch c := cond.(type) {
	case nil:
		return e.now(), true, nil
	case AfterDays:
		anchor := inst.CreatedAt.In(loc)
		y, m, d := anchor.Date()
		midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return midnight.AddDate(0, 0, c.Days), true, nil
	case AfterDuration:
		base := e.now()
		if c.Reference != "" {
			lt, err := resolveTimeParameter(c.Reference, inst.Parameters)
			if err != nil {
				return time.Time{}, false, err
			}
			base = lt.On(e.now().In(loc), loc)
		}
		return base.Add(c.Duration), true, nil
	case AtTimeExpression:
		lt, err := EvaluateTimeExpression(c.Expression, inst.Parameters)
		if err != nil {
			return time.Time{}, false, err
		}
		at := lt.On(e.now().In(loc), loc)
		// A time already past today means tomorrow.
		if at.Before(e.now()) {
			at = at.AddDate(0, 0, 1)
		}
		return at, true, nil
	case AfterEvent:
		anchor, ok := e.anchorInstant(ctx, inst, c)
		if !ok {
			return time.Time{}, false, nil
		}
		return anchor.Add(c.Delay), true, nil
	case AfterPhaseCompletions, AfterParameterSet:
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown trigger condition variant %T", cond)
	}
}

// anchorInstant finds the timestamp of an AfterEvent anchor, if it has
// happened.
func (e *Engine) anchorInstant(ctx context.Context, inst Instance, c AfterEvent) (time.Time, bool) {
	switch c.Event {
	case AnchorRoutineStarted:
		return inst.CreatedAt, true
	case AnchorPhaseEntered:
		entry, err := e.log.LastEvent(ctx, inst.ID, EventPhaseActivated, map[string]string{"phase_title": c.PhaseTitle})
		if err != nil {
			return time.Time{}, false
		}
		return entry.Timestamp, true
	case AnchorPhaseLeft:
		entry, err := e.log.LastEvent(ctx, inst.ID, EventPhaseDeactivated, map[string]string{"phase_title": c.PhaseTitle})
		if err != nil {
			return time.Time{}, false
		}
		return entry.Timestamp, true
	}
	return time.Time{}, false
}

// conditionSatisfied evaluates the event-driven conditions against current
// instance state.
func (e *Engine) conditionSatisfied(ctx context.Context, inst Instance, cond TriggerCondition, loc *time.Location) bool {
	switch c := cond.(type) {
	case nil:
		return true
	case AfterPhaseCompletions:
		return inst.Progress.CompletionsOf(c.PhaseID) >= c.Times
	case AfterParameterSet:
		_, ok := inst.Parameters[c.ParameterKey]
		return ok
	case AfterDays:
		at, _, err := e.conditionInstant(ctx, inst, c, loc)
		return err == nil && !e.now().Before(at)
	default:
		return false
	}
}
