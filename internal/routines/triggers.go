package routines

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/recovery"
)

// scheduleTriggers arranges the template-level triggers of an instance.
// Time-based conditions become one-shot jobs; event-driven conditions are
// evaluated by checkEventTriggers when instance state changes.
func (e *Engine) scheduleTriggers(ctx context.Context, t Template, inst Instance) {
	loc := e.location(ctx, inst.FriendshipID)
	for _, tr := range t.Triggers {
		at, ok, err := e.conditionInstant(ctx, inst, tr.Condition, loc)
		if err != nil {
			slog.Debug("Routines deferring trigger with unresolved condition", "instance_id", inst.ID, "trigger_id", tr.ID, "reason", err.Error())
			continue
		}
		if !ok {
			continue
		}
		fid, iid, triggerID := inst.FriendshipID, inst.ID, tr.ID
		err = e.sched.ScheduleOnce(e.triggerKey(fid, iid, triggerID), at, func() {
			e.onTriggerFired(fid, iid, triggerID)
		})
		if err != nil {
			slog.Error("Routines failed to schedule trigger", "instance_id", iid, "trigger_id", triggerID, "error", err.Error())
			continue
		}
		e.appendLog(ctx, inst, EventTriggerScheduled, map[string]string{
			"trigger_id": string(triggerID),
			"at":         at.UTC().Format(time.RFC3339),
		})
	}
}

func (e *Engine) onTriggerFired(fid models.FriendshipID, iid InstanceID, triggerID TriggerID) {
	defer recovery.LogPanic("routine trigger", "instance_id", string(iid), "trigger_id", string(triggerID))
	ctx := context.Background()
	inst, t, err := e.load(ctx, iid)
	if err != nil {
		slog.Error("Routines trigger failed to load instance", "instance_id", iid, "error", err.Error())
		return
	}
	tr, ok := t.FindTrigger(triggerID)
	if !ok {
		return
	}
	e.fireTrigger(ctx, inst, tr)
}

// checkEventTriggers fires triggers whose event-driven conditions became
// satisfied. The event log guards against double firing.
func (e *Engine) checkEventTriggers(ctx context.Context, t Template, inst Instance, loc *time.Location) {
	for _, tr := range t.Triggers {
		switch tr.Condition.(type) {
		case AfterPhaseCompletions, AfterParameterSet:
		default:
			continue
		}
		if !e.conditionSatisfied(ctx, inst, tr.Condition, loc) {
			continue
		}
		if _, err := e.log.LastEvent(ctx, inst.ID, EventTriggerFired, map[string]string{"trigger_id": string(tr.ID)}); err == nil {
			continue
		}
		e.fireTrigger(ctx, inst, tr)
	}
}

// fireTrigger applies a trigger's effect.
func (e *Engine) fireTrigger(ctx context.Context, inst Instance, tr Trigger) {
	e.appendLog(ctx, inst, EventTriggerFired, map[string]string{"trigger_id": string(tr.ID)})
	e.publish(events.RoutineTriggerFired{
		FriendshipID: inst.FriendshipID,
		InstanceID:   string(inst.ID),
		TriggerID:    string(tr.ID),
	})
	switch eff := tr.Effect.(type) {
	case SendMessageEffect:
		e.send(inst.FriendshipID, Substitute(eff.Message, inst.Parameters))
	case CreateTaskEffect:
		title := Substitute(eff.TaskDescription, inst.Parameters)
		if eff.ParameterKey != "" {
			if p, ok := inst.Parameters[eff.ParameterKey]; ok {
				title = p.Value
			}
		}
		task := models.Task{
			ID:           uuid.NewString(),
			Owner:        inst.FriendshipID,
			Title:        title,
			CreatedAt:    e.now(),
			LastModified: e.now(),
		}
		if err := e.tasks.SaveTask(ctx, task); err != nil {
			slog.Error("Routines trigger failed to create task", "instance_id", inst.ID, "trigger_id", tr.ID, "error", err.Error())
			return
		}
		e.publish(events.TaskAdded{Task: task})
	default:
		slog.Error("Routines unknown trigger effect", "instance_id", inst.ID, "trigger_id", tr.ID)
	}
	slog.Info("Routines fired trigger", "instance_id", inst.ID, "trigger_id", tr.ID)
}
