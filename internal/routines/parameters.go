package routines

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
)

// SetParameter captures a friend's answer to a parameter request: the raw
// value is validated against the requesting step's declared type, persisted
// on the instance, the step completes, and every not-yet-fired schedule
// that references the parameter is recomputed.
func (e *Engine) SetParameter(ctx context.Context, fid models.FriendshipID, iid InstanceID, stepID StepID, rawValue string) error {
	inst, t, err := e.load(ctx, iid)
	if err != nil {
		return err
	}
	if inst.FriendshipID != fid {
		return models.ErrNotFound
	}
	step, ok := e.findParameterStep(t, stepID)
	if !ok {
		return fmt.Errorf("step %s: %w", stepID, models.ErrNotFound)
	}
	inst, err = inst.WithParameter(step.ParameterKey, rawValue, step.ParameterType)
	if err != nil {
		return err
	}
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		return fmt.Errorf("saving instance: %w", err)
	}
	e.appendLog(ctx, inst, EventStepParameterSet, map[string]string{
		"step_id":       string(stepID),
		"parameter_key": step.ParameterKey,
	})
	e.publish(events.RoutineParameterSet{
		FriendshipID: fid,
		InstanceID:   string(iid),
		ParameterKey: step.ParameterKey,
	})
	slog.Info("Routines captured parameter", "instance_id", iid, "parameter_key", step.ParameterKey)

	e.cascadeParameterChange(ctx, t, inst, step.ParameterKey)

	if phase, ok := t.FindPhase(inst.CurrentPhaseID); ok {
		if _, inPhase := phase.FindStep(stepID); inPhase {
			e.completeStep(ctx, t, inst, phase, stepID, events.StepParameterSet, step.ParameterKey)
		}
	}
	return nil
}

func (e *Engine) findParameterStep(t Template, stepID StepID) (ParameterRequestStep, bool) {
	for _, s := range t.SetupSteps {
		if req, ok := s.(ParameterRequestStep); ok && req.ID == stepID {
			return req, true
		}
	}
	for _, p := range t.Phases {
		for _, s := range p.Steps {
			if req, ok := s.(ParameterRequestStep); ok && req.ID == stepID {
				return req, true
			}
		}
	}
	return ParameterRequestStep{}, false
}

// cascadeParameterChange recomputes every not-yet-fired schedule whose time
// of day or condition references the changed parameter. Capturing a
// wake-up time mid-routine this way retroactively reschedules the steps
// defined relative to it.
func (e *Engine) cascadeParameterChange(ctx context.Context, t Template, inst Instance, parameterKey string) {
	loc := e.location(ctx, inst.FriendshipID)
	day := e.now().In(loc)
	var stepIDs []string
	var triggerIDs []string

	if phase, ok := t.FindPhase(inst.CurrentPhaseID); ok {
		current, hasIteration := inst.Progress.Current()
		for _, s := range phase.Steps {
			if !TimeOfDayReferences(s.At(), parameterKey) {
				continue
			}
			if hasIteration && current.PhaseID == phase.ID && current.StepCompleted(s.StepID()) {
				continue
			}
			at, err := e.timeOfDayInstant(s.At(), inst.Parameters, day, loc)
			if err != nil {
				slog.Warn("Routines cascade could not resolve step time", "instance_id", inst.ID, "step_id", s.StepID(), "error", err.Error())
				continue
			}
			fid, iid, phaseID, stepID := inst.FriendshipID, inst.ID, phase.ID, s.StepID()
			err = e.sched.ScheduleOnce(e.stepKey(fid, iid, stepID), at, func() {
				e.onStepFired(fid, iid, phaseID, stepID)
			})
			if err != nil {
				slog.Error("Routines cascade failed to reschedule step", "instance_id", iid, "step_id", stepID, "error", err.Error())
				continue
			}
			stepIDs = append(stepIDs, string(stepID))
		}
	}

	for _, tr := range t.Triggers {
		if !ConditionReferences(tr.Condition, parameterKey) {
			continue
		}
		if _, err := e.log.LastEvent(ctx, inst.ID, EventTriggerFired, map[string]string{"trigger_id": string(tr.ID)}); err == nil {
			continue
		}
		at, ok, err := e.conditionInstant(ctx, inst, tr.Condition, loc)
		if err != nil {
			slog.Warn("Routines cascade could not resolve trigger condition", "instance_id", inst.ID, "trigger_id", tr.ID, "error", err.Error())
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
			slog.Error("Routines cascade failed to reschedule trigger", "instance_id", iid, "trigger_id", triggerID, "error", err.Error())
			continue
		}
		triggerIDs = append(triggerIDs, string(triggerID))
	}

	// Phases gated on this parameter may now activate; triggers gated on it
	// may now fire.
	if next, ok := t.NextPhaseAfter(inst.CurrentPhaseID); ok {
		if ConditionReferences(next.Condition, parameterKey) && e.conditionSatisfied(ctx, inst, next.Condition, loc) {
			if err := e.activatePhase(ctx, t, inst, next); err != nil {
				slog.Error("Routines cascade failed to activate phase", "instance_id", inst.ID, "phase_id", next.ID, "error", err.Error())
			}
		}
	}
	if inst.CurrentPhaseID == "" && len(t.Phases) > 0 {
		first := t.Phases[0]
		if ConditionReferences(first.Condition, parameterKey) && e.conditionSatisfied(ctx, inst, first.Condition, loc) {
			if err := e.activatePhase(ctx, t, inst, first); err != nil {
				slog.Error("Routines cascade failed to activate phase", "instance_id", inst.ID, "phase_id", first.ID, "error", err.Error())
			}
		}
	}
	e.checkEventTriggers(ctx, t, inst, loc)

	if len(stepIDs) == 0 && len(triggerIDs) == 0 {
		return
	}
	e.publish(events.RoutineSchedulesUpdated{
		FriendshipID: inst.FriendshipID,
		InstanceID:   string(inst.ID),
		StepIDs:      stepIDs,
		TriggerIDs:   triggerIDs,
		At:           e.now(),
	})
	slog.Info("Routines rescheduled after parameter change",
		"instance_id", inst.ID,
		"parameter_key", parameterKey,
		"steps", len(stepIDs),
		"triggers", len(triggerIDs))
}
