package routines

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/recovery"
)

// scheduleActivation arranges for the phase to activate when its condition
// is met. Time-based conditions become one-shot scheduler jobs; event-driven
// conditions are re-evaluated when their event occurs; a nil or already
// satisfied condition activates the phase immediately.
func (e *Engine) scheduleActivation(ctx context.Context, t Template, inst Instance, phase Phase) error {
	loc := e.location(ctx, inst.FriendshipID)
	if e.conditionSatisfied(ctx, inst, phase.Condition, loc) {
		return e.activatePhase(ctx, t, inst, phase)
	}
	at, ok, err := e.conditionInstant(ctx, inst, phase.Condition, loc)
	if err != nil {
		return fmt.Errorf("phase %s activation condition: %w", phase.ID, err)
	}
	if !ok {
		// Event-driven; evaluated on parameter set, phase completion or
		// phase deactivation.
		return nil
	}
	fid, iid, phaseID := inst.FriendshipID, inst.ID, phase.ID
	err = e.sched.ScheduleOnce(e.phaseKey(fid, iid, phaseID), at, func() {
		e.onPhaseActivationFired(fid, iid, phaseID)
	})
	if err != nil {
		return fmt.Errorf("scheduling phase %s activation: %w", phaseID, err)
	}
	e.appendLog(ctx, inst, EventPhaseScheduled, map[string]string{
		"phase_id": string(phaseID),
		"at":       at.UTC().Format(time.RFC3339),
	})
	slog.Debug("Routines scheduled phase activation", "instance_id", iid, "phase_id", phaseID, "at", at)
	return nil
}

func (e *Engine) onPhaseActivationFired(fid models.FriendshipID, iid InstanceID, phaseID PhaseID) {
	defer recovery.LogPanic("routine phase activation", "instance_id", string(iid), "phase_id", string(phaseID))
	ctx := context.Background()
	inst, t, err := e.load(ctx, iid)
	if err != nil {
		slog.Error("Routines phase activation failed to load instance", "instance_id", iid, "error", err.Error())
		return
	}
	phase, ok := t.FindPhase(phaseID)
	if !ok {
		slog.Error("Routines phase activation for unknown phase", "instance_id", iid, "phase_id", phaseID)
		return
	}
	e.publish(events.RoutinePhaseTriggered{FriendshipID: fid, InstanceID: string(iid), PhaseID: string(phaseID)})
	if err := e.activatePhase(ctx, t, inst, phase); err != nil {
		slog.Error("Routines phase activation failed", "instance_id", iid, "phase_id", phaseID, "error", err.Error())
	}
}

// activatePhase makes the phase current: the previous phase is deactivated,
// currentPhaseId advances, iteration recurrence is scheduled and today's
// iteration starts. Activating the already-current phase is a no-op.
func (e *Engine) activatePhase(ctx context.Context, t Template, inst Instance, phase Phase) error {
	if inst.CurrentPhaseID == phase.ID {
		return nil
	}
	if previous, ok := t.FindPhase(inst.CurrentPhaseID); ok {
		e.deactivatePhase(ctx, inst, previous)
	}
	inst = inst.WithCurrentPhase(phase.ID)
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		return fmt.Errorf("saving instance: %w", err)
	}
	e.appendLog(ctx, inst, EventPhaseActivated, map[string]string{
		"phase_id":    string(phase.ID),
		"phase_title": phase.Title,
	})
	e.publish(events.RoutinePhaseActivated{
		FriendshipID: inst.FriendshipID,
		InstanceID:   string(inst.ID),
		PhaseID:      string(phase.ID),
	})
	slog.Info("Routines activated phase", "instance_id", inst.ID, "phase_id", phase.ID, "phase_title", phase.Title)

	if err := e.scheduleIterations(ctx, inst, phase); err != nil {
		return err
	}
	e.startIteration(ctx, inst, phase)
	e.checkEventConditions(ctx, t, inst)
	return nil
}

// deactivatePhase clears the previous phase's pending schedules.
func (e *Engine) deactivatePhase(ctx context.Context, inst Instance, phase Phase) {
	e.sched.Delete(e.iterationKey(inst.FriendshipID, inst.ID, phase.ID))
	for _, s := range phase.Steps {
		e.sched.Delete(e.stepKey(inst.FriendshipID, inst.ID, s.StepID()))
	}
	e.appendLog(ctx, inst, EventPhaseDeactivated, map[string]string{
		"phase_id":    string(phase.ID),
		"phase_title": phase.Title,
	})
	e.publish(events.RoutinePhaseDeactivated{
		FriendshipID: inst.FriendshipID,
		InstanceID:   string(inst.ID),
		PhaseID:      string(phase.ID),
	})
}

// scheduleIterations registers the phase's recurrence cron, which opens a
// fresh iteration each scheduled day.
func (e *Engine) scheduleIterations(ctx context.Context, inst Instance, phase Phase) error {
	expr, err := phase.Schedule.Cron()
	if err != nil {
		return fmt.Errorf("phase %s schedule: %w", phase.ID, err)
	}
	fid, iid, phaseID := inst.FriendshipID, inst.ID, phase.ID
	err = e.sched.ScheduleCron(e.iterationKey(fid, iid, phaseID), expr, func() {
		e.onIterationCron(fid, iid, phaseID)
	})
	if err != nil {
		return fmt.Errorf("scheduling phase %s iterations: %w", phaseID, err)
	}
	e.appendLog(ctx, inst, EventPhaseIterationsScheduled, map[string]string{
		"phase_id": string(phaseID),
		"cron":     expr,
	})
	return nil
}

// onIterationCron fires on the phase's recurrence. A fire for the current
// phase opens its next daily iteration. A fire for the template's first
// phase while the instance sits completed on its last restarts the daily
// cycle from the top.
func (e *Engine) onIterationCron(fid models.FriendshipID, iid InstanceID, phaseID PhaseID) {
	defer recovery.LogPanic("routine phase iteration", "instance_id", string(iid), "phase_id", string(phaseID))
	ctx := context.Background()
	inst, t, err := e.load(ctx, iid)
	if err != nil {
		slog.Error("Routines iteration failed to load instance", "instance_id", iid, "error", err.Error())
		return
	}
	phase, ok := t.FindPhase(phaseID)
	if !ok {
		return
	}
	if len(t.Phases) > 0 && phaseID == t.Phases[0].ID && e.instanceCompleted(t, inst) {
		// New daily cycle from the first phase.
		inst.CurrentPhaseID = ""
		if err := e.activatePhase(ctx, t, inst, phase); err != nil {
			slog.Error("Routines daily cycle restart failed", "instance_id", iid, "error", err.Error())
		}
		return
	}
	if inst.CurrentPhaseID != phaseID {
		return
	}
	inst = inst.WithNewIteration(phaseID)
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		slog.Error("Routines iteration failed to save instance", "instance_id", iid, "error", err.Error())
		return
	}
	e.startIteration(ctx, inst, phase)
}

// startIteration announces the iteration and schedules its steps.
func (e *Engine) startIteration(ctx context.Context, inst Instance, phase Phase) {
	e.appendLog(ctx, inst, EventPhaseIterationStarted, map[string]string{"phase_id": string(phase.ID)})
	e.publish(events.RoutinePhaseIterationTriggered{
		FriendshipID: inst.FriendshipID,
		InstanceID:   string(inst.ID),
		PhaseID:      string(phase.ID),
	})
	e.scheduleSteps(ctx, inst, phase)
}

// checkEventConditions re-evaluates event-driven activation conditions of
// later phases and event-driven triggers after instance state changed.
func (e *Engine) checkEventConditions(ctx context.Context, t Template, inst Instance) {
	inst, err := e.repo.GetInstance(ctx, inst.ID)
	if err != nil {
		return
	}
	loc := e.location(ctx, inst.FriendshipID)
	if next, ok := t.NextPhaseAfter(inst.CurrentPhaseID); ok {
		if _, isEvent := next.Condition.(AfterEvent); isEvent {
			if at, ok, err := e.conditionInstant(ctx, inst, next.Condition, loc); err == nil && ok {
				fid, iid, phaseID := inst.FriendshipID, inst.ID, next.ID
				_ = e.sched.ScheduleOnce(e.phaseKey(fid, iid, phaseID), at, func() {
					e.onPhaseActivationFired(fid, iid, phaseID)
				})
			}
		}
	}
	e.checkEventTriggers(ctx, t, inst, loc)
}
