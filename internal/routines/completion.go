package routines

import (
	"context"
	"log/slog"

	"github.com/neurospicy/fibi/internal/events"
)

// checkIterationCompletion closes the current iteration once every step of
// the phase is terminal, then advances the instance: the next phase in
// template order is scheduled or activated, exactly once and never
// backwards. The last phase completing completes the routine's daily run.
func (e *Engine) checkIterationCompletion(ctx context.Context, t Template, inst Instance, phase Phase) {
	current, ok := inst.Progress.Current()
	if !ok || current.PhaseID != phase.ID || current.CompletedAt != nil {
		return
	}
	for _, s := range phase.Steps {
		if !current.StepCompleted(s.StepID()) {
			return
		}
	}
	inst = inst.WithCompletedIteration()
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		slog.Error("Routines failed to save iteration completion", "instance_id", inst.ID, "error", err.Error())
		return
	}
	e.appendLog(ctx, inst, EventPhaseCompleted, map[string]string{
		"phase_id":    string(phase.ID),
		"phase_title": phase.Title,
	})
	e.publish(events.RoutinePhaseIterationCompleted{
		FriendshipID: inst.FriendshipID,
		InstanceID:   string(inst.ID),
		PhaseID:      string(phase.ID),
	})
	slog.Info("Routines completed phase iteration", "instance_id", inst.ID, "phase_id", phase.ID)

	loc := e.location(ctx, inst.FriendshipID)
	e.checkEventTriggers(ctx, t, inst, loc)

	next, ok := t.NextPhaseAfter(phase.ID)
	if !ok {
		e.appendLog(ctx, inst, EventRoutineCompleted, nil)
		e.publish(events.RoutineCompleted{FriendshipID: inst.FriendshipID, InstanceID: string(inst.ID)})
		slog.Info("Routines completed routine run", "instance_id", inst.ID, "template_id", inst.TemplateID)
		return
	}
	if err := e.scheduleActivation(ctx, t, inst, next); err != nil {
		slog.Error("Routines failed to schedule next phase", "instance_id", inst.ID, "phase_id", next.ID, "error", err.Error())
	}
}
