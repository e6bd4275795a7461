package routines

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
)

// Start creates an instance of a template for a friend and brings its first
// phase into play. Setup parameters captured during routine setup are
// validated against the template's setup steps.
func (e *Engine) Start(ctx context.Context, templateID TemplateID, fid models.FriendshipID, setupParameters map[string]string) (Instance, error) {
	t, err := e.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return Instance{}, fmt.Errorf("loading template %s: %w", templateID, err)
	}
	inst := NewInstance(templateID, fid)
	for _, s := range t.SetupSteps {
		req, ok := s.(ParameterRequestStep)
		if !ok {
			continue
		}
		raw, ok := setupParameters[req.ParameterKey]
		if !ok {
			continue
		}
		inst, err = inst.WithParameter(req.ParameterKey, raw, req.ParameterType)
		if err != nil {
			return Instance{}, fmt.Errorf("setup parameter %q: %w", req.ParameterKey, err)
		}
	}
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		return Instance{}, fmt.Errorf("saving instance: %w", err)
	}
	e.appendLog(ctx, inst, EventRoutineStarted, map[string]string{"template_id": string(templateID)})
	e.publish(events.RoutineStarted{FriendshipID: fid, InstanceID: string(inst.ID)})
	slog.Info("Routines started instance", "friendship_id", fid, "template_id", templateID, "instance_id", inst.ID)

	e.scheduleTriggers(ctx, t, inst)

	if len(t.Phases) == 0 {
		return inst, nil
	}
	first := t.Phases[0]
	if err := e.scheduleActivation(ctx, t, inst, first); err != nil {
		return inst, err
	}
	return e.repo.GetInstance(ctx, inst.ID)
}

// StopForToday removes every pending step schedule of the instance while
// keeping the instance and its iteration recurrence, so the routine resumes
// on its next scheduled day.
func (e *Engine) StopForToday(ctx context.Context, fid models.FriendshipID, iid InstanceID) error {
	inst, err := e.repo.GetInstance(ctx, iid)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", iid, err)
	}
	if inst.FriendshipID != fid {
		return models.ErrNotFound
	}
	e.sched.DeleteByPrefix(e.stepPrefix(fid, iid))
	e.appendLog(ctx, inst, EventRoutineStoppedForToday, nil)
	e.publish(events.StoppedTodaysRoutine{FriendshipID: fid, InstanceID: string(iid)})
	slog.Info("Routines stopped instance for today", "friendship_id", fid, "instance_id", iid)
	return nil
}

// ActiveInstances lists a friend's instances that have not completed their
// final phase.
func (e *Engine) ActiveInstances(ctx context.Context, fid models.FriendshipID) ([]Instance, error) {
	instances, err := e.repo.ListInstances(ctx, fid)
	if err != nil {
		return nil, err
	}
	var active []Instance
	for _, inst := range instances {
		t, err := e.templates.GetTemplate(ctx, inst.TemplateID)
		if err != nil {
			continue
		}
		if !e.instanceCompleted(t, inst) {
			active = append(active, inst)
		}
	}
	return active, nil
}

func (e *Engine) instanceCompleted(t Template, inst Instance) bool {
	if len(t.Phases) == 0 {
		return true
	}
	last := t.Phases[len(t.Phases)-1]
	if inst.CurrentPhaseID != last.ID {
		return false
	}
	current, ok := inst.Progress.Current()
	return ok && current.PhaseID == last.ID && current.CompletedAt != nil
}

// OnTimezoneChanged recomputes every pending schedule of the friend's
// active instances against the new zone. Schedules computed under the old
// zone are deleted first so they can never fire at a stale instant.
func (e *Engine) OnTimezoneChanged(ctx context.Context, fid models.FriendshipID) {
	e.sched.DeleteByPrefix(e.friendKey(fid))
	instances, err := e.repo.ListInstances(ctx, fid)
	if err != nil {
		slog.Error("Routines timezone cascade failed to list instances", "friendship_id", fid, "error", err.Error())
		return
	}
	for _, inst := range instances {
		if err := e.rescheduleInstance(ctx, inst); err != nil {
			slog.Error("Routines timezone cascade failed to reschedule", "instance_id", inst.ID, "error", err.Error())
		}
	}
	slog.Info("Routines rescheduled after timezone change", "friendship_id", fid, "instances", len(instances))
}

// Resume recreates the scheduler state for every persisted instance. Called
// once on startup; the scheduler itself holds jobs in memory only.
func (e *Engine) Resume(ctx context.Context) error {
	instances, err := e.repo.ListAllInstances(ctx)
	if err != nil {
		return fmt.Errorf("listing instances: %w", err)
	}
	resumed := 0
	for _, inst := range instances {
		if err := e.rescheduleInstance(ctx, inst); err != nil {
			slog.Error("Routines failed to resume instance", "instance_id", inst.ID, "error", err.Error())
			continue
		}
		resumed++
	}
	slog.Info("Routines resumed instances", "count", resumed, "total", len(instances))
	return nil
}

// rescheduleInstance rebuilds the scheduler jobs of one instance from its
// persisted state: triggers, the current phase's iteration recurrence, and
// the remaining steps of the current iteration.
func (e *Engine) rescheduleInstance(ctx context.Context, inst Instance) error {
	t, err := e.templates.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return fmt.Errorf("loading template %s: %w", inst.TemplateID, err)
	}
	if e.instanceCompleted(t, inst) {
		return nil
	}
	e.scheduleTriggers(ctx, t, inst)
	if inst.CurrentPhaseID == "" {
		if len(t.Phases) > 0 {
			return e.scheduleActivation(ctx, t, inst, t.Phases[0])
		}
		return nil
	}
	phase, ok := t.FindPhase(inst.CurrentPhaseID)
	if !ok {
		return fmt.Errorf("instance %s references unknown phase %s", inst.ID, inst.CurrentPhaseID)
	}
	if err := e.scheduleIterations(ctx, inst, phase); err != nil {
		return err
	}
	current, ok := inst.Progress.Current()
	if ok && current.PhaseID == phase.ID && current.CompletedAt == nil {
		e.scheduleSteps(ctx, inst, phase)
	}
	return nil
}
