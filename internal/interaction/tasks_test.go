package interaction

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/store"
)

func saveTask(t *testing.T, st *store.InMemoryStore, fid models.FriendshipID, id, title string, completed bool) models.Task {
	t.Helper()
	now := time.Now()
	task := models.Task{
		ID:           id,
		Owner:        fid,
		Title:        title,
		Completed:    completed,
		CreatedAt:    now,
		LastModified: now,
	}
	if completed {
		task.CompletedAt = &now
	}
	if err := st.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	return task
}

func TestAddTaskHandlerCreatesTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")

	var added []events.TaskAdded
	bus.SubscribeSync(events.KindTaskAdded, func(ev events.Event) {
		added = append(added, ev.(events.TaskAdded))
	})

	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return `{"title": "buy groceries", "description": "oat milk and bread"}`, nil
	}}
	handler := NewAddTaskHandler(llm, st, st, bus)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentAddTask, "remind me to buy groceries, oat milk and bread"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	tasks, err := st.ListTasks(ctx, fid)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	if tasks[0].Title != "buy groceries" || tasks[0].Description != "oat milk and bread" {
		t.Errorf("task = %+v", tasks[0])
	}
	if len(added) != 1 {
		t.Fatalf("got %d TaskAdded events, want 1", len(added))
	}
	if id, _ := result.ContextParameters["createdTaskID"].(string); id != tasks[0].ID {
		t.Errorf("createdTaskID = %q, want %q", id, tasks[0].ID)
	}
}

func TestAddTaskHandlerAsksForTitle(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")

	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return `{"title": "", "description": ""}`, nil
	}}
	handler := NewAddTaskHandler(llm, st, st, events.NewBus())

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentAddTask, "add a task"), models.EmptyGoalContext(), fid)

	if result.Clarification == nil {
		t.Fatal("expected a clarification question")
	}
	if !strings.Contains(result.Clarification.Text, "called") {
		t.Errorf("question = %q", result.Clarification.Text)
	}
	if tasks, _ := st.ListTasks(ctx, fid); len(tasks) != 0 {
		t.Errorf("task created despite missing title")
	}
}

func TestCompleteTaskSingleOpenCandidate(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")
	saveTask(t, st, fid, "task-done", "water plants", true)
	saveTask(t, st, fid, "task-open", "buy groceries", false)

	var completed []events.TaskCompleted
	bus.SubscribeSync(events.KindTaskCompleted, func(ev events.Event) {
		completed = append(completed, ev.(events.TaskCompleted))
	})

	// Completed tasks are not candidates, so one open task means no
	// identification round trip.
	handler := NewCompleteTaskHandler(&fakeLLM{}, st, st, bus)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentCompleteTask, "groceries are done"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	got, err := st.GetTask(ctx, "task-open")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Completed || got.CompletedAt == nil {
		t.Errorf("task not marked completed: %+v", got)
	}
	if len(completed) != 1 || completed[0].Task.ID != "task-open" {
		t.Errorf("TaskCompleted events = %+v", completed)
	}
}

func TestCompleteTaskPrefersRecentlyCreated(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")
	saveTask(t, st, fid, "task-1", "buy groceries", false)
	saveTask(t, st, fid, "task-2", "call the dentist", false)

	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return `{"id": "", "question": "Which task do you mean?"}`, nil
	}}
	handler := NewCompleteTaskHandler(llm, st, st, events.NewBus())

	goalCtx := models.EmptyGoalContext()
	goalCtx.Parameters = map[string]any{"createdTaskID": "task-2"}

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentCompleteTask, "the task is done"), goalCtx, fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	got, err := st.GetTask(ctx, "task-2")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Completed {
		t.Errorf("recently created task not completed")
	}
}

func TestCompleteTaskNoOpenTasks(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")
	saveTask(t, st, fid, "task-done", "water plants", true)

	handler := NewCompleteTaskHandler(&fakeLLM{}, st, st, events.NewBus())

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentCompleteTask, "it's done"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if !strings.Contains(result.SuccessPrompt, "no open task") {
		t.Errorf("prompt = %q", result.SuccessPrompt)
	}
}

func TestUpdateTaskRenames(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")
	saveTask(t, st, fid, "task-1", "buy milk", false)

	llm := &fakeLLM{generateJSON: func(system, _ string) (string, error) {
		if !strings.Contains(system, "change a task") {
			t.Errorf("unexpected extraction prompt: %q", system)
		}
		return `{"title": "buy oat milk"}`, nil
	}}
	handler := NewUpdateTaskHandler(llm, st, st, events.NewBus())

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentUpdateTask, "make that oat milk"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	got, err := st.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "buy oat milk" {
		t.Errorf("title = %q", got.Title)
	}
}

func TestRemoveTaskDeletesAndNotifies(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")
	saveTask(t, st, fid, "task-1", "buy milk", false)

	var removed []events.TaskRemoved
	bus.SubscribeSync(events.KindTaskRemoved, func(ev events.Event) {
		removed = append(removed, ev.(events.TaskRemoved))
	})

	handler := NewRemoveTaskHandler(&fakeLLM{}, st, st, bus)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentRemoveTask, "drop the milk task"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if tasks, _ := st.ListTasks(ctx, fid); len(tasks) != 0 {
		t.Errorf("task still present: %+v", tasks)
	}
	if len(removed) != 1 || removed[0].TaskID != "task-1" {
		t.Errorf("TaskRemoved events = %+v", removed)
	}
}

func TestListTasksChecklist(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")
	saveTask(t, st, fid, "task-1", "buy groceries", false)
	saveTask(t, st, fid, "task-2", "water plants", true)

	handler := NewListTasksHandler(st)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentListTasks, "show my tasks"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if !strings.Contains(result.SuccessPrompt, "[ ] buy groceries") {
		t.Errorf("open task missing from %q", result.SuccessPrompt)
	}
	if !strings.Contains(result.SuccessPrompt, "[x] water plants") {
		t.Errorf("completed task missing from %q", result.SuccessPrompt)
	}
}

func TestListTasksEmpty(t *testing.T) {
	ctx := context.Background()
	fid := models.FriendshipID("friend-1")
	handler := NewListTasksHandler(store.NewInMemoryStore())

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentListTasks, "show my tasks"), models.EmptyGoalContext(), fid)

	if !strings.Contains(result.SuccessPrompt, "empty") {
		t.Errorf("prompt = %q", result.SuccessPrompt)
	}
}

func TestCleanupTasksRemovesOnlyCompleted(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")
	saveTask(t, st, fid, "task-1", "buy groceries", false)
	saveTask(t, st, fid, "task-2", "water plants", true)
	saveTask(t, st, fid, "task-3", "call the dentist", true)

	var removed []events.TaskRemoved
	bus.SubscribeSync(events.KindTaskRemoved, func(ev events.Event) {
		removed = append(removed, ev.(events.TaskRemoved))
	})

	handler := NewCleanupTasksHandler(st, bus)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentCleanupTasks, "clean up my task list"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if !strings.Contains(result.SuccessPrompt, "2") {
		t.Errorf("prompt %q should report two removals", result.SuccessPrompt)
	}
	tasks, err := st.ListTasks(ctx, fid)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "task-1" {
		t.Errorf("remaining tasks = %+v", tasks)
	}
	if len(removed) != 2 {
		t.Errorf("got %d TaskRemoved events, want 2", len(removed))
	}
}

func TestCleanupTasksNothingToDo(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")
	saveTask(t, st, fid, "task-1", "buy groceries", false)

	handler := NewCleanupTasksHandler(st, events.NewBus())

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentCleanupTasks, "clean up my task list"), models.EmptyGoalContext(), fid)

	if !strings.Contains(result.SuccessPrompt, "no completed tasks") {
		t.Errorf("prompt = %q", result.SuccessPrompt)
	}
}
