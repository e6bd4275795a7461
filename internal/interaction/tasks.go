package interaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
)

// NewTaskInformation is the extraction target for adding a task.
type NewTaskInformation struct {
	Title       string
	Description string
}

const taskExtractionPrompt = `You are helping the user add a task to their task list.

A task needs:
- title (required): a short name for the task.
- description (optional): further details.

Only extract values the user clearly states. Do NOT guess or invent.
Return valid JSON: {"title": "buy groceries", "description": ""}`

type addTaskOps struct {
	llm genai.ClientInterface
}

func (o addTaskOps) Identify(context.Context, []models.Task, ExtractionInput, models.GoalContext) (IDResolution, error) {
	return IDResolution{}, nil
}

func (o addTaskOps) Extract(ctx context.Context, input ExtractionInput, previous *NewTaskInformation) (ExtractionResult[NewTaskInformation], error) {
	response, err := o.llm.GenerateJSON(ctx, taskExtractionPrompt, "Conversation:\n"+input.Conversation())
	if err != nil {
		return ExtractionResult[NewTaskInformation]{}, err
	}
	var parsed struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return ExtractionResult[NewTaskInformation]{}, err
	}

	title := strings.TrimSpace(parsed.Title)
	if title == "" && previous != nil {
		title = previous.Title
	}
	if title == "" {
		return ExtractionResult[NewTaskInformation]{
			MissingFields: []string{"title"},
			Question:      "What should the task be called?",
		}, nil
	}
	return ExtractionResult[NewTaskInformation]{Data: &NewTaskInformation{Title: title, Description: parsed.Description}}, nil
}

// NewAddTaskHandler builds the AddTask subtask handler.
func NewAddTaskHandler(llm genai.ClientInterface, tasks TaskRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[NewTaskInformation, models.Task]{
		Intent:  IntentAddTask,
		Ops:     addTaskOps{llm: llm},
		Friends: friends,
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, _ string, entity *NewTaskInformation) (string, map[string]any, error) {
			now := time.Now()
			task := models.Task{
				ID:           uuid.NewString(),
				Owner:        friendshipID,
				Title:        entity.Title,
				Description:  entity.Description,
				CreatedAt:    now,
				LastModified: now,
			}
			if err := tasks.SaveTask(ctx, task); err != nil {
				return "", nil, err
			}
			bus.Publish(events.TaskAdded{Task: task})
			return fmt.Sprintf("Confirm the task %q was added.", task.Title), map[string]any{"createdTaskID": task.ID}, nil
		},
		DataQuestion: "What should the task be called?",
	}
}

func taskCandidates(tasks []models.Task, includeCompleted bool) []Candidate {
	out := make([]Candidate, 0, len(tasks))
	for _, t := range tasks {
		if t.Completed && !includeCompleted {
			continue
		}
		desc := t.Title
		if t.Description != "" {
			desc += ": " + t.Description
		}
		out = append(out, Candidate{ID: t.ID, Description: desc})
	}
	return out
}

type completeTaskOps struct {
	llm genai.ClientInterface
}

func (o completeTaskOps) Identify(ctx context.Context, candidates []models.Task, input ExtractionInput, goalCtx models.GoalContext) (IDResolution, error) {
	recentID, _ := goalCtx.Parameters["createdTaskID"].(string)
	return IdentifyEntity(ctx, o.llm, taskCandidates(candidates, false), input, recentID)
}

func (o completeTaskOps) Extract(context.Context, ExtractionInput, *removalTarget) (ExtractionResult[removalTarget], error) {
	return ExtractionResult[removalTarget]{Data: &removalTarget{}}, nil
}

// NewCompleteTaskHandler builds the CompleteTask subtask handler.
func NewCompleteTaskHandler(llm genai.ClientInterface, tasks TaskRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[removalTarget, models.Task]{
		Intent:  IntentCompleteTask,
		Ops:     completeTaskOps{llm: llm},
		Friends: friends,
		Load: func(ctx context.Context, friendshipID models.FriendshipID) ([]models.Task, error) {
			return tasks.ListTasks(ctx, friendshipID)
		},
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, id string, _ *removalTarget) (string, map[string]any, error) {
			if err := tasks.CompleteTask(ctx, id, time.Now()); err != nil {
				return "", nil, err
			}
			task, err := tasks.GetTask(ctx, id)
			if err != nil {
				return "", nil, err
			}
			bus.Publish(events.TaskCompleted{Task: task})
			return fmt.Sprintf("Confirm the task %q is done.", task.Title), nil, nil
		},
		NoMatchPrompt: "Tell the user there is no open task matching that.",
	}
}

// TaskChange is the extraction target for updating a task.
type TaskChange struct {
	Title       *string
	Description *string
}

const taskChangePrompt = `You are helping the user change a task on their task list.

Extract only what the user wants to change:
- title (optional): the new task name.
- description (optional): the new details.

Only extract values the user clearly states. Do NOT guess or invent.
Return valid JSON with only the changed fields, e.g. {"title": "buy oat milk"}`

type updateTaskOps struct {
	llm genai.ClientInterface
}

func (o updateTaskOps) Identify(ctx context.Context, candidates []models.Task, input ExtractionInput, goalCtx models.GoalContext) (IDResolution, error) {
	recentID, _ := goalCtx.Parameters["createdTaskID"].(string)
	return IdentifyEntity(ctx, o.llm, taskCandidates(candidates, true), input, recentID)
}

func (o updateTaskOps) Extract(ctx context.Context, input ExtractionInput, previous *TaskChange) (ExtractionResult[TaskChange], error) {
	response, err := o.llm.GenerateJSON(ctx, taskChangePrompt, "Conversation:\n"+input.Conversation())
	if err != nil {
		return ExtractionResult[TaskChange]{}, err
	}
	var parsed struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return ExtractionResult[TaskChange]{}, err
	}

	var change TaskChange
	if previous != nil {
		change = *previous
	}
	if parsed.Title != nil && *parsed.Title != "" {
		change.Title = parsed.Title
	}
	if parsed.Description != nil && *parsed.Description != "" {
		change.Description = parsed.Description
	}
	if change.Title == nil && change.Description == nil {
		return ExtractionResult[TaskChange]{
			MissingFields: []string{"change"},
			Question:      "What should change about the task?",
		}, nil
	}
	return ExtractionResult[TaskChange]{Data: &change}, nil
}

// NewUpdateTaskHandler builds the UpdateTask subtask handler.
func NewUpdateTaskHandler(llm genai.ClientInterface, tasks TaskRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[TaskChange, models.Task]{
		Intent:  IntentUpdateTask,
		Ops:     updateTaskOps{llm: llm},
		Friends: friends,
		Load: func(ctx context.Context, friendshipID models.FriendshipID) ([]models.Task, error) {
			return tasks.ListTasks(ctx, friendshipID)
		},
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, id string, change *TaskChange) (string, map[string]any, error) {
			task, err := tasks.GetTask(ctx, id)
			if err != nil {
				return "", nil, err
			}
			if change.Title != nil {
				task.Title = *change.Title
			}
			if change.Description != nil {
				task.Description = *change.Description
			}
			task.LastModified = time.Now()
			if err := tasks.SaveTask(ctx, task); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("Confirm the task is now %q.", task.Title), nil, nil
		},
		NoMatchPrompt: "Tell the user there is no task matching that.",
		DataQuestion:  "What should change about the task?",
	}
}

type removeTaskOps struct {
	llm genai.ClientInterface
}

func (o removeTaskOps) Identify(ctx context.Context, candidates []models.Task, input ExtractionInput, goalCtx models.GoalContext) (IDResolution, error) {
	recentID, _ := goalCtx.Parameters["createdTaskID"].(string)
	return IdentifyEntity(ctx, o.llm, taskCandidates(candidates, true), input, recentID)
}

func (o removeTaskOps) Extract(context.Context, ExtractionInput, *removalTarget) (ExtractionResult[removalTarget], error) {
	return ExtractionResult[removalTarget]{Data: &removalTarget{}}, nil
}

// NewRemoveTaskHandler builds the RemoveTask subtask handler.
func NewRemoveTaskHandler(llm genai.ClientInterface, tasks TaskRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[removalTarget, models.Task]{
		Intent:  IntentRemoveTask,
		Ops:     removeTaskOps{llm: llm},
		Friends: friends,
		Load: func(ctx context.Context, friendshipID models.FriendshipID) ([]models.Task, error) {
			return tasks.ListTasks(ctx, friendshipID)
		},
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, id string, _ *removalTarget) (string, map[string]any, error) {
			if err := tasks.DeleteTask(ctx, friendshipID, id); err != nil {
				return "", nil, err
			}
			bus.Publish(events.TaskRemoved{Owner: friendshipID, TaskID: id})
			return "Confirm the task was deleted.", nil, nil
		},
		NoMatchPrompt: "Tell the user there is no task matching that.",
	}
}

type listTasksHandler struct {
	tasks TaskRepository
}

// NewListTasksHandler builds the ListTasks subtask handler.
func NewListTasksHandler(tasks TaskRepository) SubtaskHandler {
	return &listTasksHandler{tasks: tasks}
}

func (h *listTasksHandler) CanHandle(intent models.Intent) bool { return intent == IntentListTasks }

func (h *listTasksHandler) Handle(ctx context.Context, subtask models.Subtask, _ models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	all, err := h.tasks.ListTasks(ctx, friendshipID)
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	if len(all) == 0 {
		return SubtaskSuccess(subtask, "Tell the user the task list is empty.")
	}
	var b strings.Builder
	b.WriteString("List the user's tasks:\n")
	for _, t := range all {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, t.Title)
	}
	return SubtaskSuccess(subtask, b.String())
}

func (h *listTasksHandler) TryResolveClarification(ctx context.Context, subtask models.Subtask, _ models.SubtaskClarificationQuestion, _ models.UserMessage, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	result := h.Handle(ctx, subtask, goalCtx, friendshipID)
	if result.Updated.Status == models.SubtaskFailed {
		return ClarificationFailure("listing tasks failed", subtask)
	}
	return ClarificationResolved(result.Updated, result.SuccessPrompt)
}

type cleanupTasksHandler struct {
	tasks TaskRepository
	bus   *events.Bus
}

// NewCleanupTasksHandler builds the CleanupTasks subtask handler, removing
// every completed task.
func NewCleanupTasksHandler(tasks TaskRepository, bus *events.Bus) SubtaskHandler {
	return &cleanupTasksHandler{tasks: tasks, bus: bus}
}

func (h *cleanupTasksHandler) CanHandle(intent models.Intent) bool {
	return intent == IntentCleanupTasks
}

func (h *cleanupTasksHandler) Handle(ctx context.Context, subtask models.Subtask, _ models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	all, err := h.tasks.ListTasks(ctx, friendshipID)
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	removed := 0
	for _, t := range all {
		if !t.Completed {
			continue
		}
		if err := h.tasks.DeleteTask(ctx, friendshipID, t.ID); err != nil {
			return SubtaskFailure(err.Error(), subtask)
		}
		h.bus.Publish(events.TaskRemoved{Owner: friendshipID, TaskID: t.ID})
		removed++
	}
	if removed == 0 {
		return SubtaskSuccess(subtask, "Tell the user there were no completed tasks to clean up.")
	}
	return SubtaskSuccess(subtask, fmt.Sprintf("Confirm %d completed tasks were cleaned up.", removed))
}

func (h *cleanupTasksHandler) TryResolveClarification(ctx context.Context, subtask models.Subtask, _ models.SubtaskClarificationQuestion, _ models.UserMessage, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	result := h.Handle(ctx, subtask, goalCtx, friendshipID)
	if result.Updated.Status == models.SubtaskFailed {
		return ClarificationFailure("cleaning up tasks failed", subtask)
	}
	return ClarificationResolved(result.Updated, result.SuccessPrompt)
}
