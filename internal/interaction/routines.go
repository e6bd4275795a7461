package interaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/routines"
)

// RoutineRunner is the slice of the routine engine the chat handlers drive.
type RoutineRunner interface {
	Start(ctx context.Context, templateID routines.TemplateID, friendshipID models.FriendshipID, setupParameters map[string]string) (routines.Instance, error)
	StopForToday(ctx context.Context, friendshipID models.FriendshipID, instanceID routines.InstanceID) error
	ActiveInstances(ctx context.Context, friendshipID models.FriendshipID) ([]routines.Instance, error)
	PendingParameterRequest(ctx context.Context, friendshipID models.FriendshipID) (routines.Instance, routines.ParameterRequestStep, bool)
	SetParameter(ctx context.Context, friendshipID models.FriendshipID, instanceID routines.InstanceID, stepID routines.StepID, rawValue string) error
}

const (
	// paramSelectedTemplate carries the routine choice from SelectRoutine to
	// SetupRoutine through GoalContext.Parameters.
	paramSelectedTemplate = "selectedRoutineTemplateID"
	paramSetupTemplate    = "templateID"
	paramSetupValues      = "setupParameters"
	paramPendingSetupKey  = "pendingSetupKey"
)

func templateCandidates(templates []routines.Template) []Candidate {
	out := make([]Candidate, 0, len(templates))
	for _, t := range templates {
		desc := t.Title
		if t.Description != "" {
			desc += ": " + t.Description
		}
		out = append(out, Candidate{ID: string(t.ID), Description: desc})
	}
	return out
}

func templateTitle(ctx context.Context, repo routines.TemplateRepository, id routines.TemplateID) string {
	t, err := repo.GetTemplate(ctx, id)
	if err != nil {
		return string(id)
	}
	return t.Title
}

func routineChoiceQuestion(templates []routines.Template) string {
	titles := make([]string, 0, len(templates))
	for _, t := range templates {
		titles = append(titles, t.Title)
	}
	return "Which routine would you like? Available: " + strings.Join(titles, ", ")
}

type selectRoutineHandler struct {
	llm       genai.ClientInterface
	templates routines.TemplateRepository
}

// NewSelectRoutineHandler builds the SelectRoutine subtask handler. A resolved
// choice is recorded in the goal context so a following setup subtask picks
// it up without asking again.
func NewSelectRoutineHandler(llm genai.ClientInterface, templates routines.TemplateRepository) SubtaskHandler {
	return &selectRoutineHandler{llm: llm, templates: templates}
}

func (h *selectRoutineHandler) CanHandle(intent models.Intent) bool {
	return intent == IntentSelectRoutine
}

func (h *selectRoutineHandler) Handle(ctx context.Context, subtask models.Subtask, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	input := ExtractionInput{RawText: subtask.StringParameter(ParamRawText), FriendshipID: friendshipID}
	result, templates, err := h.resolve(ctx, input)
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	if len(templates) == 0 {
		return SubtaskSuccess(subtask, "Tell the user there are no routines available yet.")
	}
	if result.ID == "" {
		return SubtaskNeedsClarification(subtask, routineChoiceQuestion(templates))
	}
	return h.chosen(ctx, subtask, result.ID)
}

func (h *selectRoutineHandler) TryResolveClarification(ctx context.Context, subtask models.Subtask, question models.SubtaskClarificationQuestion, answer models.UserMessage, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	input := ExtractionInput{
		RawText:      subtask.StringParameter(ParamRawText),
		Question:     question.Text,
		Answer:       answer.Text,
		FriendshipID: friendshipID,
	}
	result, templates, err := h.resolve(ctx, input)
	if err != nil {
		return ClarificationFailure(err.Error(), subtask)
	}
	if result.ID == "" {
		return ClarificationStillNeeded(subtask, routineChoiceQuestion(templates))
	}
	outcome := h.chosen(ctx, subtask, result.ID)
	return SubtaskClarificationResult{
		SuccessPrompt:     outcome.SuccessPrompt,
		Updated:           outcome.Updated,
		ContextParameters: outcome.ContextParameters,
	}
}

func (h *selectRoutineHandler) resolve(ctx context.Context, input ExtractionInput) (IDResolution, []routines.Template, error) {
	templates, err := h.templates.ListTemplates(ctx)
	if err != nil {
		return IDResolution{}, nil, err
	}
	if len(templates) == 0 {
		return IDResolution{}, nil, nil
	}
	result, err := IdentifyEntity(ctx, h.llm, templateCandidates(templates), input, "")
	if err != nil {
		return IDResolution{}, nil, err
	}
	return result, templates, nil
}

func (h *selectRoutineHandler) chosen(ctx context.Context, subtask models.Subtask, templateID string) SubtaskResult {
	title := templateTitle(ctx, h.templates, routines.TemplateID(templateID))
	result := SubtaskSuccess(subtask, fmt.Sprintf("Confirm the choice of the %q routine and offer to set it up.", title))
	result.ContextParameters = map[string]any{paramSelectedTemplate: templateID}
	return result
}

type setupRoutineHandler struct {
	llm       genai.ClientInterface
	templates routines.TemplateRepository
	engine    RoutineRunner
}

// NewSetupRoutineHandler builds the SetupRoutine subtask handler. It walks the
// template's setup questions one clarification at a time and starts the
// routine once every setup parameter has an answer.
func NewSetupRoutineHandler(llm genai.ClientInterface, templates routines.TemplateRepository, engine RoutineRunner) SubtaskHandler {
	return &setupRoutineHandler{llm: llm, templates: templates, engine: engine}
}

func (h *setupRoutineHandler) CanHandle(intent models.Intent) bool {
	return intent == IntentSetupRoutine
}

func (h *setupRoutineHandler) Handle(ctx context.Context, subtask models.Subtask, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	templateID, question, err := h.templateFor(ctx, subtask, goalCtx, friendshipID, "")
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	if templateID == "" {
		if question == "" {
			return SubtaskSuccess(subtask, "Tell the user there are no routines available yet.")
		}
		return SubtaskNeedsClarification(subtask, question)
	}
	return h.advance(ctx, subtask.WithParameter(paramSetupTemplate, templateID), friendshipID)
}

func (h *setupRoutineHandler) TryResolveClarification(ctx context.Context, subtask models.Subtask, question models.SubtaskClarificationQuestion, answer models.UserMessage, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	templateID := subtask.StringParameter(paramSetupTemplate)
	if templateID == "" {
		id, retry, err := h.templateFor(ctx, subtask, goalCtx, friendshipID, answer.Text)
		if err != nil {
			return ClarificationFailure(err.Error(), subtask)
		}
		if id == "" {
			return ClarificationStillNeeded(subtask, retry)
		}
		outcome := h.advance(ctx, subtask.WithParameter(paramSetupTemplate, id), friendshipID)
		return setupOutcomeToClarification(outcome)
	}

	pendingKey := subtask.StringParameter(paramPendingSetupKey)
	if pendingKey != "" {
		values := setupValues(subtask)
		values[pendingKey] = answer.Text
		subtask = subtask.WithParameter(paramSetupValues, values)
		subtask = subtask.WithParameter(paramPendingSetupKey, "")
	}
	outcome := h.advance(ctx, subtask, friendshipID)
	return setupOutcomeToClarification(outcome)
}

// templateFor resolves which template to set up: an earlier selection in the
// goal context wins, otherwise the message text is matched against the
// available templates.
func (h *setupRoutineHandler) templateFor(ctx context.Context, subtask models.Subtask, goalCtx models.GoalContext, friendshipID models.FriendshipID, answer string) (id, question string, err error) {
	if selected, ok := goalCtx.Parameters[paramSelectedTemplate].(string); ok && selected != "" {
		return selected, "", nil
	}
	templates, err := h.templates.ListTemplates(ctx)
	if err != nil {
		return "", "", err
	}
	if len(templates) == 0 {
		return "", "", nil
	}
	input := ExtractionInput{
		RawText:      subtask.StringParameter(ParamRawText),
		Answer:       answer,
		FriendshipID: friendshipID,
	}
	result, err := IdentifyEntity(ctx, h.llm, templateCandidates(templates), input, "")
	if err != nil {
		return "", "", err
	}
	if result.ID == "" {
		return "", routineChoiceQuestion(templates), nil
	}
	return result.ID, "", nil
}

// advance asks the next unanswered setup question or, when none remain,
// starts the routine.
func (h *setupRoutineHandler) advance(ctx context.Context, subtask models.Subtask, friendshipID models.FriendshipID) SubtaskResult {
	templateID := routines.TemplateID(subtask.StringParameter(paramSetupTemplate))
	t, err := h.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	values := setupValues(subtask)
	for _, s := range t.SetupSteps {
		req, ok := s.(routines.ParameterRequestStep)
		if !ok {
			continue
		}
		if _, answered := values[req.ParameterKey]; answered {
			continue
		}
		subtask = subtask.WithParameter(paramPendingSetupKey, req.ParameterKey)
		return SubtaskNeedsClarification(subtask, req.Question)
	}

	inst, err := h.engine.Start(ctx, templateID, friendshipID, values)
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	result := SubtaskSuccess(subtask, fmt.Sprintf("Confirm the %q routine is set up and running.", t.Title))
	result.ContextParameters = map[string]any{"startedRoutineInstanceID": string(inst.ID)}
	return result
}

func setupValues(subtask models.Subtask) map[string]string {
	values := make(map[string]string)
	switch raw := subtask.Parameters[paramSetupValues].(type) {
	case map[string]string:
		for k, v := range raw {
			values[k] = v
		}
	case map[string]any:
		for k, v := range raw {
			if s, ok := v.(string); ok {
				values[k] = s
			}
		}
	}
	return values
}

func setupOutcomeToClarification(outcome SubtaskResult) SubtaskClarificationResult {
	if outcome.Updated.Status == models.SubtaskFailed {
		return ClarificationFailure("routine setup failed", outcome.Updated)
	}
	if outcome.Clarification != nil {
		return SubtaskClarificationResult{Clarification: outcome.Clarification, Updated: outcome.Updated}
	}
	return SubtaskClarificationResult{
		SuccessPrompt:     outcome.SuccessPrompt,
		Updated:           outcome.Updated,
		ContextParameters: outcome.ContextParameters,
	}
}

type answerQuestionHandler struct {
	engine RoutineRunner
}

// NewAnswerQuestionHandler builds the AnswerQuestion subtask handler, feeding
// the user's reply into the routine step that asked for it.
func NewAnswerQuestionHandler(engine RoutineRunner) SubtaskHandler {
	return &answerQuestionHandler{engine: engine}
}

func (h *answerQuestionHandler) CanHandle(intent models.Intent) bool {
	return intent == IntentAnswerQuestion
}

func (h *answerQuestionHandler) Handle(ctx context.Context, subtask models.Subtask, _ models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	return h.apply(ctx, subtask, friendshipID, subtask.StringParameter(ParamRawText))
}

func (h *answerQuestionHandler) TryResolveClarification(ctx context.Context, subtask models.Subtask, _ models.SubtaskClarificationQuestion, answer models.UserMessage, _ models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	outcome := h.apply(ctx, subtask, friendshipID, answer.Text)
	if outcome.Clarification != nil {
		return SubtaskClarificationResult{Clarification: outcome.Clarification, Updated: outcome.Updated}
	}
	return ClarificationResolved(outcome.Updated, outcome.SuccessPrompt)
}

func (h *answerQuestionHandler) apply(ctx context.Context, subtask models.Subtask, friendshipID models.FriendshipID, rawValue string) SubtaskResult {
	inst, step, ok := h.engine.PendingParameterRequest(ctx, friendshipID)
	if !ok {
		return SubtaskSuccess(subtask, "Tell the user no routine is waiting for an answer right now.")
	}
	if err := h.engine.SetParameter(ctx, friendshipID, inst.ID, step.ID, rawValue); err != nil {
		return SubtaskNeedsClarification(subtask, "I couldn't make sense of that answer. "+step.Question)
	}
	return SubtaskSuccess(subtask, "Confirm the answer was noted for the routine.")
}

type stopRoutineTodayHandler struct {
	llm       genai.ClientInterface
	templates routines.TemplateRepository
	engine    RoutineRunner
}

// NewStopRoutineTodayHandler builds the StopRoutineToday subtask handler.
func NewStopRoutineTodayHandler(llm genai.ClientInterface, templates routines.TemplateRepository, engine RoutineRunner) SubtaskHandler {
	return &stopRoutineTodayHandler{llm: llm, templates: templates, engine: engine}
}

func (h *stopRoutineTodayHandler) CanHandle(intent models.Intent) bool {
	return intent == IntentStopRoutineToday
}

func (h *stopRoutineTodayHandler) Handle(ctx context.Context, subtask models.Subtask, _ models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	input := ExtractionInput{RawText: subtask.StringParameter(ParamRawText), FriendshipID: friendshipID}
	return h.stop(ctx, subtask, friendshipID, input)
}

func (h *stopRoutineTodayHandler) TryResolveClarification(ctx context.Context, subtask models.Subtask, question models.SubtaskClarificationQuestion, answer models.UserMessage, _ models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	input := ExtractionInput{
		RawText:      subtask.StringParameter(ParamRawText),
		Question:     question.Text,
		Answer:       answer.Text,
		FriendshipID: friendshipID,
	}
	outcome := h.stop(ctx, subtask, friendshipID, input)
	if outcome.Updated.Status == models.SubtaskFailed {
		return ClarificationFailure("stopping the routine failed", subtask)
	}
	if outcome.Clarification != nil {
		return SubtaskClarificationResult{Clarification: outcome.Clarification, Updated: outcome.Updated}
	}
	return ClarificationResolved(outcome.Updated, outcome.SuccessPrompt)
}

func (h *stopRoutineTodayHandler) stop(ctx context.Context, subtask models.Subtask, friendshipID models.FriendshipID, input ExtractionInput) SubtaskResult {
	instances, err := h.engine.ActiveInstances(ctx, friendshipID)
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	if len(instances) == 0 {
		return SubtaskSuccess(subtask, "Tell the user there is no running routine to pause today.")
	}

	var target routines.Instance
	if len(instances) == 1 {
		target = instances[0]
	} else {
		candidates := make([]Candidate, 0, len(instances))
		for _, inst := range instances {
			candidates = append(candidates, Candidate{
				ID:          string(inst.ID),
				Description: templateTitle(ctx, h.templates, inst.TemplateID),
			})
		}
		result, err := IdentifyEntity(ctx, h.llm, candidates, input, "")
		if err != nil {
			return SubtaskFailure(err.Error(), subtask)
		}
		if result.ID == "" {
			question := result.Question
			if question == "" {
				question = "Which routine should pause for today?"
			}
			return SubtaskNeedsClarification(subtask, question)
		}
		for _, inst := range instances {
			if string(inst.ID) == result.ID {
				target = inst
			}
		}
		if target.ID == "" {
			return SubtaskNeedsClarification(subtask, "Which routine should pause for today?")
		}
	}

	if err := h.engine.StopForToday(ctx, friendshipID, target.ID); err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	title := templateTitle(ctx, h.templates, target.TemplateID)
	return SubtaskSuccess(subtask, fmt.Sprintf("Confirm the %q routine is paused for today and resumes on its next scheduled day.", title))
}
