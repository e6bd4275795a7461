package models

import (
	"fmt"
	"time"
)

// Intent is an opaque named tag describing what a user wants. Intents are
// grouped into families by their contributing package; equality is by name.
type Intent string

func (i Intent) String() string { return string(i) }

// Core intents that do not belong to a domain family.
const (
	IntentSmalltalk  Intent = "Smalltalk"
	IntentCancelGoal Intent = "CancelGoal"
	IntentUnknown    Intent = "Unknown"
	IntentFollowUp   Intent = "FollowUp"
)

// Goal represents what the user currently wants. One goal is active at a
// time per friendship within a GoalContext.
type Goal struct {
	Intent      Intent
	Description string
}

// NewGoal creates a goal described by its intent name.
func NewGoal(intent Intent) Goal {
	return Goal{Intent: intent, Description: intent.String()}
}

// SubtaskStatus is the lifecycle state of a subtask.
type SubtaskStatus string

const (
	SubtaskPending         SubtaskStatus = "Pending"
	SubtaskInProgress      SubtaskStatus = "InProgress"
	SubtaskInClarification SubtaskStatus = "InClarification"
	SubtaskCompleted       SubtaskStatus = "Completed"
	SubtaskAborted         SubtaskStatus = "Aborted"
	SubtaskFailed          SubtaskStatus = "Failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskAborted || s == SubtaskFailed
}

// SubtaskID identifies a subtask. IDs are derived deterministically so that
// re-expanding a goal after a retry yields identical identities.
type SubtaskID string

func (s SubtaskID) String() string { return string(s) }

// SubtaskIDFrom derives a subtask ID from the triple that created it.
func SubtaskIDFrom(friendshipID FriendshipID, intent Intent, messageID MessageID) SubtaskID {
	return SubtaskID(fmt.Sprintf("%s, %s, %s", friendshipID, intent, messageID))
}

// Subtask is one concrete unit of work derived from a goal. Parameters is a
// free-form bag; handlers read "rawText" and stash extracted entity data
// back into it between clarification turns.
type Subtask struct {
	ID          SubtaskID
	Intent      Intent
	Description string
	Parameters  map[string]any
	Status      SubtaskStatus
}

// Closed reports whether the subtask is done from the goal's point of view.
// Aborted and Failed count: the user dropped it or it cannot be retried, the
// goal moves on either way.
func (s Subtask) Closed() bool { return s.Status.Terminal() }

// NeedsClarification reports whether the subtask is blocked on a question.
func (s Subtask) NeedsClarification() bool { return s.Status == SubtaskInClarification }

// WithStatus returns a copy with the given status.
func (s Subtask) WithStatus(status SubtaskStatus) Subtask {
	s.Status = status
	return s
}

// WithParameter returns a copy with one parameter added.
func (s Subtask) WithParameter(key string, value any) Subtask {
	params := make(map[string]any, len(s.Parameters)+1)
	for k, v := range s.Parameters {
		params[k] = v
	}
	params[key] = value
	s.Parameters = params
	return s
}

// StringParameter reads a string-typed parameter, empty when absent.
func (s Subtask) StringParameter(key string) string {
	if v, ok := s.Parameters[key].(string); ok {
		return v
	}
	return ""
}

// SubtaskClarificationQuestion is a pending question blocking a subtask.
type SubtaskClarificationQuestion struct {
	Text           string
	RelatedSubtask SubtaskID
}

// GoalClarificationQuestion is a pending question disambiguating between
// candidate intents before a goal exists.
type GoalClarificationQuestion struct {
	Prompt  string
	Intents []Intent
}

// GoalContext is the conversation-scoped state machine for one friendship:
// the active goal, its subtasks and any pending clarification questions.
// One per friendship, last-write-wins; Version backs the repository's
// compare-and-swap so two racing orchestration passes cannot both win.
type GoalContext struct {
	Goal                   *Goal
	OriginalMessage        *UserMessage
	GoalClarification      *GoalClarificationQuestion
	Subtasks               []Subtask
	Parameters             map[string]any
	ClarificationQuestions []SubtaskClarificationQuestion
	LastUpdated            time.Time
	Version                int64
}

// EmptyGoalContext is the idle state: no goal, nothing pending.
func EmptyGoalContext() GoalContext {
	return GoalContext{LastUpdated: time.Now()}
}

// PendingGoalClarification reports whether the goal itself is ambiguous.
func (c GoalContext) PendingGoalClarification() bool { return c.GoalClarification != nil }

// PendingSubtaskClarification reports whether any subtask is blocked.
func (c GoalContext) PendingSubtaskClarification() bool {
	return len(c.ClarificationQuestions) > 0
}

// SubtaskByID finds a subtask in the context.
func (c GoalContext) SubtaskByID(id SubtaskID) (Subtask, bool) {
	for _, st := range c.Subtasks {
		if st.ID == id {
			return st, true
		}
	}
	return Subtask{}, false
}

// ReplaceSubtask returns a copy with the matching subtask replaced (or
// appended when it is new).
func (c GoalContext) ReplaceSubtask(updated Subtask) GoalContext {
	subtasks := make([]Subtask, 0, len(c.Subtasks)+1)
	replaced := false
	for _, st := range c.Subtasks {
		if st.ID == updated.ID {
			subtasks = append(subtasks, updated)
			replaced = true
		} else {
			subtasks = append(subtasks, st)
		}
	}
	if !replaced {
		subtasks = append(subtasks, updated)
	}
	c.Subtasks = subtasks
	return c
}

// RemoveClarificationFor returns a copy without the question bound to the
// given subtask.
func (c GoalContext) RemoveClarificationFor(id SubtaskID) GoalContext {
	questions := make([]SubtaskClarificationQuestion, 0, len(c.ClarificationQuestions))
	for _, q := range c.ClarificationQuestions {
		if q.RelatedSubtask != id {
			questions = append(questions, q)
		}
	}
	c.ClarificationQuestions = questions
	return c
}

// AllSubtasksClosed reports whether every subtask reached a terminal state.
// Failed subtasks close the goal too; the run already apologized for them
// and keeping the goal open would swallow the next message.
func (c GoalContext) AllSubtasksClosed() bool {
	for _, st := range c.Subtasks {
		if !st.Closed() {
			return false
		}
	}
	return true
}
