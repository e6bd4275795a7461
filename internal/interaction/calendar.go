package interaction

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
)

// NewCalendarInformation is the extraction target for registering a
// calendar source.
type NewCalendarInformation struct {
	URL string
}

const calendarExtractionPrompt = `You are helping the user register a calendar so their appointments can be read.

A calendar registration needs:
- url (required): the address of the calendar, e.g. an https ICS link.

Only extract a URL the user clearly states. Do NOT guess or invent.
Return valid JSON: {"url": "https://example.org/cal.ics"}`

type registerCalendarOps struct {
	llm genai.ClientInterface
}

func (o registerCalendarOps) Identify(context.Context, []models.CalendarConfig, ExtractionInput, models.GoalContext) (IDResolution, error) {
	return IDResolution{}, nil
}

func (o registerCalendarOps) Extract(ctx context.Context, input ExtractionInput, previous *NewCalendarInformation) (ExtractionResult[NewCalendarInformation], error) {
	response, err := o.llm.GenerateJSON(ctx, calendarExtractionPrompt, "Conversation:\n"+input.Conversation())
	if err != nil {
		return ExtractionResult[NewCalendarInformation]{}, err
	}
	var parsed struct {
		URL string `json:"url"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return ExtractionResult[NewCalendarInformation]{}, err
	}

	raw := strings.TrimSpace(parsed.URL)
	if raw == "" && previous != nil {
		raw = previous.URL
	}
	if !validCalendarURL(raw) {
		return ExtractionResult[NewCalendarInformation]{
			MissingFields: []string{"url"},
			Question:      "What is the URL of the calendar?",
		}, nil
	}
	return ExtractionResult[NewCalendarInformation]{Data: &NewCalendarInformation{URL: raw}}, nil
}

func validCalendarURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https" || u.Scheme == "webcal") && u.Host != ""
}

// NewRegisterCalendarHandler builds the RegisterCalendar subtask handler.
func NewRegisterCalendarHandler(llm genai.ClientInterface, calendars CalendarRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[NewCalendarInformation, models.CalendarConfig]{
		Intent:  IntentRegisterCalendar,
		Ops:     registerCalendarOps{llm: llm},
		Friends: friends,
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, _ string, entity *NewCalendarInformation) (string, map[string]any, error) {
			config := models.CalendarConfig{
				ID:           uuid.NewString(),
				Owner:        friendshipID,
				URL:          entity.URL,
				RegisteredAt: time.Now(),
			}
			if err := calendars.SaveCalendarConfig(ctx, config); err != nil {
				return "", nil, err
			}
			bus.Publish(events.CalendarRegistered{Config: config})
			return "Confirm the calendar was registered and its appointments will be synced shortly.", nil, nil
		},
		DataQuestion: "What is the URL of the calendar?",
	}
}

// listAppointmentsWindow is how far ahead the appointment listing looks.
const listAppointmentsWindow = 7 * 24 * time.Hour

type listAppointmentsHandler struct {
	calendars CalendarRepository
	friends   FriendLedger
}

// NewListAppointmentsHandler builds the ListAppointments subtask handler.
func NewListAppointmentsHandler(calendars CalendarRepository, friends FriendLedger) SubtaskHandler {
	return &listAppointmentsHandler{calendars: calendars, friends: friends}
}

func (h *listAppointmentsHandler) CanHandle(intent models.Intent) bool {
	return intent == IntentListAppointments
}

func (h *listAppointmentsHandler) Handle(ctx context.Context, subtask models.Subtask, _ models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	loc := time.UTC
	if friend, err := h.friends.GetFriend(ctx, friendshipID); err == nil {
		loc = friend.Location()
	}
	now := time.Now()
	appointments, err := h.calendars.AppointmentsInRange(ctx, friendshipID, now, now.Add(listAppointmentsWindow))
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	if len(appointments) == 0 {
		return SubtaskSuccess(subtask, "Tell the user there are no appointments in the next seven days.")
	}
	var b strings.Builder
	b.WriteString("List the user's upcoming appointments:\n")
	for _, a := range appointments {
		fmt.Fprintf(&b, "- %s: %s\n", a.StartAt.In(loc).Format("Mon 2006-01-02 15:04"), a.Title)
	}
	return SubtaskSuccess(subtask, b.String())
}

func (h *listAppointmentsHandler) TryResolveClarification(ctx context.Context, subtask models.Subtask, _ models.SubtaskClarificationQuestion, _ models.UserMessage, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	result := h.Handle(ctx, subtask, goalCtx, friendshipID)
	if result.Updated.Status == models.SubtaskFailed {
		return ClarificationFailure("listing appointments failed", subtask)
	}
	return ClarificationResolved(result.Updated, result.SuccessPrompt)
}
