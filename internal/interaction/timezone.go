package interaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
)

// TimezoneInformation is the extraction target for setting a timezone.
type TimezoneInformation struct {
	Zone string
}

const timezoneExtractionPrompt = `You are helping the user set their timezone.

Extract:
- zone (required): the IANA timezone name, e.g. "Europe/Berlin" or
  "America/New_York". Map city or country names the user mentions to the
  matching IANA zone.

Only extract a zone the user clearly indicates. Do NOT guess or invent.
Return valid JSON: {"zone": "Europe/Berlin"}`

type setTimezoneOps struct {
	llm genai.ClientInterface
}

func (o setTimezoneOps) Identify(context.Context, []models.Friend, ExtractionInput, models.GoalContext) (IDResolution, error) {
	return IDResolution{}, nil
}

func (o setTimezoneOps) Extract(ctx context.Context, input ExtractionInput, previous *TimezoneInformation) (ExtractionResult[TimezoneInformation], error) {
	response, err := o.llm.GenerateJSON(ctx, timezoneExtractionPrompt, "Conversation:\n"+input.Conversation())
	if err != nil {
		return ExtractionResult[TimezoneInformation]{}, err
	}
	var parsed struct {
		Zone string `json:"zone"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return ExtractionResult[TimezoneInformation]{}, err
	}

	zone := strings.TrimSpace(parsed.Zone)
	if zone == "" && previous != nil {
		zone = previous.Zone
	}
	if zone == "" {
		return ExtractionResult[TimezoneInformation]{
			MissingFields: []string{"zone"},
			Question:      "Which timezone should I use, for example Europe/Berlin?",
		}, nil
	}
	if _, err := time.LoadLocation(zone); err != nil {
		return ExtractionResult[TimezoneInformation]{
			MissingFields: []string{"zone"},
			Question:      fmt.Sprintf("I don't know the timezone %q. Which IANA timezone should I use, for example Europe/Berlin?", zone),
		}, nil
	}
	return ExtractionResult[TimezoneInformation]{Data: &TimezoneInformation{Zone: zone}}, nil
}

// NewSetTimezoneHandler builds the SetTimezone subtask handler. Changing the
// zone fires TimezoneChanged so pending local-time schedules get recomputed.
func NewSetTimezoneHandler(llm genai.ClientInterface, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[TimezoneInformation, models.Friend]{
		Intent:  IntentSetTimezone,
		Ops:     setTimezoneOps{llm: llm},
		Friends: friends,
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, _ string, entity *TimezoneInformation) (string, map[string]any, error) {
			friend, err := friends.GetFriend(ctx, friendshipID)
			if err != nil {
				return "", nil, err
			}
			oldZone := friend.Timezone
			if oldZone == entity.Zone {
				return fmt.Sprintf("Tell the user their timezone is already %s.", entity.Zone), nil, nil
			}
			friend.Timezone = entity.Zone
			if err := friends.SaveFriend(ctx, friend); err != nil {
				return "", nil, err
			}
			bus.Publish(events.TimezoneChanged{
				FriendshipID: friendshipID,
				OldZone:      oldZone,
				NewZone:      entity.Zone,
			})
			return fmt.Sprintf("Confirm the timezone is now %s.", entity.Zone), nil, nil
		},
		DataQuestion: "Which timezone should I use, for example Europe/Berlin?",
	}
}
