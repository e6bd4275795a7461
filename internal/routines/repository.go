package routines

import (
	"context"
	"time"

	"github.com/neurospicy/fibi/internal/models"
)

// Repository persists routine instances.
type Repository interface {
	SaveInstance(ctx context.Context, instance Instance) error
	GetInstance(ctx context.Context, id InstanceID) (Instance, error)
	// ListInstances returns all instances of a friend; active and completed.
	ListInstances(ctx context.Context, friendshipID models.FriendshipID) ([]Instance, error)
	ListAllInstances(ctx context.Context) ([]Instance, error)
	DeleteInstance(ctx context.Context, id InstanceID) error
}

// TemplateRepository stores published routine templates.
type TemplateRepository interface {
	SaveTemplate(ctx context.Context, template Template) error
	GetTemplate(ctx context.Context, id TemplateID) (Template, error)
	ListTemplates(ctx context.Context) ([]Template, error)
}

// EventLog is the append-only record of routine engine activity. Anchor
// timestamps for AfterEvent trigger conditions are read back from it.
type EventLog interface {
	Append(ctx context.Context, entry EventLogEntry) error
	// LastEvent returns the most recent entry of the given type for the
	// instance, optionally filtered by metadata key/value pairs.
	LastEvent(ctx context.Context, instanceID InstanceID, event EventType, metadata map[string]string) (EventLogEntry, error)
	ListEvents(ctx context.Context, instanceID InstanceID) ([]EventLogEntry, error)
}

// FriendDirectory resolves friend records, primarily for timezones.
type FriendDirectory interface {
	GetFriend(ctx context.Context, id models.FriendshipID) (models.Friend, error)
}

// TaskStore is the slice of task persistence the trigger effects and
// action-step confirmations need.
type TaskStore interface {
	SaveTask(ctx context.Context, task models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	CompleteTask(ctx context.Context, id string, at time.Time) error
}
