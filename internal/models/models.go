// Package models defines the core data structures for Fibi.
//
// It includes identity types, message types and the domain entities shared
// across modules. All per-friend state is keyed by FriendshipID.
package models

import (
	"errors"
	"time"
)

// FriendshipID is the tenant key scoping all per-friend state.
type FriendshipID string

func (f FriendshipID) String() string { return string(f) }

// MessageID identifies a single inbound or outbound message on a channel.
type MessageID string

func (m MessageID) String() string { return string(m) }

// Channel identifies the messaging transport a message arrived on.
type Channel string

const (
	// ChannelSignal is the signal-cli bridge channel.
	ChannelSignal Channel = "signal"
)

// UserMessage is an inbound free-text message from a friend.
type UserMessage struct {
	ID         MessageID
	Text       string
	Channel    Channel
	ReceivedAt time.Time
}

// Conversation turn authors.
const (
	AuthorUser      = "user"
	AuthorAssistant = "assistant"
)

// ConversationTurn is one line of the recent dialog with a friend. The
// history lets a later message be classified against what was said before.
type ConversationTurn struct {
	Author string
	Text   string
	At     time.Time
}

// Friend is a friendship ledger entry. The timezone drives every
// local-time-based schedule for that friend.
type Friend struct {
	ID        FriendshipID
	Name      string
	Number    string
	Timezone  string // IANA zone name; empty means UTC
	CreatedAt time.Time
}

// Location resolves the friend's timezone, falling back to UTC.
func (f Friend) Location() *time.Location {
	if f.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(f.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Error variables shared across modules.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrMalformedResponse indicates LLM output that could not be parsed
	// into the expected JSON shape. Distinct from low confidence: this is
	// permanent for the turn and must not be retried.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrStaleContext indicates a goal context save lost a version race.
	ErrStaleContext = errors.New("goal context version conflict")
	// ErrEmptyRecipient indicates a send without a recipient.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
)
