package hub

import (
	"time"

	"frameproof/internal/models"
)

// EventType enumerates the events delivered to channel subscribers.
type EventType string

const (
	EventCommentCreated EventType = "comment.created"
	EventCommentUpdated EventType = "comment.updated"
	EventCommentDeleted EventType = "comment.deleted"

	EventPresenceJoined EventType = "presence.joined"
	EventPresenceLeft   EventType = "presence.left"
	// EventPresenceCursor is advisory: it may be dropped for slow subscribers.
	EventPresenceCursor EventType = "presence.cursor"

	EventAssetStatus EventType = "asset.status"
	EventAssetReady  EventType = "asset.ready"
	EventAssetFailed EventType = "asset.failed"

	// EventResync tells subscribers that ledger events for the channel were
	// lost between nodes and must be read back from the ledger.
	EventResync EventType = "stream.resync"
)

// Event is the envelope fanned out to a channel's subscribers and, when a
// relay is attached, to the other nodes.
type Event struct {
	Type       EventType             `json:"type"`
	ChannelID  string                `json:"channelId"`
	Revision   int64                 `json:"revision,omitempty"`
	Comment    *models.Comment       `json:"comment,omitempty"`
	Presence   *models.PresenceEntry `json:"presence,omitempty"`
	Asset      *models.MediaAsset    `json:"asset,omitempty"`
	OccurredAt time.Time             `json:"occurredAt"`
	Origin     string                `json:"origin,omitempty"`
}

// IsLedger reports whether the event carries a comment ledger mutation.
// Ledger events are the ones catch-up deduplicates by revision.
func (e Event) IsLedger() bool {
	switch e.Type {
	case EventCommentCreated, EventCommentUpdated, EventCommentDeleted:
		return true
	default:
		return false
	}
}

// CommentEvent builds the ledger event for a committed comment mutation.
func CommentEvent(eventType EventType, comment models.Comment) Event {
	c := comment
	return Event{
		Type:       eventType,
		ChannelID:  c.ChannelID,
		Revision:   c.Revision,
		Comment:    &c,
		OccurredAt: c.UpdatedAt,
	}
}

// PresenceEvent builds a presence event for entry.
func PresenceEvent(eventType EventType, entry models.PresenceEntry, at time.Time) Event {
	e := entry
	return Event{
		Type:       eventType,
		ChannelID:  e.ChannelID,
		Presence:   &e,
		OccurredAt: at,
	}
}

// AssetEvent builds an encoding status event for asset.
func AssetEvent(eventType EventType, asset models.MediaAsset) Event {
	a := asset
	return Event{
		Type:       eventType,
		ChannelID:  a.ChannelID,
		Asset:      &a,
		OccurredAt: a.UpdatedAt,
	}
}

// ResyncEvent builds the marker a relay sends after losing ledger events for
// channelID.
func ResyncEvent(channelID string, at time.Time) Event {
	return Event{Type: EventResync, ChannelID: channelID, OccurredAt: at}
}
