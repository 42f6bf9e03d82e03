package model

import "time"

// ChangeType names a domain event emitted after a group transaction commits.
type ChangeType string

const (
	ChangeEventCreated   ChangeType = "event.created"
	ChangeEventUpdated   ChangeType = "event.updated"
	ChangeEventCancelled ChangeType = "event.cancelled"
	ChangeEventDeleted   ChangeType = "event.deleted"
	ChangeGroupCreated   ChangeType = "group.created"
	ChangeGroupUpdated   ChangeType = "group.updated"
	ChangeSyncCompleted  ChangeType = "sync.completed"
)

// Change is the payload published on the domain event stream.
type Change struct {
	Type       ChangeType `json:"type"`
	EntityID   string     `json:"entityId,omitempty"`
	GroupID    string     `json:"groupId,omitempty"`
	Platform   Platform   `json:"platform,omitempty"`
	PlatformID string     `json:"platformId,omitempty"`
	Title      string     `json:"title,omitempty"`
	RunID      string     `json:"runId,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}
